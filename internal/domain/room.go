package domain

import "time"

// RoomCodeLength 房间码长度，字符集为 A-Z。
const RoomCodeLength = 6

// Room 表示一个协作点歌房间。
type Room struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`                  // 房间唯一标识符 (uuid)
	RoomCode      string    `gorm:"uniqueIndex;size:6;not null" json:"room_code"`  // 用户输入的房间码，必须唯一
	AdminID       string    `gorm:"size:36;not null" json:"admin_id"`              // 当前管理员的参与者 ID
	CurrentSongID *string   `gorm:"size:36" json:"current_song_id"`                // 当前曲目，可以为空，不做外键校验
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// HasCurrentSong 判断房间是否已经有当前曲目
func (r *Room) HasCurrentSong() bool {
	return r.CurrentSongID != nil && *r.CurrentSongID != ""
}
