package domain

import "time"

// Song 表示房间队列中的一首歌 (队列条目)。
// 队列顺序即 AddedAt 的先后顺序。
type Song struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	RoomID     string    `gorm:"index;size:36;not null" json:"room_id"`
	AddedBy    string    `gorm:"size:36;not null" json:"added_by"`
	YoutubeURL string    `gorm:"size:512;not null" json:"youtube_url"`
	Title      string    `gorm:"size:255;not null" json:"title"`
	AddedAt    time.Time `gorm:"index;not null" json:"added_at"`
}

// TableName 指定表名
func (Song) TableName() string { return "song_queue" }
