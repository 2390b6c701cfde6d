package domain

import "time"

// Participant 表示加入过房间的用户。
// 离开房间时只删除成员关系，参与者记录保留给队列条目引用。
type Participant struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Name      string    `gorm:"size:191;not null" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Role 成员角色
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Membership 表示 (房间, 参与者) 关系。
type Membership struct {
	RoomID        string    `gorm:"primaryKey;size:36" json:"room_id"`
	ParticipantID string    `gorm:"primaryKey;size:36;index" json:"participant_id"`
	Role          Role      `gorm:"size:16;not null" json:"role"`
	JoinedAt      time.Time `gorm:"index;not null" json:"joined_at"` // 管理员重新分配时按加入顺序挑选
}

// TableName 指定表名
func (Membership) TableName() string { return "room_members" }

// IsAdmin 判断该成员是否为管理员
func (m *Membership) IsAdmin() bool { return m.Role == RoleAdmin }
