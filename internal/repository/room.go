package repository

import (
	"context"
	"time"

	"collab-music/internal/domain"
)

// RoomRepository 定义了房间、参与者、成员关系和歌曲队列的存储操作。
// 所有修改类操作都应在 Transaction 回调中执行，回调返回错误时整体回滚。
type RoomRepository interface {
	// Transaction 在一个事务中执行 fn，fn 收到的 repo 绑定到该事务。
	Transaction(ctx context.Context, fn func(repo RoomRepository) error) error

	// === Room ===

	// FindRoomByID 根据 ID 查找房间，不存在返回 ErrRoomNotFound。
	FindRoomByID(ctx context.Context, id string) (*domain.Room, error)
	// FindRoomByCode 根据房间码查找房间，不存在返回 ErrRoomNotFound。
	FindRoomByCode(ctx context.Context, code string) (*domain.Room, error)
	// LockRoom 查找并对房间行加写锁 (SELECT ... FOR UPDATE)，用于串行化同一房间的修改。
	LockRoom(ctx context.Context, id string) (*domain.Room, error)
	// ListRooms 返回全部房间，按创建时间排序。
	ListRooms(ctx context.Context) ([]domain.Room, error)
	// IsRoomCodeExists 检查房间码是否已被当前存在的房间占用。
	IsRoomCodeExists(ctx context.Context, code string) (bool, error)
	// CreateRoom 插入房间，房间码冲突返回 ErrDuplicateEntry。
	CreateRoom(ctx context.Context, room *domain.Room) error
	// SetRoomAdmin 更新房间的管理员指针。
	SetRoomAdmin(ctx context.Context, roomID, participantID string) error
	// SetCurrentSong 更新房间的当前曲目指针，songID 为 nil 表示清空。
	SetCurrentSong(ctx context.Context, roomID string, songID *string) error
	// DeleteRoom 删除房间及其队列和成员关系。
	DeleteRoom(ctx context.Context, roomID string) error

	// === Participant ===

	CreateParticipant(ctx context.Context, p *domain.Participant) error
	FindParticipant(ctx context.Context, id string) (*domain.Participant, error)
	// DeleteOrphanParticipants 删除创建早于 before、没有任何成员关系、
	// 没有被队列条目或房间管理员指针引用的参与者，返回删除数量。
	DeleteOrphanParticipants(ctx context.Context, before time.Time) (int64, error)

	// === Membership ===

	CreateMembership(ctx context.Context, m *domain.Membership) error
	// FindMembership 不存在返回 ErrMembershipNotFound。
	FindMembership(ctx context.Context, roomID, participantID string) (*domain.Membership, error)
	DeleteMembership(ctx context.Context, roomID, participantID string) error
	CountMembers(ctx context.Context, roomID string) (int64, error)
	// FirstMember 返回最早加入的成员 (joined_at, participant_id 升序)。
	FirstMember(ctx context.Context, roomID string) (*domain.Membership, error)
	UpdateMemberRole(ctx context.Context, roomID, participantID string, role domain.Role) error
	// ListMembers 返回房间成员，按加入顺序排列。
	ListMembers(ctx context.Context, roomID string) ([]domain.Participant, error)

	// === Song queue ===

	CreateSong(ctx context.Context, song *domain.Song) error
	FindSong(ctx context.Context, id string) (*domain.Song, error)
	// DeleteSong 删除房间内的歌曲，返回是否真的删除了记录。
	DeleteSong(ctx context.Context, roomID, songID string) (bool, error)
	// ListSongs 按加入顺序 (added_at, id) 返回队列。
	ListSongs(ctx context.Context, roomID string) ([]domain.Song, error)
}
