package repository

import "context"

// PresenceRepository 记录各房间当前在线 (已连接同步通道) 的用户，
// 由 Redis 实现，供多实例共享。只做尽力而为的记录。
type PresenceRepository interface {
	AddOnline(ctx context.Context, roomCode, userID string) error
	RemoveOnline(ctx context.Context, roomCode, userID string) error
	ListOnline(ctx context.Context, roomCode string) ([]string, error)
}
