package service

import (
	"errors"
	"fmt"

	"collab-music/internal/repository"
)

var (
	ErrRoomNotFound         = errors.New("room not found")
	ErrParticipantNotFound  = errors.New("participant not found")
	ErrParticipantNotInRoom = errors.New("participant is not a member of this room")
	ErrSongNotFound         = errors.New("song not found")
	ErrConflict             = errors.New("conflicting state, please retry")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInternalServer       = errors.New("internal server error")
)

// errRoomCodeTaken 只在 CreateRoom 内部使用，触发换码重试
var errRoomCodeTaken = errors.New("room code taken")

// mapRepoError 将仓库层错误映射为服务层错误。
// 未找到映射为 notFound，唯一约束冲突映射为 ErrConflict，
// 其余 (连接断开、死锁等) 包装为 ErrInternalServer 并保留原始错误。
func mapRepoError(err error, notFound error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound) && notFound != nil:
		return notFound
	case errors.Is(err, repository.ErrDuplicateEntry):
		return ErrConflict
	case isServiceError(err):
		return err
	default:
		return fmt.Errorf("%w: %s: %w", ErrInternalServer, op, err)
	}
}

func isServiceError(err error) bool {
	for _, target := range []error{
		ErrRoomNotFound, ErrParticipantNotFound, ErrParticipantNotInRoom,
		ErrSongNotFound, ErrConflict, ErrInvalidInput, ErrInternalServer,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	return errors.Is(err, repository.ErrNotFound)
}
