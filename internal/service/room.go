package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"collab-music/internal/domain"
	"collab-music/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	maxNameLength    = 64
)

// EventPublisher 在事务提交后接收状态事件。实现必须是非阻塞的，
// 发布失败只记录日志，不能影响已提交的修改。
type EventPublisher interface {
	Publish(ctx context.Context, event domain.Event)
}

// Option 配置 RoomService
type Option func(*RoomService)

// WithCodeGenerator 替换房间码生成函数
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *RoomService) { s.genCode = gen }
}

// WithClock 替换时间来源
func WithClock(now func() time.Time) Option {
	return func(s *RoomService) { s.now = now }
}

// RoomService 负责房间、成员和歌曲队列的全部修改。
// 每个修改在一个存储事务中完成，提交成功后才把事件交给 EventPublisher。
type RoomService struct {
	repo      repository.RoomRepository
	publisher EventPublisher
	genCode   func() (string, error)
	now       func() time.Time
}

// NewRoomService 创建 RoomService 实例。
func NewRoomService(repo repository.RoomRepository, publisher EventPublisher, opts ...Option) *RoomService {
	if repo == nil {
		panic("RoomRepository cannot be nil for RoomService")
	}
	if publisher == nil {
		panic("EventPublisher cannot be nil for RoomService")
	}
	s := &RoomService{
		repo:      repo,
		publisher: publisher,
		genCode:   generateRoomCode,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// eventBatch 收集事务内产生的事件，提交后统一发布
type eventBatch struct {
	events []domain.Event
}

func (b *eventBatch) add(kind domain.EventKind, roomCode string, payload any) error {
	ev, err := domain.NewEvent(kind, roomCode, payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInternalServer, err)
	}
	b.events = append(b.events, ev)
	return nil
}

func (s *RoomService) publish(ctx context.Context, batch *eventBatch) {
	for _, ev := range batch.events {
		s.publisher.Publish(ctx, ev)
	}
}

// timestamp 毫秒精度，与 MySQL datetime(3) 一致
func (s *RoomService) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// CreateRoom 创建房间、管理员参与者和管理员成员关系。不发布事件。
func (s *RoomService) CreateRoom(ctx context.Context, adminName string) (*domain.Room, error) {
	name, err := normalizeName(adminName)
	if err != nil {
		return nil, err
	}
	logCtx := logrus.WithField("admin_name", name)

	for {
		code, err := s.generateUniqueRoomCode(ctx)
		if err != nil {
			logCtx.WithError(err).Error("CreateRoom: failed to generate room code")
			return nil, err
		}

		now := s.timestamp()
		admin := &domain.Participant{ID: uuid.NewString(), Name: name, CreatedAt: now}
		room := &domain.Room{ID: uuid.NewString(), RoomCode: code, AdminID: admin.ID, CreatedAt: now}

		err = s.repo.Transaction(ctx, func(repo repository.RoomRepository) error {
			if err := repo.CreateParticipant(ctx, admin); err != nil {
				return err
			}
			if err := repo.CreateRoom(ctx, room); err != nil {
				if errors.Is(err, repository.ErrDuplicateEntry) {
					return errRoomCodeTaken
				}
				return err
			}
			return repo.CreateMembership(ctx, &domain.Membership{
				RoomID:        room.ID,
				ParticipantID: admin.ID,
				Role:          domain.RoleAdmin,
				JoinedAt:      now,
			})
		})
		if errors.Is(err, errRoomCodeTaken) {
			// 检查之后房间码被并发创建的房间占用，换一个码重试
			logCtx.WithField("room_code", code).Warn("CreateRoom: room code taken concurrently, retrying")
			continue
		}
		if err != nil {
			logCtx.WithError(err).Error("CreateRoom: transaction failed")
			return nil, mapRepoError(err, nil, "create room")
		}

		logCtx.WithFields(logrus.Fields{"room_id": room.ID, "room_code": room.RoomCode}).Info("Room created successfully")
		return room, nil
	}
}

// ListRooms 返回所有房间
func (s *RoomService) ListRooms(ctx context.Context) ([]domain.Room, error) {
	rooms, err := s.repo.ListRooms(ctx)
	if err != nil {
		return nil, mapRepoError(err, nil, "list rooms")
	}
	return rooms, nil
}

// GetRoom 按房间码查找房间
func (s *RoomService) GetRoom(ctx context.Context, roomCode string) (*domain.Room, error) {
	room, err := s.repo.FindRoomByCode(ctx, NormalizeRoomCode(roomCode))
	if err != nil {
		return nil, mapRepoError(err, ErrRoomNotFound, "get room")
	}
	return room, nil
}

// GetRoomByID 按 ID 查找房间
func (s *RoomService) GetRoomByID(ctx context.Context, roomID string) (*domain.Room, error) {
	room, err := s.repo.FindRoomByID(ctx, roomID)
	if err != nil {
		return nil, mapRepoError(err, ErrRoomNotFound, "get room by id")
	}
	return room, nil
}

// GetParticipants 返回房间当前成员，按加入顺序
func (s *RoomService) GetParticipants(ctx context.Context, roomID string) ([]domain.Participant, error) {
	if _, err := s.GetRoomByID(ctx, roomID); err != nil {
		return nil, err
	}
	members, err := s.repo.ListMembers(ctx, roomID)
	if err != nil {
		return nil, mapRepoError(err, nil, "list members")
	}
	return members, nil
}

// GetParticipant 按 ID 查找参与者 (包括已离开房间的参与者)
func (s *RoomService) GetParticipant(ctx context.Context, participantID string) (*domain.Participant, error) {
	p, err := s.repo.FindParticipant(ctx, participantID)
	if err != nil {
		return nil, mapRepoError(err, ErrParticipantNotFound, "get participant")
	}
	return p, nil
}

// GetMembership 返回参与者在房间中的成员关系，用于权限判断
func (s *RoomService) GetMembership(ctx context.Context, roomID, participantID string) (*domain.Membership, error) {
	m, err := s.repo.FindMembership(ctx, roomID, participantID)
	if err != nil {
		return nil, mapRepoError(err, ErrParticipantNotInRoom, "get membership")
	}
	return m, nil
}

// CleanupOrphanParticipants 删除早于 before 且不再被任何记录引用的参与者
func (s *RoomService) CleanupOrphanParticipants(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.repo.DeleteOrphanParticipants(ctx, before)
	if err != nil {
		return 0, mapRepoError(err, nil, "cleanup participants")
	}
	return n, nil
}

// NormalizeRoomCode 去掉空白并转为大写
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len([]rune(name)) > maxNameLength {
		return "", fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidInput, maxNameLength)
	}
	return name, nil
}

// generateUniqueRoomCode 不设尝试上限，直到找到未占用的房间码或 ctx 被取消
func (s *RoomService) generateUniqueRoomCode(ctx context.Context) (string, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code, err := s.genCode()
		if err != nil {
			return "", fmt.Errorf("%w: generate room code: %w", ErrInternalServer, err)
		}
		exists, err := s.repo.IsRoomCodeExists(ctx, code)
		if err != nil {
			return "", mapRepoError(err, nil, "check room code")
		}
		if !exists {
			return code, nil
		}
		logrus.WithFields(logrus.Fields{"room_code": code, "attempt": attempt}).Debug("Room code already in use, retrying")
	}
}

// generateRoomCode 生成 6 位 A-Z 随机码。拒绝采样保证均匀分布。
func generateRoomCode() (string, error) {
	const limit = 256 - 256%len(roomCodeAlphabet)
	code := make([]byte, 0, domain.RoomCodeLength)
	buf := make([]byte, domain.RoomCodeLength*2)
	for len(code) < domain.RoomCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			code = append(code, roomCodeAlphabet[int(b)%len(roomCodeAlphabet)])
			if len(code) == domain.RoomCodeLength {
				break
			}
		}
	}
	return string(code), nil
}
