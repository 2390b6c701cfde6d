package service_test

import (
	"context"

	"collab-music/internal/domain"
	"collab-music/internal/repository"

	"github.com/stretchr/testify/mock"
)

// mockPublisher 是 EventPublisher 的 Mock 实现，发布过的事件可以通过 take 按顺序取出
type mockPublisher struct {
	mock.Mock
	seen int
}

// newMockPublisher 创建接受任意事件的 mockPublisher
func newMockPublisher() *mockPublisher {
	p := new(mockPublisher)
	p.On("Publish", mock.Anything, mock.AnythingOfType("domain.Event")).Return()
	return p
}

func (p *mockPublisher) Publish(ctx context.Context, event domain.Event) {
	p.Called(ctx, event)
}

// take 返回上次调用之后发布的事件。不能与 Publish 并发调用。
func (p *mockPublisher) take() []domain.Event {
	var out []domain.Event
	for _, call := range p.Calls[p.seen:] {
		out = append(out, call.Arguments.Get(1).(domain.Event))
	}
	p.seen = len(p.Calls)
	return out
}

// mockRoomRepository 在内存实现之上拦截 CreateRoom 和 CountMembers。
// 预期返回 nil 时转发给内存实现，返回错误时直接返回该错误。
type mockRoomRepository struct {
	mock.Mock
	repository.RoomRepository
}

func newMockRoomRepository(store repository.RoomRepository) *mockRoomRepository {
	return &mockRoomRepository{RoomRepository: store}
}

func (m *mockRoomRepository) Transaction(ctx context.Context, fn func(repo repository.RoomRepository) error) error {
	return m.RoomRepository.Transaction(ctx, func(tx repository.RoomRepository) error {
		return fn(&mockRoomTx{mock: m, RoomRepository: tx})
	})
}

// mockRoomTx 是事务内的 repo，被拦截的方法记录到外层 Mock
type mockRoomTx struct {
	mock *mockRoomRepository
	repository.RoomRepository
}

func (tx *mockRoomTx) CreateRoom(ctx context.Context, room *domain.Room) error {
	if err := tx.mock.Called(ctx, room).Error(0); err != nil {
		return err
	}
	return tx.RoomRepository.CreateRoom(ctx, room)
}

func (tx *mockRoomTx) CountMembers(ctx context.Context, roomID string) (int64, error) {
	if err := tx.mock.Called(ctx, roomID).Error(0); err != nil {
		return 0, err
	}
	return tx.RoomRepository.CountMembers(ctx, roomID)
}
