package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"collab-music/internal/domain"
	memorypersistence "collab-music/internal/infra/persistence/memory"
	"collab-music/internal/repository"
	"collab-music/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func kinds(events []domain.Event) []domain.EventKind {
	out := make([]domain.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

// tickClock 每次调用前进一秒
type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	repo *memorypersistence.MemoryRoomRepository
	pub  *mockPublisher
	svc  *service.RoomService
}

func newFixture(t *testing.T, opts ...service.Option) *fixture {
	t.Helper()
	repo := memorypersistence.NewMemoryRoomRepository()
	pub := newMockPublisher()
	clock := &tickClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]service.Option{service.WithClock(clock.Now)}, opts...)
	return &fixture{repo: repo, pub: pub, svc: service.NewRoomService(repo, pub, opts...)}
}

func names(ps []domain.Participant) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Name
	}
	return out
}

func TestRoomService_EndToEndScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 创建房间
	room, err := f.svc.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	assert.Len(t, room.RoomCode, domain.RoomCodeLength)
	assert.Regexp(t, "^[A-Z]{6}$", room.RoomCode)
	aliceID := room.AdminID
	assert.Empty(t, f.pub.take(), "创建房间不发布事件")

	// Bob 加入
	bob, err := f.svc.JoinRoom(ctx, room.RoomCode, "Bob")
	require.NoError(t, err)
	events := f.pub.take()
	require.Equal(t, []domain.EventKind{domain.EventParticipantJoined, domain.EventParticipantsUpdated}, kinds(events))
	joined, err := events[0].Participant()
	require.NoError(t, err)
	assert.Equal(t, bob.ID, joined.ID)
	snapshot, err := events[1].Participants()
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Bob"}, names(snapshot))
	for _, e := range events {
		assert.Equal(t, room.RoomCode, e.RoomCode)
	}

	// 第一首歌自动成为当前曲目
	song1, err := f.svc.AddSong(ctx, room.ID, bob.ID, "https://www.youtube.com/watch?v=abc", "Song1")
	require.NoError(t, err)
	current, err := f.svc.GetRoom(ctx, room.RoomCode)
	require.NoError(t, err)
	require.NotNil(t, current.CurrentSongID)
	assert.Equal(t, song1.ID, *current.CurrentSongID)
	assert.Equal(t, []domain.EventKind{domain.EventSongQueueUpdated, domain.EventCurrentSongChanged}, kinds(f.pub.take()))

	// 第二首歌不改变当前曲目
	song2, err := f.svc.AddSong(ctx, room.ID, aliceID, "https://www.youtube.com/watch?v=def", "Song2")
	require.NoError(t, err)
	current, err = f.svc.GetRoom(ctx, room.RoomCode)
	require.NoError(t, err)
	assert.Equal(t, song1.ID, *current.CurrentSongID)
	assert.Equal(t, []domain.EventKind{domain.EventSongQueueUpdated}, kinds(f.pub.take()))

	// 切换当前曲目
	ok, err := f.svc.SetCurrentSong(ctx, room.ID, song2.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	events = f.pub.take()
	require.Equal(t, []domain.EventKind{domain.EventCurrentSongChanged}, kinds(events))
	track, err := events[0].Track()
	require.NoError(t, err)
	require.NotNil(t, track)
	assert.Equal(t, song2.ID, track.ID)

	// Alice 离开，Bob 成为管理员
	left, err := f.svc.LeaveRoom(ctx, room.RoomCode, aliceID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", left.Name)
	current, err = f.svc.GetRoom(ctx, room.RoomCode)
	require.NoError(t, err)
	assert.Equal(t, bob.ID, current.AdminID)
	m, err := f.svc.GetMembership(ctx, room.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, m.IsAdmin())
	assert.Equal(t, []domain.EventKind{domain.EventParticipantLeft, domain.EventParticipantsUpdated}, kinds(f.pub.take()))

	// Bob 离开，房间和队列被删除
	_, err = f.svc.LeaveRoom(ctx, room.RoomCode, bob.ID)
	require.NoError(t, err)
	events = f.pub.take()
	require.Len(t, events, 2)
	snapshot, err = events[1].Participants()
	require.NoError(t, err)
	assert.Empty(t, snapshot, "房间删除后发布空快照")

	_, err = f.svc.GetRoom(ctx, room.RoomCode)
	assert.ErrorIs(t, err, service.ErrRoomNotFound)
	_, err = f.svc.GetSong(ctx, song1.ID)
	assert.ErrorIs(t, err, service.ErrSongNotFound)

	// 参与者记录保留
	_, err = f.svc.GetParticipant(ctx, bob.ID)
	assert.NoError(t, err)
}

func TestRoomService_CreateRoom_RetriesUntilCodeIsFree(t *testing.T) {
	codes := []string{"AAAAAA", "AAAAAA", "AAAAAA", "BBBBBB"}
	i := 0
	f := newFixture(t, service.WithCodeGenerator(func() (string, error) {
		c := codes[i]
		i++
		return c, nil
	}))
	ctx := context.Background()

	first, err := f.svc.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", first.RoomCode)

	second, err := f.svc.CreateRoom(ctx, "Carol")
	require.NoError(t, err)
	assert.Equal(t, "BBBBBB", second.RoomCode)
	assert.Equal(t, 4, i)
}

func TestRoomService_CreateRoom_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t, service.WithCodeGenerator(func() (string, error) { return "AAAAAA", nil }))
	_, err := f.svc.CreateRoom(context.Background(), "Alice")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.svc.CreateRoom(ctx, "Bob")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRoomService_CreateRoom_InvalidName(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateRoom(context.Background(), "   ")
	assert.ErrorIs(t, err, service.ErrInvalidInput)
}

func TestRoomService_JoinRoom_UnknownCode(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.JoinRoom(context.Background(), "NOPENO", "Bob")
	assert.ErrorIs(t, err, service.ErrRoomNotFound)
	f.pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestRoomService_JoinRoom_NormalizesCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.svc.CreateRoom(ctx, "Alice")
	require.NoError(t, err)

	_, err = f.svc.JoinRoom(ctx, "  "+strings.ToLower(room.RoomCode)+" ", "Bob")
	require.NoError(t, err)
	members, err := f.svc.GetParticipants(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestRoomService_LeaveRoom_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.svc.CreateRoom(ctx, "Alice")
	require.NoError(t, err)

	_, err = f.svc.LeaveRoom(ctx, room.RoomCode, "not-a-member")
	assert.ErrorIs(t, err, service.ErrParticipantNotInRoom)

	_, err = f.svc.LeaveRoom(ctx, "ZZZZZZ", room.AdminID)
	assert.ErrorIs(t, err, service.ErrRoomNotFound)

	assert.Empty(t, f.pub.take(), "失败的操作不发布事件")
}

func TestRoomService_AdminReassignment_EarliestJoinedWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.svc.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	bob, err := f.svc.JoinRoom(ctx, room.RoomCode, "Bob")
	require.NoError(t, err)
	_, err = f.svc.JoinRoom(ctx, room.RoomCode, "Carol")
	require.NoError(t, err)

	_, err = f.svc.LeaveRoom(ctx, room.RoomCode, room.AdminID)
	require.NoError(t, err)

	assertSingleAdmin(t, f, room.ID, bob.ID)
}

func TestRoomService_AdminReassignment_TieBreaksOnParticipantID(t *testing.T) {
	repo := memorypersistence.NewMemoryRoomRepository()
	pub := newMockPublisher()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := service.NewRoomService(repo, pub, service.WithClock(func() time.Time { return fixed }))
	f := &fixture{repo: repo, pub: pub, svc: svc}
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	bob, err := svc.JoinRoom(ctx, room.RoomCode, "Bob")
	require.NoError(t, err)
	carol, err := svc.JoinRoom(ctx, room.RoomCode, "Carol")
	require.NoError(t, err)

	_, err = svc.LeaveRoom(ctx, room.RoomCode, room.AdminID)
	require.NoError(t, err)

	expected := bob.ID
	if carol.ID < bob.ID {
		expected = carol.ID
	}
	assertSingleAdmin(t, f, room.ID, expected)
}

func assertSingleAdmin(t *testing.T, f *fixture, roomID, adminID string) {
	t.Helper()
	ctx := context.Background()
	room, err := f.svc.GetRoomByID(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, adminID, room.AdminID)

	members, err := f.svc.GetParticipants(ctx, roomID)
	require.NoError(t, err)
	admins := 0
	for _, p := range members {
		m, err := f.svc.GetMembership(ctx, roomID, p.ID)
		require.NoError(t, err)
		if m.IsAdmin() {
			admins++
			assert.Equal(t, adminID, p.ID)
		}
	}
	assert.Equal(t, 1, admins, "房间中必须恰好有一个管理员")
}

func TestRoomService_KickParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.svc.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	bob, err := f.svc.JoinRoom(ctx, room.RoomCode, "Bob")
	require.NoError(t, err)
	f.pub.take()

	// 踢出管理员也会重新分配
	kicked, err := f.svc.KickParticipant(ctx, room.ID, room.AdminID)
	require.NoError(t, err)
	assert.True(t, kicked)
	events := f.pub.take()
	require.Equal(t, []domain.EventKind{domain.EventParticipantsUpdated}, kinds(events))
	snapshot, err := events[0].Participants()
	require.NoError(t, err)
	assert.Equal(t, []string{"Bob"}, names(snapshot))
	assertSingleAdmin(t, f, room.ID, bob.ID)

	// 被踢出的参与者记录保留
	_, err = f.svc.GetParticipant(ctx, room.AdminID)
	assert.NoError(t, err)

	// 不在房间中
	kicked, err = f.svc.KickParticipant(ctx, room.ID, room.AdminID)
	require.NoError(t, err)
	assert.False(t, kicked)
	assert.Empty(t, f.pub.take())

	// 踢出最后一名成员删除房间
	kicked, err = f.svc.KickParticipant(ctx, room.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, kicked)
	_, err = f.svc.GetRoomByID(ctx, room.ID)
	assert.ErrorIs(t, err, service.ErrRoomNotFound)

	_, err = f.svc.KickParticipant(ctx, room.ID, bob.ID)
	assert.ErrorIs(t, err, service.ErrRoomNotFound)
}

func TestRoomService_AddSong_QueueIsFIFO(t *testing.T) {
	// 固定时钟下所有歌曲时间戳相同，顺序仍必须是插入顺序
	repo := memorypersistence.NewMemoryRoomRepository()
	pub := newMockPublisher()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := service.NewRoomService(repo, pub, service.WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "Alice")
	require.NoError(t, err)

	var ids []string
	for _, title := range []string{"A", "B", "C", "D"} {
		song, err := svc.AddSong(ctx, room.ID, room.AdminID, "https://youtu.be/"+title, title)
		require.NoError(t, err)
		ids = append(ids, song.ID)
	}

	queue, err := svc.GetSongQueue(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, queue, 4)
	for i, song := range queue {
		assert.Equal(t, ids[i], song.ID)
	}

	// 最后一个 SONG_QUEUE_UPDATED 携带完整有序队列
	events := pub.take()
	last := events[len(events)-1]
	require.Equal(t, domain.EventSongQueueUpdated, last.Kind)
	snapshot, err := last.Queue()
	require.NoError(t, err)
	require.Len(t, snapshot, len(ids))
	for i, song := range snapshot {
		assert.Equal(t, ids[i], song.ID)
	}
}

func TestRoomService_AddSong_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.svc.CreateRoom(ctx, "Alice")
	require.NoError(t, err)

	_, err = f.svc.AddSong(ctx, "missing-room", room.AdminID, "https://youtu.be/x", "X")
	assert.ErrorIs(t, err, service.ErrRoomNotFound)

	_, err = f.svc.AddSong(ctx, room.ID, "stranger", "https://youtu.be/x", "X")
	assert.ErrorIs(t, err, service.ErrParticipantNotInRoom)

	_, err = f.svc.AddSong(ctx, room.ID, room.AdminID, "not a url", "X")
	assert.ErrorIs(t, err, service.ErrInvalidInput)

	_, err = f.svc.AddSong(ctx, room.ID, room.AdminID, "https://youtu.be/x", "")
	assert.ErrorIs(t, err, service.ErrInvalidInput)

	assert.Empty(t, f.pub.take())
	queue, err := f.svc.GetSongQueue(ctx, room.ID)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestRoomService_RemoveSong(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.svc.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	s1, err := f.svc.AddSong(ctx, room.ID, room.AdminID, "https://youtu.be/1", "One")
	require.NoError(t, err)
	s2, err := f.svc.AddSong(ctx, room.ID, room.AdminID, "https://youtu.be/2", "Two")
	require.NoError(t, err)
	f.pub.take()

	// 不存在的歌曲
	removed, err := f.svc.RemoveSong(ctx, room.ID, "missing")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Empty(t, f.pub.take())

	// 删除非当前曲目
	removed, err = f.svc.RemoveSong(ctx, room.ID, s2.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, []domain.EventKind{domain.EventSongQueueUpdated}, kinds(f.pub.take()))

	// 删除当前曲目清空指针
	removed, err = f.svc.RemoveSong(ctx, room.ID, s1.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	events := f.pub.take()
	require.Equal(t, []domain.EventKind{domain.EventSongQueueUpdated, domain.EventCurrentSongChanged}, kinds(events))
	track, err := events[1].Track()
	require.NoError(t, err)
	assert.Nil(t, track)

	current, err := f.svc.GetRoomByID(ctx, room.ID)
	require.NoError(t, err)
	assert.False(t, current.HasCurrentSong())

	_, err = f.svc.RemoveSong(ctx, "missing-room", s1.ID)
	assert.ErrorIs(t, err, service.ErrRoomNotFound)
}

func TestRoomService_SetCurrentSong_DoesNotValidateSong(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.svc.CreateRoom(ctx, "Alice")
	require.NoError(t, err)

	ok, err := f.svc.SetCurrentSong(ctx, room.ID, "ghost")
	require.NoError(t, err)
	assert.True(t, ok)

	current, err := f.svc.GetRoomByID(ctx, room.ID)
	require.NoError(t, err)
	require.NotNil(t, current.CurrentSongID)
	assert.Equal(t, "ghost", *current.CurrentSongID)

	events := f.pub.take()
	require.Len(t, events, 1)
	track, err := events[0].Track()
	require.NoError(t, err)
	assert.Nil(t, track)

	_, err = f.svc.SetCurrentSong(ctx, "missing-room", "ghost")
	assert.ErrorIs(t, err, service.ErrRoomNotFound)
}

var errConnReset = errors.New("connection reset by peer")

func TestRoomService_TransientErrorRollsBack(t *testing.T) {
	store := memorypersistence.NewStore()
	healthy := service.NewRoomService(store.Repository(), newMockPublisher())

	mockRepo := newMockRoomRepository(store.Repository())
	brokenPub := new(mockPublisher)
	broken := service.NewRoomService(mockRepo, brokenPub)
	ctx := context.Background()

	room, err := healthy.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	bob, err := healthy.JoinRoom(ctx, room.RoomCode, "Bob")
	require.NoError(t, err)

	// 删除成员关系之后统计人数失败
	mockRepo.On("CountMembers", mock.Anything, room.ID).Return(errConnReset).Once()

	_, err = broken.LeaveRoom(ctx, room.RoomCode, bob.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrInternalServer)
	assert.ErrorIs(t, err, errConnReset, "原始错误应被保留")
	brokenPub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	mockRepo.AssertExpectations(t)

	// 成员关系已回滚
	_, err = healthy.GetMembership(ctx, room.ID, bob.ID)
	assert.NoError(t, err)
}

func TestRoomService_CreateRoom_RetriesWhenCodeTakenConcurrently(t *testing.T) {
	store := memorypersistence.NewStore()
	mockRepo := newMockRoomRepository(store.Repository())
	codes := []string{"AAAAAA", "BBBBBB"}
	i := 0
	svc := service.NewRoomService(mockRepo, newMockPublisher(), service.WithCodeGenerator(func() (string, error) {
		c := codes[i]
		i++
		return c, nil
	}))
	ctx := context.Background()

	// 唯一性检查通过后插入时冲突，然后第二个码插入成功
	mockRepo.On("CreateRoom", mock.Anything, mock.MatchedBy(func(r *domain.Room) bool {
		return r.RoomCode == "AAAAAA"
	})).Return(repository.ErrDuplicateEntry).Once()
	mockRepo.On("CreateRoom", mock.Anything, mock.MatchedBy(func(r *domain.Room) bool {
		return r.RoomCode == "BBBBBB"
	})).Return(nil).Once()

	room, err := svc.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "BBBBBB", room.RoomCode)
	assert.Equal(t, 2, i)
	mockRepo.AssertExpectations(t)

	// 失败那次事务中创建的管理员已回滚，只剩一个房间和一个成员
	rooms, err := svc.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	members, err := svc.GetParticipants(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, room.AdminID, members[0].ID)
}

func TestRoomService_CreateRoom_OtherStoreErrorsAreNotRetried(t *testing.T) {
	mockRepo := newMockRoomRepository(memorypersistence.NewMemoryRoomRepository())
	svc := service.NewRoomService(mockRepo, newMockPublisher())
	mockRepo.On("CreateRoom", mock.Anything, mock.Anything).Return(errConnReset).Once()

	_, err := svc.CreateRoom(context.Background(), "Alice")
	assert.ErrorIs(t, err, service.ErrInternalServer)
	mockRepo.AssertNumberOfCalls(t, "CreateRoom", 1)
}

func TestRoomService_ConcurrentLastLeaves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.svc.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	bob, err := f.svc.JoinRoom(ctx, room.RoomCode, "Bob")
	require.NoError(t, err)
	f.pub.take()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{room.AdminID, bob.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.svc.LeaveRoom(ctx, room.RoomCode, id)
		}(i, id)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	_, err = f.svc.GetRoom(ctx, room.RoomCode)
	assert.ErrorIs(t, err, service.ErrRoomNotFound)

	// 恰好一次观察到房间变空
	empty := 0
	for _, e := range f.pub.take() {
		if e.Kind != domain.EventParticipantsUpdated {
			continue
		}
		snapshot, err := e.Participants()
		require.NoError(t, err)
		if len(snapshot) == 0 {
			empty++
		}
	}
	assert.Equal(t, 1, empty)
}

func TestRoomService_CleanupOrphanParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.svc.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	bob, err := f.svc.JoinRoom(ctx, room.RoomCode, "Bob")
	require.NoError(t, err)
	carol, err := f.svc.JoinRoom(ctx, room.RoomCode, "Carol")
	require.NoError(t, err)
	_, err = f.svc.AddSong(ctx, room.ID, carol.ID, "https://youtu.be/c", "C")
	require.NoError(t, err)

	_, err = f.svc.LeaveRoom(ctx, room.RoomCode, bob.ID)
	require.NoError(t, err)
	_, err = f.svc.LeaveRoom(ctx, room.RoomCode, carol.ID)
	require.NoError(t, err)

	// Bob 不再被引用，Carol 仍被队列条目引用
	n, err := f.svc.CleanupOrphanParticipants(ctx, time.Now().Add(time.Hour*24*365*100))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.svc.GetParticipant(ctx, bob.ID)
	assert.ErrorIs(t, err, service.ErrParticipantNotFound)
	_, err = f.svc.GetParticipant(ctx, carol.ID)
	assert.NoError(t, err)
}
