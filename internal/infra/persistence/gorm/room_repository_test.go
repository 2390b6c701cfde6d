package gormpersistence_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"collab-music/internal/domain"
	"collab-music/internal/eventbus"
	gormpersistence "collab-music/internal/infra/persistence/gorm"
	"collab-music/internal/infra/setup"
	"collab-music/internal/repository"
	"collab-music/internal/service"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// openSQLite 在临时目录中创建 SQLite 库并执行迁移。
// SQLite 方言会忽略 FOR UPDATE，行锁行为由 TestGormRoomRepository_LockRoomBlocksSecondWriter 在 MySQL 上覆盖。
func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "rooms.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 单连接，事务内外看到同一个库
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, setup.MigrateDB(db))
	return db
}

// tickClock 每次调用前进一秒，让 joined_at / added_at 有确定的先后
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

func newService(t *testing.T, repo repository.RoomRepository) *service.RoomService {
	t.Helper()
	bus := eventbus.NewMemoryBus(16)
	dispatcher := eventbus.NewDispatcher(bus, 64)
	t.Cleanup(func() {
		_ = dispatcher.Close(context.Background())
		_ = bus.Close()
	})
	clock := &tickClock{now: t0}
	return service.NewRoomService(repo, dispatcher, service.WithClock(clock.Now))
}

func names(members []domain.Participant) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.Name)
	}
	return out
}

func seedRoom(t *testing.T, repo *gormpersistence.GormRoomRepository, id, code, adminID string) *domain.Room {
	t.Helper()
	room := &domain.Room{ID: id, RoomCode: code, AdminID: adminID, CreatedAt: t0}
	require.NoError(t, repo.CreateRoom(context.Background(), room))
	return room
}

func seedParticipant(t *testing.T, repo *gormpersistence.GormRoomRepository, id, name string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, repo.CreateParticipant(context.Background(), &domain.Participant{ID: id, Name: name, CreatedAt: createdAt}))
}

func TestGormRoomRepository_ListMembersInJoinOrder(t *testing.T) {
	repo := gormpersistence.NewGormRoomRepository(openSQLite(t))
	ctx := context.Background()
	seedRoom(t, repo, "room-1", "ABCDEF", "p-carol")

	// 插入顺序与加入顺序不同
	joins := []struct {
		id, name string
		at       time.Time
	}{
		{"p-carol", "Carol", t0.Add(2 * time.Second)},
		{"p-alice", "Alice", t0},
		{"p-bob", "Bob", t0.Add(time.Second)},
	}
	for _, j := range joins {
		seedParticipant(t, repo, j.id, j.name, t0)
		require.NoError(t, repo.CreateMembership(ctx, &domain.Membership{
			RoomID: "room-1", ParticipantID: j.id, Role: domain.RoleMember, JoinedAt: j.at,
		}))
	}

	members, err := repo.ListMembers(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice", "Bob", "Carol"}, names(members))

	first, err := repo.FirstMember(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "p-alice", first.ParticipantID)

	count, err := repo.CountMembers(ctx, "room-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}

func TestGormRoomRepository_FirstMemberBreaksTiesByParticipantID(t *testing.T) {
	repo := gormpersistence.NewGormRoomRepository(openSQLite(t))
	ctx := context.Background()
	seedRoom(t, repo, "room-1", "ABCDEF", "p-b")

	for _, id := range []string{"p-b", "p-a"} {
		seedParticipant(t, repo, id, id, t0)
		require.NoError(t, repo.CreateMembership(ctx, &domain.Membership{
			RoomID: "room-1", ParticipantID: id, Role: domain.RoleMember, JoinedAt: t0,
		}))
	}

	first, err := repo.FirstMember(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "p-a", first.ParticipantID)

	_, err = repo.FirstMember(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrMembershipNotFound)
}

func TestGormRoomRepository_DuplicatesMapToErrDuplicateEntry(t *testing.T) {
	repo := gormpersistence.NewGormRoomRepository(openSQLite(t))
	ctx := context.Background()
	seedRoom(t, repo, "room-1", "ABCDEF", "p-1")

	err := repo.CreateRoom(ctx, &domain.Room{ID: "room-2", RoomCode: "ABCDEF", AdminID: "p-2"})
	assert.ErrorIs(t, err, repository.ErrDuplicateEntry)

	exists, err := repo.IsRoomCodeExists(ctx, "ABCDEF")
	require.NoError(t, err)
	assert.True(t, exists)

	seedParticipant(t, repo, "p-1", "Alice", t0)
	m := &domain.Membership{RoomID: "room-1", ParticipantID: "p-1", Role: domain.RoleAdmin, JoinedAt: t0}
	require.NoError(t, repo.CreateMembership(ctx, m))
	assert.ErrorIs(t, repo.CreateMembership(ctx, m), repository.ErrDuplicateEntry)
}

func TestGormRoomRepository_TransactionRollsBackOnError(t *testing.T) {
	repo := gormpersistence.NewGormRoomRepository(openSQLite(t))
	ctx := context.Background()

	err := repo.Transaction(ctx, func(tx repository.RoomRepository) error {
		require.NoError(t, tx.CreateRoom(ctx, &domain.Room{ID: "room-1", RoomCode: "ABCDEF", AdminID: "p-1"}))
		return repository.ErrDuplicateEntry
	})
	assert.ErrorIs(t, err, repository.ErrDuplicateEntry)

	_, err = repo.FindRoomByID(ctx, "room-1")
	assert.ErrorIs(t, err, repository.ErrRoomNotFound)
}

func TestGormRoomRepository_AdminLeavingPromotesEarliestMember(t *testing.T) {
	repo := gormpersistence.NewGormRoomRepository(openSQLite(t))
	svc := newService(t, repo)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	bob, err := svc.JoinRoom(ctx, room.RoomCode, "Bob")
	require.NoError(t, err)
	_, err = svc.JoinRoom(ctx, room.RoomCode, "Carol")
	require.NoError(t, err)

	_, err = svc.LeaveRoom(ctx, room.RoomCode, room.AdminID)
	require.NoError(t, err)

	reloaded, err := repo.FindRoomByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, bob.ID, reloaded.AdminID)

	m, err := repo.FindMembership(ctx, room.ID, bob.ID)
	require.NoError(t, err)
	assert.True(t, m.IsAdmin())

	members, err := repo.ListMembers(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bob", "Carol"}, names(members))

	// 离开的管理员记录仍保留
	_, err = repo.FindParticipant(ctx, room.AdminID)
	assert.NoError(t, err)
}

func TestGormRoomRepository_RemovingCurrentSongClearsPointer(t *testing.T) {
	repo := gormpersistence.NewGormRoomRepository(openSQLite(t))
	svc := newService(t, repo)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	first, err := svc.AddSong(ctx, room.ID, room.AdminID, "https://www.youtube.com/watch?v=aaa", "First")
	require.NoError(t, err)
	second, err := svc.AddSong(ctx, room.ID, room.AdminID, "https://www.youtube.com/watch?v=bbb", "Second")
	require.NoError(t, err)

	reloaded, err := repo.FindRoomByID(ctx, room.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.CurrentSongID, "第一首歌应自动成为当前曲目")
	assert.Equal(t, first.ID, *reloaded.CurrentSongID)

	queue, err := repo.ListSongs(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, first.ID, queue[0].ID)
	assert.Equal(t, second.ID, queue[1].ID)

	// 删除非当前曲目不影响指针
	removed, err := svc.RemoveSong(ctx, room.ID, second.ID)
	require.NoError(t, err)
	require.True(t, removed)
	reloaded, err = repo.FindRoomByID(ctx, room.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.CurrentSongID)
	assert.Equal(t, first.ID, *reloaded.CurrentSongID)

	removed, err = svc.RemoveSong(ctx, room.ID, first.ID)
	require.NoError(t, err)
	require.True(t, removed)
	reloaded, err = repo.FindRoomByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.CurrentSongID)
	assert.False(t, reloaded.HasCurrentSong())

	ok, err := repo.DeleteSong(ctx, room.ID, first.ID)
	require.NoError(t, err)
	assert.False(t, ok, "重复删除应返回 false")
}

func TestGormRoomRepository_DeleteOrphanParticipants(t *testing.T) {
	repo := gormpersistence.NewGormRoomRepository(openSQLite(t))
	ctx := context.Background()
	old := t0
	fresh := t0.Add(2 * time.Hour)
	before := t0.Add(time.Hour)

	// p-admin 只被管理员指针引用，p-member 有成员关系，p-adder 只被队列条目引用，
	// p-orphan 无任何引用，p-fresh 无引用但创建时间太新
	seedParticipant(t, repo, "p-admin", "Admin", old)
	seedParticipant(t, repo, "p-member", "Member", old)
	seedParticipant(t, repo, "p-adder", "Adder", old)
	seedParticipant(t, repo, "p-orphan", "Orphan", old)
	seedParticipant(t, repo, "p-fresh", "Fresh", fresh)
	seedRoom(t, repo, "room-1", "ABCDEF", "p-admin")
	require.NoError(t, repo.CreateMembership(ctx, &domain.Membership{
		RoomID: "room-1", ParticipantID: "p-member", Role: domain.RoleMember, JoinedAt: old,
	}))
	require.NoError(t, repo.CreateSong(ctx, &domain.Song{
		ID: "s-1", RoomID: "room-1", AddedBy: "p-adder",
		YoutubeURL: "https://youtu.be/aaa", Title: "Song", AddedAt: old,
	}))

	deleted, err := repo.DeleteOrphanParticipants(ctx, before)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, err = repo.FindParticipant(ctx, "p-orphan")
	assert.ErrorIs(t, err, repository.ErrParticipantNotFound)
	for _, id := range []string{"p-admin", "p-member", "p-adder", "p-fresh"} {
		_, err := repo.FindParticipant(ctx, id)
		assert.NoError(t, err, id)
	}

	deleted, err = repo.DeleteOrphanParticipants(ctx, before)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestGormRoomRepository_LastMemberLeavingDeletesRoomAndQueue(t *testing.T) {
	repo := gormpersistence.NewGormRoomRepository(openSQLite(t))
	svc := newService(t, repo)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	other, err := svc.CreateRoom(ctx, "Zed")
	require.NoError(t, err)
	for _, title := range []string{"One", "Two"} {
		_, err := svc.AddSong(ctx, room.ID, room.AdminID, "https://youtu.be/"+title, title)
		require.NoError(t, err)
	}
	_, err = svc.AddSong(ctx, other.ID, other.AdminID, "https://youtu.be/keep", "Keep")
	require.NoError(t, err)

	_, err = svc.LeaveRoom(ctx, room.RoomCode, room.AdminID)
	require.NoError(t, err)

	_, err = repo.FindRoomByCode(ctx, room.RoomCode)
	assert.ErrorIs(t, err, repository.ErrRoomNotFound)
	queue, err := repo.ListSongs(ctx, room.ID)
	require.NoError(t, err)
	assert.Empty(t, queue)
	count, err := repo.CountMembers(ctx, room.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	// 其他房间不受影响
	otherQueue, err := repo.ListSongs(ctx, other.ID)
	require.NoError(t, err)
	assert.Len(t, otherQueue, 1)
	rooms, err := repo.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, other.ID, rooms[0].ID)
}

// TestGormRoomRepository_LockRoomBlocksSecondWriter 需要真实 MySQL，
// 例如 MYSQL_TEST_DSN="root:pw@tcp(127.0.0.1:3306)/collab_music_test?charset=utf8mb4&parseTime=True&loc=UTC"
func TestGormRoomRepository_LockRoomBlocksSecondWriter(t *testing.T) {
	dsn := os.Getenv("MYSQL_TEST_DSN")
	if dsn == "" {
		t.Skip("MYSQL_TEST_DSN not set")
	}
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, setup.MigrateDB(db))

	repo := gormpersistence.NewGormRoomRepository(db)
	ctx := context.Background()
	room, err := newService(t, repo).CreateRoom(ctx, "Alice")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.DeleteRoom(context.Background(), room.ID) })

	locked := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- repo.Transaction(ctx, func(tx repository.RoomRepository) error {
			if _, err := tx.LockRoom(ctx, room.ID); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	acquired := make(chan struct{})
	secondDone := make(chan error, 1)
	go func() {
		secondDone <- repo.Transaction(ctx, func(tx repository.RoomRepository) error {
			if _, err := tx.LockRoom(ctx, room.ID); err != nil {
				return err
			}
			close(acquired)
			return nil
		})
	}()

	select {
	case <-acquired:
		t.Fatal("second transaction acquired the row lock while the first still held it")
	case <-time.After(300 * time.Millisecond):
	}

	close(release)
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("second transaction never acquired the row lock")
	}
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)
}
