// Package memorypersistence 提供 RoomRepository 的进程内实现，
// 用于单机开发模式 (STORE_DRIVER=memory) 和测试。
// 事务通过全局互斥锁 + 写前快照实现：回调返回错误时恢复快照。
package memorypersistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"collab-music/internal/domain"
	"collab-music/internal/repository"
)

type memberKey struct {
	roomID        string
	participantID string
}

type dataset struct {
	rooms        map[string]domain.Room
	participants map[string]domain.Participant
	members      map[memberKey]domain.Membership
	songs        map[string]domain.Song
}

func newDataset() *dataset {
	return &dataset{
		rooms:        make(map[string]domain.Room),
		participants: make(map[string]domain.Participant),
		members:      make(map[memberKey]domain.Membership),
		songs:        make(map[string]domain.Song),
	}
}

func (d *dataset) clone() *dataset {
	c := newDataset()
	for k, v := range d.rooms {
		if v.CurrentSongID != nil {
			id := *v.CurrentSongID
			v.CurrentSongID = &id
		}
		c.rooms[k] = v
	}
	for k, v := range d.participants {
		c.participants[k] = v
	}
	for k, v := range d.members {
		c.members[k] = v
	}
	for k, v := range d.songs {
		c.songs[k] = v
	}
	return c
}

// Store 持有数据和全局锁
type Store struct {
	mu   sync.Mutex
	data *dataset
}

// NewStore 创建空的内存存储
func NewStore() *Store {
	return &Store{data: newDataset()}
}

// Repository 返回不在事务中的仓库视图
func (s *Store) Repository() *MemoryRoomRepository {
	return &MemoryRoomRepository{store: s}
}

// MemoryRoomRepository 是 RoomRepository 的内存实现。
// inTx 为 true 时调用方已持有 store.mu。
type MemoryRoomRepository struct {
	store *Store
	inTx  bool
}

// NewMemoryRoomRepository 创建一个基于新 Store 的仓库
func NewMemoryRoomRepository() *MemoryRoomRepository {
	return NewStore().Repository()
}

func (r *MemoryRoomRepository) lock() func() {
	if r.inTx {
		return func() {}
	}
	r.store.mu.Lock()
	return r.store.mu.Unlock
}

// Transaction 持有全局锁执行 fn，失败时回滚到执行前的快照
func (r *MemoryRoomRepository) Transaction(ctx context.Context, fn func(repo repository.RoomRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := r.lock()
	defer unlock()

	before := r.store.data.clone()
	if err := fn(&MemoryRoomRepository{store: r.store, inTx: true}); err != nil {
		r.store.data = before
		return err
	}
	return nil
}

// --- Room ---

func (r *MemoryRoomRepository) FindRoomByID(ctx context.Context, id string) (*domain.Room, error) {
	defer r.lock()()
	room, ok := r.store.data.rooms[id]
	if !ok {
		return nil, repository.ErrRoomNotFound
	}
	return &room, nil
}

func (r *MemoryRoomRepository) FindRoomByCode(ctx context.Context, code string) (*domain.Room, error) {
	defer r.lock()()
	for _, room := range r.store.data.rooms {
		if room.RoomCode == code {
			found := room
			return &found, nil
		}
	}
	return nil, repository.ErrRoomNotFound
}

// LockRoom 内存实现中事务本身已串行，等同于 FindRoomByID
func (r *MemoryRoomRepository) LockRoom(ctx context.Context, id string) (*domain.Room, error) {
	return r.FindRoomByID(ctx, id)
}

func (r *MemoryRoomRepository) ListRooms(ctx context.Context) ([]domain.Room, error) {
	defer r.lock()()
	rooms := make([]domain.Room, 0, len(r.store.data.rooms))
	for _, room := range r.store.data.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms, nil
}

func (r *MemoryRoomRepository) IsRoomCodeExists(ctx context.Context, code string) (bool, error) {
	_, err := r.FindRoomByCode(ctx, code)
	if err == repository.ErrRoomNotFound {
		return false, nil
	}
	return err == nil, err
}

func (r *MemoryRoomRepository) CreateRoom(ctx context.Context, room *domain.Room) error {
	defer r.lock()()
	for _, existing := range r.store.data.rooms {
		if existing.RoomCode == room.RoomCode || existing.ID == room.ID {
			return repository.ErrDuplicateEntry
		}
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	r.store.data.rooms[room.ID] = *room
	return nil
}

func (r *MemoryRoomRepository) SetRoomAdmin(ctx context.Context, roomID, participantID string) error {
	defer r.lock()()
	room, ok := r.store.data.rooms[roomID]
	if !ok {
		return repository.ErrRoomNotFound
	}
	room.AdminID = participantID
	r.store.data.rooms[roomID] = room
	return nil
}

func (r *MemoryRoomRepository) SetCurrentSong(ctx context.Context, roomID string, songID *string) error {
	defer r.lock()()
	room, ok := r.store.data.rooms[roomID]
	if !ok {
		return nil
	}
	if songID != nil {
		id := *songID
		songID = &id
	}
	room.CurrentSongID = songID
	r.store.data.rooms[roomID] = room
	return nil
}

func (r *MemoryRoomRepository) DeleteRoom(ctx context.Context, roomID string) error {
	defer r.lock()()
	for id, song := range r.store.data.songs {
		if song.RoomID == roomID {
			delete(r.store.data.songs, id)
		}
	}
	for key := range r.store.data.members {
		if key.roomID == roomID {
			delete(r.store.data.members, key)
		}
	}
	delete(r.store.data.rooms, roomID)
	return nil
}

// --- Participant ---

func (r *MemoryRoomRepository) CreateParticipant(ctx context.Context, p *domain.Participant) error {
	defer r.lock()()
	if _, ok := r.store.data.participants[p.ID]; ok {
		return repository.ErrDuplicateEntry
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	r.store.data.participants[p.ID] = *p
	return nil
}

func (r *MemoryRoomRepository) FindParticipant(ctx context.Context, id string) (*domain.Participant, error) {
	defer r.lock()()
	p, ok := r.store.data.participants[id]
	if !ok {
		return nil, repository.ErrParticipantNotFound
	}
	return &p, nil
}

func (r *MemoryRoomRepository) DeleteOrphanParticipants(ctx context.Context, before time.Time) (int64, error) {
	defer r.lock()()
	referenced := make(map[string]bool)
	for key := range r.store.data.members {
		referenced[key.participantID] = true
	}
	for _, song := range r.store.data.songs {
		referenced[song.AddedBy] = true
	}
	for _, room := range r.store.data.rooms {
		referenced[room.AdminID] = true
	}
	var deleted int64
	for id, p := range r.store.data.participants {
		if !referenced[id] && p.CreatedAt.Before(before) {
			delete(r.store.data.participants, id)
			deleted++
		}
	}
	return deleted, nil
}

// --- Membership ---

func (r *MemoryRoomRepository) CreateMembership(ctx context.Context, m *domain.Membership) error {
	defer r.lock()()
	key := memberKey{m.RoomID, m.ParticipantID}
	if _, ok := r.store.data.members[key]; ok {
		return repository.ErrDuplicateEntry
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now().UTC()
	}
	r.store.data.members[key] = *m
	return nil
}

func (r *MemoryRoomRepository) FindMembership(ctx context.Context, roomID, participantID string) (*domain.Membership, error) {
	defer r.lock()()
	m, ok := r.store.data.members[memberKey{roomID, participantID}]
	if !ok {
		return nil, repository.ErrMembershipNotFound
	}
	return &m, nil
}

func (r *MemoryRoomRepository) DeleteMembership(ctx context.Context, roomID, participantID string) error {
	defer r.lock()()
	key := memberKey{roomID, participantID}
	if _, ok := r.store.data.members[key]; !ok {
		return repository.ErrMembershipNotFound
	}
	delete(r.store.data.members, key)
	return nil
}

func (r *MemoryRoomRepository) CountMembers(ctx context.Context, roomID string) (int64, error) {
	defer r.lock()()
	return int64(len(r.sortedMembers(roomID))), nil
}

func (r *MemoryRoomRepository) FirstMember(ctx context.Context, roomID string) (*domain.Membership, error) {
	defer r.lock()()
	members := r.sortedMembers(roomID)
	if len(members) == 0 {
		return nil, repository.ErrMembershipNotFound
	}
	return &members[0], nil
}

func (r *MemoryRoomRepository) UpdateMemberRole(ctx context.Context, roomID, participantID string, role domain.Role) error {
	defer r.lock()()
	key := memberKey{roomID, participantID}
	m, ok := r.store.data.members[key]
	if !ok {
		return nil
	}
	m.Role = role
	r.store.data.members[key] = m
	return nil
}

func (r *MemoryRoomRepository) ListMembers(ctx context.Context, roomID string) ([]domain.Participant, error) {
	defer r.lock()()
	members := r.sortedMembers(roomID)
	out := make([]domain.Participant, 0, len(members))
	for _, m := range members {
		if p, ok := r.store.data.participants[m.ParticipantID]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// sortedMembers 调用方需持有锁
func (r *MemoryRoomRepository) sortedMembers(roomID string) []domain.Membership {
	members := []domain.Membership{}
	for key, m := range r.store.data.members {
		if key.roomID == roomID {
			members = append(members, m)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ParticipantID < members[j].ParticipantID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members
}

// --- Song queue ---

func (r *MemoryRoomRepository) CreateSong(ctx context.Context, song *domain.Song) error {
	defer r.lock()()
	if _, ok := r.store.data.songs[song.ID]; ok {
		return repository.ErrDuplicateEntry
	}
	if song.AddedAt.IsZero() {
		song.AddedAt = time.Now().UTC()
	}
	r.store.data.songs[song.ID] = *song
	return nil
}

func (r *MemoryRoomRepository) FindSong(ctx context.Context, id string) (*domain.Song, error) {
	defer r.lock()()
	song, ok := r.store.data.songs[id]
	if !ok {
		return nil, repository.ErrSongNotFound
	}
	return &song, nil
}

func (r *MemoryRoomRepository) DeleteSong(ctx context.Context, roomID, songID string) (bool, error) {
	defer r.lock()()
	song, ok := r.store.data.songs[songID]
	if !ok || song.RoomID != roomID {
		return false, nil
	}
	delete(r.store.data.songs, songID)
	return true, nil
}

func (r *MemoryRoomRepository) ListSongs(ctx context.Context, roomID string) ([]domain.Song, error) {
	defer r.lock()()
	queue := []domain.Song{}
	for _, song := range r.store.data.songs {
		if song.RoomID == roomID {
			queue = append(queue, song)
		}
	}
	sort.Slice(queue, func(i, j int) bool {
		if queue[i].AddedAt.Equal(queue[j].AddedAt) {
			return queue[i].ID < queue[j].ID
		}
		return queue[i].AddedAt.Before(queue[j].AddedAt)
	})
	return queue, nil
}
