package relay

import (
	"sort"
	"sync"

	"collab-music/internal/domain"
)

// Peer 是注册表中的一个连接，Send 必须是非阻塞的
type Peer interface {
	Send(msg []byte) bool
}

type peerInfo struct {
	roomCode string
	userID   string
}

// JoinResult 描述一次加入对注册表的影响
type JoinResult struct {
	Latest     *domain.PlaybackCommand // 房间当前缓存的最新指令，供迟到者追赶
	UserOnline bool                    // 该用户在房间内的第一个连接
	Left       *LeaveResult            // 连接之前所在的其他房间
}

// LeaveResult 描述一次离开对注册表的影响
type LeaveResult struct {
	RoomCode    string
	UserID      string
	UserOffline bool // 该用户在房间内已没有连接
	RoomEmpty   bool // 房间已没有连接，缓存的最新指令已清除
}

// Registry 记录本进程内 连接 → {房间, 用户}、房间 → 连接集合、
// 房间 → 用户连接计数 (在线状态) 以及每个房间最新的播放指令。
// 由 Relay 持有，所有方法并发安全。
type Registry struct {
	mu       sync.RWMutex
	peers    map[Peer]peerInfo
	rooms    map[string]map[Peer]struct{}
	presence map[string]map[string]int
	latest   map[string]domain.PlaybackCommand
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		peers:    make(map[Peer]peerInfo),
		rooms:    make(map[string]map[Peer]struct{}),
		presence: make(map[string]map[string]int),
		latest:   make(map[string]domain.PlaybackCommand),
	}
}

// Join 把连接加入房间。已在其他房间的连接先离开原房间；
// 重复加入同一房间只更新用户 ID。
func (r *Registry) Join(p Peer, roomCode, userID string) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res JoinResult
	if prev, ok := r.peers[p]; ok {
		if prev.roomCode == roomCode && prev.userID == userID {
			res.Latest = r.latestLocked(roomCode)
			return res
		}
		left := r.leaveLocked(p, prev)
		res.Left = &left
	}

	r.peers[p] = peerInfo{roomCode: roomCode, userID: userID}
	if r.rooms[roomCode] == nil {
		r.rooms[roomCode] = make(map[Peer]struct{})
	}
	r.rooms[roomCode][p] = struct{}{}

	if r.presence[roomCode] == nil {
		r.presence[roomCode] = make(map[string]int)
	}
	r.presence[roomCode][userID]++
	res.UserOnline = r.presence[roomCode][userID] == 1
	res.Latest = r.latestLocked(roomCode)
	return res
}

// Leave 从注册表移除连接，未加入任何房间时返回 false
func (r *Registry) Leave(p Peer) (LeaveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.peers[p]
	if !ok {
		return LeaveResult{}, false
	}
	return r.leaveLocked(p, info), true
}

func (r *Registry) leaveLocked(p Peer, info peerInfo) LeaveResult {
	res := LeaveResult{RoomCode: info.roomCode, UserID: info.userID}
	delete(r.peers, p)

	if conns, ok := r.rooms[info.roomCode]; ok {
		delete(conns, p)
		if len(conns) == 0 {
			delete(r.rooms, info.roomCode)
			delete(r.latest, info.roomCode)
			res.RoomEmpty = true
		}
	}
	if users, ok := r.presence[info.roomCode]; ok {
		users[info.userID]--
		if users[info.userID] <= 0 {
			delete(users, info.userID)
			res.UserOffline = true
		}
		if len(users) == 0 {
			delete(r.presence, info.roomCode)
		}
	}
	return res
}

// RoomOf 返回连接所在的房间和用户
func (r *Registry) RoomOf(p Peer) (roomCode, userID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.peers[p]
	return info.roomCode, info.userID, ok
}

// Peers 返回房间内除 exclude 以外的连接快照
func (r *Registry) Peers(roomCode string, exclude Peer) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.rooms[roomCode]
	out := make([]Peer, 0, len(conns))
	for p := range conns {
		if p != exclude {
			out = append(out, p)
		}
	}
	return out
}

// All 返回全部连接
func (r *Registry) All() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	return out
}

// SetLatest 缓存房间最新的播放指令。房间在本进程没有连接时不缓存，返回 false。
func (r *Registry) SetLatest(roomCode string, cmd domain.PlaybackCommand) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rooms[roomCode]) == 0 {
		return false
	}
	r.latest[roomCode] = cmd
	return true
}

// Latest 返回房间缓存的最新指令
func (r *Registry) Latest(roomCode string) (domain.PlaybackCommand, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.latest[roomCode]
	return cmd, ok
}

func (r *Registry) latestLocked(roomCode string) *domain.PlaybackCommand {
	if cmd, ok := r.latest[roomCode]; ok {
		return &cmd
	}
	return nil
}

// Online 返回房间内在线的用户 ID，已排序
func (r *Registry) Online(roomCode string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.presence[roomCode]))
	for u := range r.presence[roomCode] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Count 返回连接数和活跃房间数
func (r *Registry) Count() (conns, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers), len(r.rooms)
}
