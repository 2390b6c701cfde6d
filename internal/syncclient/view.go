package syncclient

import (
	"sync"

	"collab-music/internal/domain"
)

// RoomView 是客户端对房间状态的本地视图。
// 快照类事件 (成员、队列、当前曲目) 整体替换本地状态，重复应用结果不变。
type RoomView struct {
	mu           sync.RWMutex
	roomCode     string
	participants []domain.Participant
	queue        []domain.Song
	current      *domain.Song
}

// RoomViewState 是 RoomView 的只读拷贝
type RoomViewState struct {
	RoomCode     string
	Participants []domain.Participant
	Queue        []domain.Song
	Current      *domain.Song
}

// NewRoomView 创建房间视图
func NewRoomView(roomCode string) *RoomView {
	return &RoomView{roomCode: roomCode}
}

// Apply 归并一个事件。其他房间的事件被忽略并返回 false。
func (v *RoomView) Apply(ev domain.Event) (bool, error) {
	if ev.RoomCode != v.roomCode {
		return false, nil
	}

	switch ev.Kind {
	case domain.EventParticipantJoined:
		p, err := ev.Participant()
		if err != nil {
			return false, err
		}
		v.mu.Lock()
		v.participants = append(removeParticipant(v.participants, p.ID), *p)
		v.mu.Unlock()
	case domain.EventParticipantLeft:
		p, err := ev.Participant()
		if err != nil {
			return false, err
		}
		v.mu.Lock()
		v.participants = removeParticipant(v.participants, p.ID)
		v.mu.Unlock()
	case domain.EventParticipantsUpdated:
		members, err := ev.Participants()
		if err != nil {
			return false, err
		}
		v.mu.Lock()
		v.participants = members
		v.mu.Unlock()
	case domain.EventSongQueueUpdated:
		queue, err := ev.Queue()
		if err != nil {
			return false, err
		}
		v.mu.Lock()
		v.queue = queue
		v.mu.Unlock()
	case domain.EventCurrentSongChanged:
		track, err := ev.Track()
		if err != nil {
			return false, err
		}
		v.mu.Lock()
		v.current = track
		v.mu.Unlock()
	default:
		return false, nil
	}
	return true, nil
}

// State 返回当前视图的拷贝
func (v *RoomView) State() RoomViewState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	st := RoomViewState{
		RoomCode:     v.roomCode,
		Participants: append([]domain.Participant(nil), v.participants...),
		Queue:        append([]domain.Song(nil), v.queue...),
	}
	if v.current != nil {
		cur := *v.current
		st.Current = &cur
	}
	return st
}

func removeParticipant(list []domain.Participant, id string) []domain.Participant {
	out := make([]domain.Participant, 0, len(list))
	for _, p := range list {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}
