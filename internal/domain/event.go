package domain

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// EventKind 同时也是事件总线上的 topic 名称。
type EventKind string

const (
	EventParticipantJoined   EventKind = "PARTICIPANT_JOINED"
	EventParticipantLeft     EventKind = "PARTICIPANT_LEFT"
	EventParticipantsUpdated EventKind = "PARTICIPANTS_UPDATED"
	EventSongQueueUpdated    EventKind = "SONG_QUEUE_UPDATED"
	EventCurrentSongChanged  EventKind = "CURRENT_SONG_CHANGED"
)

// StateEventKinds 房间状态相关的全部事件类型
var StateEventKinds = []EventKind{
	EventParticipantJoined,
	EventParticipantLeft,
	EventParticipantsUpdated,
	EventSongQueueUpdated,
	EventCurrentSongChanged,
}

// ParseEventKind 校验并转换事件类型字符串
func ParseEventKind(s string) (EventKind, bool) {
	for _, k := range StateEventKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Event 是所有房间状态事件的统一信封 {kind, roomCode, payload}。
// Payload 的形状由 Kind 决定:
//   - PARTICIPANT_JOINED / PARTICIPANT_LEFT: Participant
//   - PARTICIPANTS_UPDATED: []Participant (完整快照)
//   - SONG_QUEUE_UPDATED: []Song (完整有序队列)
//   - CURRENT_SONG_CHANGED: *Song (可以为 null)
type Event struct {
	Kind        EventKind       `json:"kind"`
	RoomCode    string          `json:"roomCode"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// NewEvent 序列化 payload 并构造事件
func NewEvent(kind EventKind, roomCode string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Event{
		Kind:        kind,
		RoomCode:    roomCode,
		Payload:     raw,
		PublishedAt: time.Now().UTC(),
	}, nil
}

// Participant 解析 PARTICIPANT_JOINED / PARTICIPANT_LEFT 的 payload
func (e Event) Participant() (*Participant, error) {
	if e.Kind != EventParticipantJoined && e.Kind != EventParticipantLeft {
		return nil, fmt.Errorf("event %s does not carry a participant", e.Kind)
	}
	var p Participant
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode participant payload: %w", err)
	}
	return &p, nil
}

// Participants 解析 PARTICIPANTS_UPDATED 的成员快照
func (e Event) Participants() ([]Participant, error) {
	if e.Kind != EventParticipantsUpdated {
		return nil, fmt.Errorf("event %s does not carry a participant snapshot", e.Kind)
	}
	members := []Participant{}
	if err := json.Unmarshal(e.Payload, &members); err != nil {
		return nil, fmt.Errorf("decode participants payload: %w", err)
	}
	return members, nil
}

// Queue 解析 SONG_QUEUE_UPDATED 的队列快照
func (e Event) Queue() ([]Song, error) {
	if e.Kind != EventSongQueueUpdated {
		return nil, fmt.Errorf("event %s does not carry a queue snapshot", e.Kind)
	}
	queue := []Song{}
	if err := json.Unmarshal(e.Payload, &queue); err != nil {
		return nil, fmt.Errorf("decode queue payload: %w", err)
	}
	return queue, nil
}

// Track 解析 CURRENT_SONG_CHANGED 的当前曲目，null 返回 nil
func (e Event) Track() (*Song, error) {
	if e.Kind != EventCurrentSongChanged {
		return nil, fmt.Errorf("event %s does not carry a track", e.Kind)
	}
	var track *Song
	if err := json.Unmarshal(e.Payload, &track); err != nil {
		return nil, fmt.Errorf("decode track payload: %w", err)
	}
	return track, nil
}
