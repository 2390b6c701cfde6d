package relay

import (
	"strings"

	"collab-music/internal/domain"

	"github.com/goccy/go-json"
)

// 帧类型
const (
	TypeJoinRoom       = "JOIN_ROOM"
	TypeRoomJoined     = "ROOM_JOINED"
	TypePlaybackUpdate = "PLAYBACK_UPDATE"
	TypeError          = "ERROR"
)

// PlaybackTopic 跨实例转发播放指令的总线 topic
const PlaybackTopic = "PLAYBACK_UPDATED"

// CloseJoinTimeout 连接在超时时间内未发送 JOIN_ROOM 时使用的关闭码
const CloseJoinTimeout = 4001

// InboundFrame 客户端发送的帧。
// JOIN_ROOM 使用 RoomCode、UserID；PLAYBACK_UPDATE 使用 RoomCode、Action、CurrentTime。
// 客户端自带的 timestamp 会被忽略，由服务端重新打戳。
type InboundFrame struct {
	Type        string                `json:"type"`
	RoomCode    string                `json:"roomCode"`
	UserID      string                `json:"userId,omitempty"`
	Action      domain.PlaybackAction `json:"action,omitempty"`
	CurrentTime *float64              `json:"currentTime,omitempty"`
	Timestamp   int64                 `json:"timestamp,omitempty"`
}

// OutboundFrame 服务端发送的帧
type OutboundFrame struct {
	Type     string                  `json:"type"`
	RoomCode string                  `json:"roomCode,omitempty"`
	UserID   string                  `json:"userId,omitempty"`
	Data     *domain.PlaybackCommand `json:"data,omitempty"`
	Message  string                  `json:"message,omitempty"`
}

// remoteUpdate 是 PLAYBACK_UPDATED topic 上的消息，Origin 为发布实例的 ID
type remoteUpdate struct {
	Origin   string                 `json:"origin"`
	RoomCode string                 `json:"roomCode"`
	Command  domain.PlaybackCommand `json:"command"`
}

func normalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func encodeFrame(f OutboundFrame) []byte {
	// OutboundFrame 只包含可编码的字段
	b, _ := json.Marshal(f)
	return b
}

func playbackFrame(roomCode string, cmd domain.PlaybackCommand) []byte {
	return encodeFrame(OutboundFrame{Type: TypePlaybackUpdate, RoomCode: roomCode, Data: &cmd})
}

func errorFrame(message string) []byte {
	return encodeFrame(OutboundFrame{Type: TypeError, Message: message})
}
