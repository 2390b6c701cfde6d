package domain

import "math"

// PlaybackAction 播放控制指令
type PlaybackAction string

const (
	PlaybackPlay  PlaybackAction = "PLAY"
	PlaybackPause PlaybackAction = "PAUSE"
	PlaybackSeek  PlaybackAction = "SEEK"
)

// Valid 判断是否为已知指令
func (a PlaybackAction) Valid() bool {
	switch a {
	case PlaybackPlay, PlaybackPause, PlaybackSeek:
		return true
	}
	return false
}

// PlaybackCommand 是管理员上报的播放状态。不持久化，每个房间只保留最新一条。
type PlaybackCommand struct {
	Action      PlaybackAction `json:"action"`
	CurrentTime float64        `json:"currentTime"` // 秒
	Timestamp   int64          `json:"timestamp"`   // 服务端打戳，毫秒
}

// ValidPosition 播放位置必须是有限的非负数
func ValidPosition(t float64) bool {
	return !math.IsNaN(t) && !math.IsInf(t, 0) && t >= 0
}
