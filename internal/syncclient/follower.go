// Package syncclient 是播放同步通道的 Go 客户端：
// 跟随者按收到的指令调整本地播放器，管理员端对状态变化去抖并定期发送心跳，
// Conn 负责断线重连，RoomView 把房间事件归并为本地状态。
package syncclient

import (
	"sync"

	"collab-music/internal/domain"
)

// Player 本地播放器，秒为单位
type Player interface {
	Seek(seconds float64)
	Play()
	Pause()
}

// Follower 把收到的播放指令应用到本地播放器。
// 播放器未就绪时只保留最近一条指令，就绪后再应用。
type Follower struct {
	mu      sync.Mutex
	player  Player
	ready   bool
	pending *domain.PlaybackCommand
}

// NewFollower 创建跟随者，播放器初始视为未就绪
func NewFollower(player Player) *Follower {
	if player == nil {
		panic("Player cannot be nil for Follower")
	}
	return &Follower{player: player}
}

// Apply 应用一条指令，未就绪时覆盖缓存的指令
func (f *Follower) Apply(cmd domain.PlaybackCommand) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		f.pending = &cmd
		return
	}
	f.applyLocked(cmd)
}

// SetReady 标记播放器就绪并应用缓存的指令
func (f *Follower) SetReady() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = true
	if f.pending != nil {
		cmd := *f.pending
		f.pending = nil
		f.applyLocked(cmd)
	}
}

// Pending 返回尚未应用的指令
func (f *Follower) Pending() (domain.PlaybackCommand, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil {
		return domain.PlaybackCommand{}, false
	}
	return *f.pending, true
}

func (f *Follower) applyLocked(cmd domain.PlaybackCommand) {
	switch cmd.Action {
	case domain.PlaybackPlay:
		f.player.Seek(cmd.CurrentTime)
		f.player.Play()
	case domain.PlaybackPause:
		f.player.Seek(cmd.CurrentTime)
		f.player.Pause()
	case domain.PlaybackSeek:
		// 只跳转，保持当前播放/暂停状态
		f.player.Seek(cmd.CurrentTime)
	}
}
