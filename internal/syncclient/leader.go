package syncclient

import (
	"context"
	"sync"
	"time"

	"collab-music/internal/domain"

	"github.com/sirupsen/logrus"
)

// Sender 把播放指令发到同步通道，Conn 实现了该接口
type Sender interface {
	SendPlayback(action domain.PlaybackAction, currentTime float64) error
}

// LeaderConfig 管理员端发送策略
type LeaderConfig struct {
	MinInterval time.Duration // 两次状态变化发送之间的最小间隔
	Heartbeat   time.Duration // 播放中的心跳周期
}

func (c *LeaderConfig) applyDefaults() {
	if c.MinInterval <= 0 {
		c.MinInterval = 500 * time.Millisecond
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 2 * time.Second
	}
}

type report struct {
	action      domain.PlaybackAction
	currentTime float64
}

// Leader 是管理员端的发送器。
// 状态变化经过去抖：间隔内的多次变化只发送最后一次 (trailing)；
// 播放中按 Heartbeat 周期发送当前位置，让错过指令的跟随者重新收敛。
type Leader struct {
	sender   Sender
	position func() float64
	cfg      LeaderConfig

	mu       sync.Mutex
	playing  bool
	lastSent time.Time
	pending  *report
	timer    *time.Timer
}

// NewLeader 创建管理员端发送器，position 返回播放器当前位置
func NewLeader(sender Sender, position func() float64, cfg LeaderConfig) *Leader {
	if sender == nil || position == nil {
		panic("sender and position cannot be nil for Leader")
	}
	cfg.applyDefaults()
	return &Leader{sender: sender, position: position, cfg: cfg}
}

// Report 上报一次本地播放器状态变化
func (l *Leader) Report(action domain.PlaybackAction, currentTime float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch action {
	case domain.PlaybackPlay:
		l.playing = true
	case domain.PlaybackPause:
		l.playing = false
	}

	r := report{action: action, currentTime: currentTime}
	wait := l.cfg.MinInterval - time.Since(l.lastSent)
	if wait <= 0 && l.timer == nil {
		l.sendLocked(r)
		return
	}
	l.pending = &r
	if l.timer == nil {
		if wait < 0 {
			wait = 0
		}
		l.timer = time.AfterFunc(wait, l.flush)
	}
}

func (l *Leader) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timer = nil
	if l.pending == nil {
		return
	}
	r := *l.pending
	l.pending = nil
	l.sendLocked(r)
}

func (l *Leader) sendLocked(r report) {
	l.lastSent = time.Now()
	if err := l.sender.SendPlayback(r.action, r.currentTime); err != nil {
		logrus.WithError(err).WithField("action", r.action).Debug("SyncClient: failed to send playback update")
	}
}

// Playing 返回最近一次上报后是否处于播放状态
func (l *Leader) Playing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.playing
}

// Run 在 ctx 结束前按周期发送心跳
func (l *Leader) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Heartbeat)
	defer func() {
		ticker.Stop()
		l.mu.Lock()
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		l.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			if l.playing && l.timer == nil {
				l.sendLocked(report{action: domain.PlaybackPlay, currentTime: l.position()})
			}
			l.mu.Unlock()
		}
	}
}
