package syncclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"collab-music/internal/domain"
	"collab-music/internal/relay"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotConnected 当前没有可用的连接
	ErrNotConnected = errors.New("syncclient: not connected")
	// ErrMaxAttempts 重连次数用尽
	ErrMaxAttempts = errors.New("syncclient: max reconnect attempts reached")
	// ErrJoinRejected 服务端以 4001 关闭连接，重连也会得到同样的结果
	ErrJoinRejected = errors.New("syncclient: server rejected join")
)

// ConnConfig 同步通道客户端配置
type ConnConfig struct {
	URL         string
	RoomCode    string
	UserID      string
	BaseDelay   time.Duration // 首次重连等待
	MaxDelay    time.Duration // 重连等待上限
	MaxAttempts int           // 连续失败的最大重连次数
	DialTimeout time.Duration
}

func (c *ConnConfig) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// Callbacks 收到服务端帧时的回调，均可为 nil
type Callbacks struct {
	OnJoined   func(roomCode string)
	OnPlayback func(cmd domain.PlaybackCommand)
	OnError    func(message string)
}

// Conn 是自动重连的同步通道客户端。
// 每次连接成功都会重新发送 JOIN_ROOM；正常关闭 (1000) 或加入超时 (4001) 后不再重连。
type Conn struct {
	cfg       ConnConfig
	callbacks Callbacks
	dialer    *websocket.Dialer

	writeMu sync.Mutex
	ws      *websocket.Conn
	closed  bool
	done    chan struct{}
}

// NewConn 创建客户端，调用 Run 开始连接
func NewConn(cfg ConnConfig, callbacks Callbacks) *Conn {
	cfg.applyDefaults()
	return &Conn{
		cfg:       cfg,
		callbacks: callbacks,
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		done:      make(chan struct{}),
	}
}

// Backoff 返回第 n 次 (从 0 开始) 重连前的等待时间 min(base·2^n, limit)
func Backoff(base, limit time.Duration, n int) time.Duration {
	d := base
	for i := 0; i < n && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// Run 连接并保持连接，直到 ctx 结束、调用 Close、服务端正常关闭、拒绝加入或重连次数用尽
func (c *Conn) Run(ctx context.Context) error {
	attempts := 0
	for {
		logCtx := logrus.WithFields(logrus.Fields{"room_code": c.cfg.RoomCode, "attempt": attempts + 1})
		normal, connected, err := c.session(ctx)
		if ctx.Err() != nil || c.isClosed() {
			return nil
		}
		if normal {
			logCtx.Info("SyncClient: connection closed normally")
			return nil
		}
		if websocket.IsCloseError(err, relay.CloseJoinTimeout) {
			logCtx.WithError(err).Warn("SyncClient: server rejected join, not reconnecting")
			return ErrJoinRejected
		}
		if connected {
			attempts = 0
		}
		if attempts >= c.cfg.MaxAttempts {
			logCtx.WithError(err).Warn("SyncClient: giving up reconnecting")
			return ErrMaxAttempts
		}
		delay := Backoff(c.cfg.BaseDelay, c.cfg.MaxDelay, attempts)
		logCtx.WithError(err).WithField("delay", delay).Info("SyncClient: reconnecting")
		attempts++

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-c.done:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session 建立一次连接并读取直到断开。normal 表示正常关闭，connected 表示握手成功过。
func (c *Conn) session(ctx context.Context) (normal, connected bool, err error) {
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, false, err
	}

	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		_ = ws.Close()
		return true, true, nil
	}
	c.ws = ws
	join, _ := json.Marshal(relay.InboundFrame{
		Type:      relay.TypeJoinRoom,
		RoomCode:  c.cfg.RoomCode,
		UserID:    c.cfg.UserID,
		Timestamp: time.Now().UnixMilli(),
	})
	err = ws.WriteMessage(websocket.TextMessage, join)
	c.writeMu.Unlock()

	defer func() {
		c.writeMu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.writeMu.Unlock()
		_ = ws.Close()
	}()
	if err != nil {
		return false, true, err
	}

	// ctx 结束时关闭连接以打断阻塞的读
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return websocket.IsCloseError(err, websocket.CloseNormalClosure), true, err
		}
		c.handle(data)
	}
}

func (c *Conn) handle(data []byte) {
	var frame relay.OutboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		logrus.WithError(err).Warn("SyncClient: failed to decode frame")
		return
	}
	switch frame.Type {
	case relay.TypeRoomJoined:
		if c.callbacks.OnJoined != nil {
			c.callbacks.OnJoined(frame.RoomCode)
		}
	case relay.TypePlaybackUpdate:
		if frame.Data == nil || frame.RoomCode != c.cfg.RoomCode {
			return
		}
		if c.callbacks.OnPlayback != nil {
			c.callbacks.OnPlayback(*frame.Data)
		}
	case relay.TypeError:
		logrus.WithField("message", frame.Message).Warn("SyncClient: server error")
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(frame.Message)
		}
	}
}

// SendPlayback 发送一条播放指令，未连接时返回 ErrNotConnected
func (c *Conn) SendPlayback(action domain.PlaybackAction, currentTime float64) error {
	t := currentTime
	msg, err := json.Marshal(relay.InboundFrame{
		Type:        relay.TypePlaybackUpdate,
		RoomCode:    c.cfg.RoomCode,
		Action:      action,
		CurrentTime: &t,
		Timestamp:   time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

// Connected 返回当前是否有可用连接
func (c *Conn) Connected() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws != nil
}

// Close 以 1000 正常关闭连接并停止重连
func (c *Conn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	if c.ws == nil {
		return nil
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *Conn) isClosed() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.closed
}
