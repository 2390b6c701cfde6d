// Package relay 实现播放同步中继：管理员的播放指令经由长连接转发给同房间的其他连接。
// 中继不访问关系型存储，只维护进程内的注册表；跨实例转发通过事件总线完成。
package relay

import (
	"context"
	"net/http"
	"time"

	"collab-music/internal/domain"
	"collab-music/internal/eventbus"
	"collab-music/internal/metrics"
	"collab-music/internal/repository"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Config 中继配置
type Config struct {
	InstanceID  string        // 本实例 ID，用于忽略自己发布到总线上的指令
	JoinTimeout time.Duration // 连接建立后必须在此时间内发送 JOIN_ROOM
	SendBuffer  int           // 每个连接的发送队列长度
	RateLimit   rate.Limit    // 每个连接每秒允许的入站帧数
	RateBurst   int
}

func (c *Config) applyDefaults() {
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 20
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 40
	}
}

// Relay 播放同步中继
type Relay struct {
	registry *Registry
	bus      eventbus.Bus                  // 可以为 nil，仅在本进程内转发
	presence repository.PresenceRepository // 可以为 nil
	cfg      Config
	upgrader websocket.Upgrader
	now      func() time.Time

	busSub eventbus.Subscription
	done   chan struct{}
}

// NewRelay 创建中继
func NewRelay(registry *Registry, bus eventbus.Bus, presence repository.PresenceRepository, cfg Config) *Relay {
	if registry == nil {
		panic("Registry cannot be nil for Relay")
	}
	cfg.applyDefaults()
	return &Relay{
		registry: registry,
		bus:      bus,
		presence: presence,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now:  time.Now,
		done: make(chan struct{}),
	}
}

// Registry 返回中继持有的注册表
func (r *Relay) Registry() *Registry { return r.registry }

// SetCheckOrigin 设置 WebSocket 来源检查
func (r *Relay) SetCheckOrigin(fn func(*http.Request) bool) {
	r.upgrader.CheckOrigin = fn
}

// Start 订阅其他实例转发的播放指令。未配置总线时直接返回。
func (r *Relay) Start(ctx context.Context) error {
	if r.bus == nil {
		close(r.done)
		return nil
	}
	sub, err := r.bus.Subscribe(ctx, PlaybackTopic)
	if err != nil {
		return err
	}
	r.busSub = sub
	go func() {
		defer close(r.done)
		for msg := range sub.Messages() {
			r.handleRemote(msg.Payload)
		}
	}()
	logrus.WithField("instance_id", r.cfg.InstanceID).Info("Relay: subscribed to playback topic")
	return nil
}

// Close 停止订阅并断开所有连接
func (r *Relay) Close() {
	if r.busSub != nil {
		_ = r.busSub.Close()
		<-r.done
	}
	for _, p := range r.registry.All() {
		if c, ok := p.(*Conn); ok {
			c.Close()
		}
	}
}

// ServeHTTP 升级为 WebSocket 并开始处理该连接
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade 已经写入了 HTTP 错误响应
		logrus.WithError(err).Warn("Relay: failed to upgrade connection")
		return
	}
	r.Serve(ws)
}

// Serve 接管一个已经建立的 WebSocket 连接
func (r *Relay) Serve(ws *websocket.Conn) {
	c := newConn(r, ws)
	metrics.RelayConnections.Inc()
	logrus.WithField("remote_addr", ws.RemoteAddr().String()).Debug("Relay: connection opened")
	c.run()
}

func (r *Relay) handleFrame(c *Conn, raw []byte) {
	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		r.reject(c, "decode", "invalid message format")
		return
	}
	switch frame.Type {
	case TypeJoinRoom:
		r.handleJoin(c, frame)
	case TypePlaybackUpdate:
		r.handlePlayback(c, frame)
	default:
		r.reject(c, "unknown_type", "unknown message type: "+frame.Type)
	}
}

func (r *Relay) handleJoin(c *Conn, frame InboundFrame) {
	roomCode := normalizeRoomCode(frame.RoomCode)
	if roomCode == "" || frame.UserID == "" {
		r.reject(c, "invalid_join", "roomCode and userId are required")
		return
	}
	logCtx := logrus.WithFields(logrus.Fields{"room_code": roomCode, "user_id": frame.UserID})

	res := r.registry.Join(c, roomCode, frame.UserID)
	c.state.Store(stateJoined)

	if res.Left != nil {
		r.afterLeave(*res.Left)
	}
	if res.UserOnline && r.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := r.presence.AddOnline(ctx, roomCode, frame.UserID); err != nil {
			logCtx.WithError(err).Warn("Relay: failed to record presence")
		}
		cancel()
	}

	c.Send(encodeFrame(OutboundFrame{Type: TypeRoomJoined, RoomCode: roomCode, UserID: frame.UserID}))
	if res.Latest != nil {
		c.Send(playbackFrame(roomCode, *res.Latest))
	}
	logCtx.Info("Relay: user joined room")
}

func (r *Relay) handlePlayback(c *Conn, frame InboundFrame) {
	roomCode := normalizeRoomCode(frame.RoomCode)
	joined, userID, ok := r.registry.RoomOf(c)
	if !ok || joined != roomCode {
		r.reject(c, "not_joined", "join the room before sending playback updates")
		return
	}
	if !frame.Action.Valid() {
		r.reject(c, "invalid_action", "action must be PLAY, PAUSE or SEEK")
		return
	}
	if frame.CurrentTime == nil || !domain.ValidPosition(*frame.CurrentTime) {
		r.reject(c, "invalid_time", "currentTime must be a non-negative number")
		return
	}

	cmd := domain.PlaybackCommand{
		Action:      frame.Action,
		CurrentTime: *frame.CurrentTime,
		Timestamp:   r.now().UnixMilli(),
	}
	r.registry.SetLatest(roomCode, cmd)
	r.broadcast(roomCode, cmd, c)
	metrics.RecordRelayBroadcast(false)

	logrus.WithFields(logrus.Fields{
		"room_code":    roomCode,
		"user_id":      userID,
		"action":       cmd.Action,
		"current_time": cmd.CurrentTime,
	}).Debug("Relay: playback update relayed")

	r.publishRemote(roomCode, cmd)
}

func (r *Relay) broadcast(roomCode string, cmd domain.PlaybackCommand, sender Peer) {
	msg := playbackFrame(roomCode, cmd)
	for _, p := range r.registry.Peers(roomCode, sender) {
		p.Send(msg)
	}
}

func (r *Relay) publishRemote(roomCode string, cmd domain.PlaybackCommand) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(remoteUpdate{Origin: r.cfg.InstanceID, RoomCode: roomCode, Command: cmd})
	if err != nil {
		logrus.WithError(err).Error("Relay: failed to encode remote update")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.bus.Publish(ctx, PlaybackTopic, payload); err != nil {
		metrics.RecordEventPublishFailed(PlaybackTopic)
		logrus.WithError(err).WithField("room_code", roomCode).Warn("Relay: failed to publish playback update to bus")
		return
	}
	metrics.RecordEventPublished(PlaybackTopic)
}

func (r *Relay) handleRemote(payload []byte) {
	var upd remoteUpdate
	if err := json.Unmarshal(payload, &upd); err != nil {
		logrus.WithError(err).Warn("Relay: failed to decode remote update")
		return
	}
	if upd.Origin == r.cfg.InstanceID {
		return
	}
	if !r.registry.SetLatest(upd.RoomCode, upd.Command) {
		return
	}
	r.broadcast(upd.RoomCode, upd.Command, nil)
	metrics.RecordRelayBroadcast(true)
}

func (r *Relay) reject(c *Conn, reason, message string) {
	metrics.RecordRelayError(reason)
	c.Send(errorFrame(message))
}

// unregister 在连接断开时由 readPump 调用
func (r *Relay) unregister(c *Conn) {
	metrics.RelayConnections.Dec()
	if res, ok := r.registry.Leave(c); ok {
		r.afterLeave(res)
	}
}

func (r *Relay) afterLeave(res LeaveResult) {
	logCtx := logrus.WithFields(logrus.Fields{"room_code": res.RoomCode, "user_id": res.UserID})
	if res.UserOffline && r.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := r.presence.RemoveOnline(ctx, res.RoomCode, res.UserID); err != nil {
			logCtx.WithError(err).Warn("Relay: failed to clear presence")
		}
		cancel()
	}
	if res.RoomEmpty {
		logCtx.Debug("Relay: room has no more connections, cached playback cleared")
	}
	logCtx.Info("Relay: user left room")
}

// Online 返回本实例上房间内在线的用户
func (r *Relay) Online(roomCode string) []string {
	return r.registry.Online(normalizeRoomCode(roomCode))
}
