package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"collab-music/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// 连接状态
const (
	stateConnecting int32 = iota
	stateJoined
	stateDisconnected
)

// Conn 是同步通道上的一个 WebSocket 连接。
// 状态 CONNECTING → JOINED → DISCONNECTED。
type Conn struct {
	relay   *Relay
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	state   atomic.Int32

	closeOnce sync.Once
}

func newConn(r *Relay, ws *websocket.Conn) *Conn {
	return &Conn{
		relay:   r,
		ws:      ws,
		send:    make(chan []byte, r.cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(r.cfg.RateLimit, r.cfg.RateBurst),
	}
}

// Send 非阻塞地把消息放入发送队列，队列满或连接已关闭时返回 false
func (c *Conn) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		metrics.RelayFramesDropped.Inc()
		logrus.WithField("remote_addr", c.ws.RemoteAddr().String()).Warn("Relay: send buffer full, frame dropped")
		return false
	}
}

// Close 关闭连接，可重复调用
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(stateDisconnected)
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) run() {
	go c.writePump()
	go c.readPump()
	go c.watchJoinTimeout()
}

// watchJoinTimeout 在超时前仍未加入房间的连接会被关闭
func (c *Conn) watchJoinTimeout() {
	timer := time.NewTimer(c.relay.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
		if c.state.Load() == stateConnecting {
			logrus.WithField("remote_addr", c.ws.RemoteAddr().String()).Info("Relay: join timeout, closing connection")
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(CloseJoinTimeout, "join timeout"),
				time.Now().Add(writeWait))
			c.Close()
		}
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.relay.unregister(c)
		c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logrus.WithError(err).Warn("Relay: websocket read error (unexpected close)")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !c.limiter.Allow() {
			metrics.RelayRateLimited.Inc()
			continue
		}
		c.relay.handleFrame(c, message)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				logrus.WithError(err).Debug("Relay: failed to write message")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
