package websocket

import (
	"time"

	"collab-music/internal/gateway"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// 订阅连接只接收控制帧
	maxMessageSize = 512
)

// eventClient 把一个网关订阅者的事件写到 WebSocket 连接
type eventClient struct {
	gateway *gateway.Gateway
	sub     *gateway.Subscriber
	conn    *websocket.Conn
}

func newEventClient(gw *gateway.Gateway, sub *gateway.Subscriber, conn *websocket.Conn) *eventClient {
	return &eventClient{gateway: gw, sub: sub, conn: conn}
}

// Run 启动读写 goroutine
func (c *eventClient) Run() {
	go c.writePump()
	go c.readPump()
}

// readPump 只用于检测连接关闭和处理 pong，客户端发来的数据被丢弃
func (c *eventClient) readPump() {
	defer func() {
		c.gateway.Unsubscribe(c.sub)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logrus.WithError(err).WithField("room_code", c.sub.RoomCode()).Warn("WebSocket read error (unexpected close)")
			}
			return
		}
	}
}

func (c *eventClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.Events():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// 订阅被关闭 (网关停止或读端退出)
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed"))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logrus.WithError(err).WithField("kind", ev.Kind).Error("Failed to encode event")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logrus.WithError(err).Debug("Failed to write event to subscriber")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
