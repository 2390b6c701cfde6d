package websocket

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"collab-music/internal/domain"
	"collab-music/internal/gateway"
	"collab-music/internal/relay"
	"collab-music/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketHandler 负责房间事件订阅和播放同步两类长连接
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	gateway     *gateway.Gateway
	relay       *relay.Relay
	roomService *service.RoomService
}

// NewWebSocketHandler 创建 WebSocketHandler 实例
func NewWebSocketHandler(gw *gateway.Gateway, rl *relay.Relay, roomService *service.RoomService, checkOrigin func(*http.Request) bool) *WebSocketHandler {
	if gw == nil {
		panic("Gateway cannot be nil for WebSocketHandler")
	}
	if rl == nil {
		panic("Relay cannot be nil for WebSocketHandler")
	}
	if roomService == nil {
		panic("RoomService cannot be nil for WebSocketHandler")
	}
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	rl.SetCheckOrigin(checkOrigin)

	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		gateway:     gw,
		relay:       rl,
		roomService: roomService,
	}
}

// HandleEvents 订阅房间状态事件
// URL 格式: /api/rooms/:code/events?kinds=PARTICIPANTS_UPDATED,SONG_QUEUE_UPDATED
func (h *WebSocketHandler) HandleEvents(c *gin.Context) {
	code := service.NormalizeRoomCode(c.Param("code"))
	logCtx := logrus.WithField("room_code", code)

	kinds, err := parseKinds(c.Query("kinds"))
	if err != nil {
		logCtx.WithError(err).Warn("WS Handler: Invalid kinds filter")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// 升级前确认房间存在，此时还可以返回普通 HTTP 错误
	if _, err := h.roomService.GetRoom(c.Request.Context(), code); err != nil {
		logCtx.WithError(err).Warn("WS Handler: Room lookup failed")
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrRoomNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写入了 HTTP 错误响应
		logCtx.WithError(err).Error("WS Handler: Failed to upgrade connection")
		return
	}

	sub := h.gateway.Subscribe(code, kinds...)
	newEventClient(h.gateway, sub, conn).Run()
	logCtx.WithField("kinds", kinds).Info("WS Handler: Event subscriber connected")
}

// HandleSync 播放同步通道，房间由客户端在 JOIN_ROOM 中指定
func (h *WebSocketHandler) HandleSync(c *gin.Context) {
	h.relay.ServeHTTP(c.Writer, c.Request)
}

func parseKinds(raw string) ([]domain.EventKind, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var kinds []domain.EventKind
	for _, part := range strings.Split(raw, ",") {
		k, ok := domain.ParseEventKind(strings.ToUpper(strings.TrimSpace(part)))
		if !ok {
			return nil, fmt.Errorf("unknown event kind: %q", part)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
