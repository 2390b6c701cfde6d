package http

import (
	"context"
	"net/http"
	"time"

	"collab-music/internal/domain"
	"collab-music/internal/middleware"
	"collab-music/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// PresenceLister 返回房间内已连接同步通道的用户
type PresenceLister interface {
	ListOnline(ctx context.Context, roomCode string) ([]string, error)
}

// RoomHandler 封装了房间、成员和队列相关的 HTTP 处理逻辑
type RoomHandler struct {
	roomService *service.RoomService
	presence    PresenceLister // 可以为 nil
	jwtSecret   string
	tokenTTL    time.Duration
}

// NewRoomHandler 创建 RoomHandler 实例
func NewRoomHandler(roomService *service.RoomService, presence PresenceLister, jwtSecret string, tokenTTL time.Duration) *RoomHandler {
	if roomService == nil {
		panic("RoomService cannot be nil for RoomHandler")
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &RoomHandler{roomService: roomService, presence: presence, jwtSecret: jwtSecret, tokenTTL: tokenTTL}
}

// CreateRoomRequest 创建房间请求
type CreateRoomRequest struct {
	AdminName string `json:"admin_name" binding:"required,max=64"`
}

// SessionResponse 创建或加入房间成功后返回参与者和令牌
type SessionResponse struct {
	Room        *domain.Room        `json:"room,omitempty"`
	Participant *domain.Participant `json:"participant"`
	Token       string              `json:"token"`
}

// CreateRoom 创建房间，调用者成为管理员
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Warn("Handler.CreateRoom: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: admin_name is required")
		return
	}

	room, err := h.roomService.CreateRoom(c.Request.Context(), req.AdminName)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	admin, err := h.roomService.GetParticipant(c.Request.Context(), room.AdminID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	h.respondSession(c, room, admin)
}

// JoinRoomRequest 加入房间请求
type JoinRoomRequest struct {
	Name string `json:"name" binding:"required,max=64"`
}

// JoinRoom 以新参与者身份加入房间
func (h *RoomHandler) JoinRoom(c *gin.Context) {
	var req JoinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Warn("Handler.JoinRoom: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: name is required")
		return
	}

	code := service.NormalizeRoomCode(c.Param("code"))
	participant, err := h.roomService.JoinRoom(c.Request.Context(), code, req.Name)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	room, err := h.roomService.GetRoom(c.Request.Context(), code)
	if err != nil {
		// 加入后房间立即被删除
		HandleServiceError(c, err)
		return
	}
	h.respondSession(c, room, participant)
}

func (h *RoomHandler) respondSession(c *gin.Context, room *domain.Room, p *domain.Participant) {
	token, err := middleware.IssueToken(h.jwtSecret, p.ID, room.RoomCode, h.tokenTTL)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusCreated, SessionResponse{Room: room, Participant: p, Token: token})
}

// LeaveRoom 当前参与者离开房间
func (h *RoomHandler) LeaveRoom(c *gin.Context) {
	room, callerID, ok := h.authorizedRoom(c)
	if !ok {
		return
	}
	p, err := h.roomService.LeaveRoom(c.Request.Context(), room.RoomCode, callerID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"participant": p})
}

// KickParticipant 管理员把成员移出房间
func (h *RoomHandler) KickParticipant(c *gin.Context) {
	room, callerID, ok := h.authorizedRoom(c)
	if !ok {
		return
	}
	if room.AdminID != callerID {
		ErrorResponse(c, http.StatusForbidden, "Only the room admin can kick participants")
		return
	}
	kicked, err := h.roomService.KickParticipant(c.Request.Context(), room.ID, c.Param("participantId"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	logrus.WithFields(logrus.Fields{
		"room_code":      room.RoomCode,
		"participant_id": c.Param("participantId"),
		"kicked":         kicked,
	}).Info("Handler.KickParticipant: done")
	SuccessResponse(c, http.StatusOK, gin.H{"kicked": kicked})
}

// ListRooms 返回所有房间
func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := h.roomService.ListRooms(c.Request.Context())
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, rooms)
}

// GetRoom 按房间码返回房间
func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, err := h.roomService.GetRoom(c.Request.Context(), c.Param("code"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, room)
}

// GetParticipants 返回房间成员
func (h *RoomHandler) GetParticipants(c *gin.Context) {
	room, err := h.roomService.GetRoom(c.Request.Context(), c.Param("code"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	members, err := h.roomService.GetParticipants(c.Request.Context(), room.ID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, members)
}

// GetPresence 返回已连接同步通道的用户
func (h *RoomHandler) GetPresence(c *gin.Context) {
	room, err := h.roomService.GetRoom(c.Request.Context(), c.Param("code"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	online := []string{}
	if h.presence != nil {
		online, err = h.presence.ListOnline(c.Request.Context(), room.RoomCode)
		if err != nil {
			HandleServiceError(c, err)
			return
		}
	}
	SuccessResponse(c, http.StatusOK, gin.H{"room_code": room.RoomCode, "online": online})
}

// authorizedRoom 查找路径中的房间并确认令牌属于该房间
func (h *RoomHandler) authorizedRoom(c *gin.Context) (*domain.Room, string, bool) {
	callerID, tokenRoom, ok := middleware.ParticipantFromContext(c)
	if !ok {
		ErrorResponse(c, http.StatusUnauthorized, "Participant not authenticated")
		return nil, "", false
	}
	code := service.NormalizeRoomCode(c.Param("code"))
	if tokenRoom != code {
		logrus.WithFields(logrus.Fields{
			"participant_id": callerID,
			"token_room":     tokenRoom,
			"room_code":      code,
		}).Warn("Handler: token does not belong to this room")
		ErrorResponse(c, http.StatusForbidden, "Token is not valid for this room")
		return nil, "", false
	}
	room, err := h.roomService.GetRoom(c.Request.Context(), code)
	if err != nil {
		HandleServiceError(c, err)
		return nil, "", false
	}
	return room, callerID, true
}
