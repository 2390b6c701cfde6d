package http

import (
	"net/http"

	"collab-music/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AddSongRequest 添加歌曲请求，添加者取自令牌
type AddSongRequest struct {
	YoutubeURL string `json:"youtube_url" binding:"required"`
	Title      string `json:"title" binding:"required"`
}

// AddSong 把歌曲加入队列末尾
func (h *RoomHandler) AddSong(c *gin.Context) {
	room, callerID, ok := h.authorizedRoom(c)
	if !ok {
		return
	}
	var req AddSongRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Warn("Handler.AddSong: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: youtube_url and title are required")
		return
	}

	song, err := h.roomService.AddSong(c.Request.Context(), room.ID, callerID, req.YoutubeURL, req.Title)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusCreated, song)
}

// RemoveSong 从队列中移除歌曲，歌曲不存在时 removed 为 false
func (h *RoomHandler) RemoveSong(c *gin.Context) {
	room, _, ok := h.authorizedRoom(c)
	if !ok {
		return
	}
	removed, err := h.roomService.RemoveSong(c.Request.Context(), room.ID, c.Param("songId"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"removed": removed})
}

// SetCurrentSongRequest 设置当前曲目请求
type SetCurrentSongRequest struct {
	SongID string `json:"song_id" binding:"required"`
}

// SetCurrentSong 设置当前曲目，不校验歌曲是否仍在队列中
func (h *RoomHandler) SetCurrentSong(c *gin.Context) {
	room, _, ok := h.authorizedRoom(c)
	if !ok {
		return
	}
	var req SetCurrentSongRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: song_id is required")
		return
	}
	updated, err := h.roomService.SetCurrentSong(c.Request.Context(), room.ID, req.SongID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"updated": updated})
}

// GetSongQueue 返回按加入顺序排列的队列
func (h *RoomHandler) GetSongQueue(c *gin.Context) {
	room, err := h.roomService.GetRoom(c.Request.Context(), c.Param("code"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	queue, err := h.roomService.GetSongQueue(c.Request.Context(), room.ID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, queue)
}

// GetCurrentSong 返回当前曲目，没有或已被删除时返回 null
func (h *RoomHandler) GetCurrentSong(c *gin.Context) {
	room, err := h.roomService.GetRoom(c.Request.Context(), c.Param("code"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	var current *domain.Song
	if room.CurrentSongID != nil {
		song, err := h.roomService.GetSong(c.Request.Context(), *room.CurrentSongID)
		if err == nil {
			current = song
		}
	}
	SuccessResponse(c, http.StatusOK, gin.H{"current_song": current})
}
