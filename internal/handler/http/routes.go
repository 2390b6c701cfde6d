package http

import "github.com/gin-gonic/gin"

// RegisterRoutes 注册 /api/rooms 下的路由，auth 保护会修改房间状态的接口
func RegisterRoutes(api gin.IRouter, h *RoomHandler, auth gin.HandlerFunc) {
	rooms := api.Group("/rooms")
	{
		rooms.GET("", h.ListRooms)
		rooms.POST("", h.CreateRoom)
		rooms.GET("/:code", h.GetRoom)
		rooms.POST("/:code/join", h.JoinRoom)
		rooms.GET("/:code/participants", h.GetParticipants)
		rooms.GET("/:code/presence", h.GetPresence)
		rooms.GET("/:code/songs", h.GetSongQueue)
		rooms.GET("/:code/current", h.GetCurrentSong)
	}

	member := api.Group("/rooms/:code").Use(auth)
	{
		member.POST("/leave", h.LeaveRoom)
		member.DELETE("/participants/:participantId", h.KickParticipant)
		member.POST("/songs", h.AddSong)
		member.DELETE("/songs/:songId", h.RemoveSong)
		member.PUT("/current", h.SetCurrentSong)
	}
}
