package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/foodcircle/internal/common"
	"github.com/suPer8Hu/foodcircle/internal/config"
	"github.com/suPer8Hu/foodcircle/internal/httpapi/handlers"
	"github.com/suPer8Hu/foodcircle/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler, cfg config.Config, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	// realtime
	r.GET("/ws", h.ServeWS)

	api := r.Group("/api")
	api.GET("/messages/:roomId", h.ListMessages)
	api.PATCH("/messages/:roomId/read", h.MarkRoomRead)
	api.GET("/chat-rooms/:userId", h.ChatRooms)
	api.GET("/unread/:userId", h.UnreadCount)
	api.GET("/users/:id", h.GetUser)
	api.GET("/active-users", h.ActiveUsers)
	api.GET("/presence/online", h.OnlineUsers)
	api.POST("/notifications", h.PostNotification)
	return r
}
