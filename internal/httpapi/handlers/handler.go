package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/foodcircle/internal/chat"
	"github.com/suPer8Hu/foodcircle/internal/common"
	"github.com/suPer8Hu/foodcircle/internal/realtime"
	"github.com/suPer8Hu/foodcircle/internal/store/rabbitmq"
)

// Notifier accepts domain notifications, either through the broker or in-process.
type Notifier interface {
	PublishNotification(ctx context.Context, n rabbitmq.Notification) error
}

// PresenceReader is the read side of the Redis presence mirror.
type PresenceReader interface {
	OnlineUsers(ctx context.Context) ([]realtime.Identity, error)
	LastSeen(ctx context.Context, userID string) (time.Time, bool, error)
}

type Handler struct {
	ChatSvc  *chat.Service
	Hub      *realtime.Hub
	WS       http.Handler
	Notifier Notifier
	Log      *slog.Logger

	// Presence is nil when the mirror is disabled.
	Presence PresenceReader
}

func NewHandler(svc *chat.Service, hub *realtime.Hub, ws http.Handler, notifier Notifier, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ChatSvc: svc, Hub: hub, WS: ws, Notifier: notifier, Log: logger}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{
		"pong":     true,
		"sessions": h.Hub.Sessions().Len(),
		"online":   h.Hub.Registry().Online(),
	})
}

// ServeWS upgrades GET /ws to the realtime protocol.
func (h *Handler) ServeWS(c *gin.Context) {
	h.WS.ServeHTTP(c.Writer, c.Request)
}
