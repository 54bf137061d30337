package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/suPer8Hu/foodcircle/internal/realtime"
)

// Server upgrades HTTP requests and binds each connection to a hub session.
type Server struct {
	hub      *realtime.Hub
	upgrader websocket.Upgrader
	log      *slog.Logger

	pongWait   time.Duration
	pingPeriod time.Duration
}

// NewServer accepts browser upgrades only from allowedOrigins; "*" allows any.
// Requests without an Origin header (non-browser clients) are always accepted.
func NewServer(hub *realtime.Hub, allowedOrigins []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	origins := lo.Map(allowedOrigins, func(o string, _ int) string {
		return strings.TrimRight(strings.TrimSpace(o), "/")
	})
	s := &Server{
		hub:        hub,
		log:        logger,
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return lo.Contains(origins, "*") || lo.Contains(origins, strings.TrimRight(origin, "/"))
		},
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "origin", r.Header.Get("Origin"), "error", err)
		return
	}
	s.Serve(r.Context(), conn)
}

// Serve runs an already upgraded connection until it closes.
func (s *Server) Serve(ctx context.Context, conn *websocket.Conn) {
	session, err := s.hub.Connect()
	if err != nil {
		s.log.Warn("reject websocket", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	client := &Client{
		conn:       conn,
		session:    session,
		hub:        s.hub,
		log:        s.log,
		pongWait:   s.pongWait,
		pingPeriod: s.pingPeriod,
	}
	s.log.Info("websocket connected", "conn_id", session.ID(), "remote", conn.RemoteAddr().String())

	go client.WritePump()
	client.ReadPump(ctx)

	s.log.Info("websocket disconnected", "conn_id", session.ID(), "user_id", session.UserID())
}
