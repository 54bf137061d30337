package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/foodcircle/internal/common"
	"gorm.io/gorm"
)

// GetUser GET /api/users/:id
func (h *Handler) GetUser(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid user id")
		return
	}

	user, err := h.ChatSvc.GetUser(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "user not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}

	_, online := h.Hub.Registry().LookupUser(user.UserID)
	lastSeen := user.LastSeen
	if !online && h.Presence != nil {
		// the mirror records the disconnect time even when the db write was lost
		seen, ok, err := h.Presence.LastSeen(c.Request.Context(), user.UserID)
		switch {
		case err != nil:
			h.Log.Warn("presence last seen failed", "user_id", user.UserID, "error", err)
		case ok && seen.After(lastSeen):
			lastSeen = seen
		}
	}

	common.OK(c, gin.H{
		"userId":    user.UserID,
		"userName":  user.UserName,
		"userEmail": user.UserEmail,
		"userImage": user.UserImage,
		"lastSeen":  lastSeen,
		"online":    online,
	})
}

// ActiveUsers GET /api/active-users?exclude=
func (h *Handler) ActiveUsers(c *gin.Context) {
	common.OK(c, h.Hub.ActiveUsers(strings.TrimSpace(c.Query("exclude"))))
}

// OnlineUsers GET /api/presence/online
// Reads the Redis mirror when enabled, the local registry otherwise.
func (h *Handler) OnlineUsers(c *gin.Context) {
	if h.Presence == nil {
		common.OK(c, gin.H{"source": "local", "users": h.Hub.ActiveUsers("")})
		return
	}
	users, err := h.Presence.OnlineUsers(c.Request.Context())
	if err != nil {
		h.Log.Warn("presence online users failed", "error", err)
		common.Fail(c, http.StatusBadGateway, 50006, "presence store unavailable")
		return
	}
	common.OK(c, gin.H{"source": "redis", "users": users})
}
