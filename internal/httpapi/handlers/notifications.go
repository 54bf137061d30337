package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/foodcircle/internal/common"
	"github.com/suPer8Hu/foodcircle/internal/httpapi/middleware"
	"github.com/suPer8Hu/foodcircle/internal/store/rabbitmq"
)

type notificationReq struct {
	Event        string          `json:"event" binding:"required"`
	Payload      json.RawMessage `json:"payload"`
	TargetUserID string          `json:"targetUserId" binding:"max=128"`
}

// PostNotification POST /api/notifications
//
// Used by the listing and request services to push food_notification and
// request_status_updated to connected clients.
func (h *Handler) PostNotification(c *gin.Context) {
	var req notificationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	n := rabbitmq.Notification{
		Event:        strings.TrimSpace(req.Event),
		Payload:      req.Payload,
		TargetUserID: strings.TrimSpace(req.TargetUserID),
	}
	if err := h.Notifier.PublishNotification(c.Request.Context(), n); err != nil {
		if errors.Is(err, rabbitmq.ErrInvalidNotification) {
			common.Fail(c, http.StatusBadRequest, 10005, "unsupported notification event")
			return
		}
		h.Log.Error("publish notification failed", "request_id", middleware.GetRequestID(c), "event", n.Event, "error", err)
		common.Fail(c, http.StatusBadGateway, 50003, "failed to publish notification")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"code":    0,
		"message": "accepted",
		"data":    gin.H{"event": n.Event},
	})
}
