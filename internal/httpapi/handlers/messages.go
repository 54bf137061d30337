package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/foodcircle/internal/chat"
	"github.com/suPer8Hu/foodcircle/internal/common"
	"github.com/suPer8Hu/foodcircle/internal/httpapi/middleware"
	"github.com/suPer8Hu/foodcircle/internal/realtime"
)

// ListMessages GET /api/messages/:roomId?limit=&skip=
func (h *Handler) ListMessages(c *gin.Context) {
	roomID := strings.TrimSpace(c.Param("roomId"))

	limit, _ := strconv.Atoi(c.Query("limit"))
	skip, _ := strconv.Atoi(c.Query("skip"))

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), roomID, limit, skip)
	if err != nil {
		if errors.Is(err, chat.ErrInvalidArgument) {
			common.Fail(c, http.StatusBadRequest, 10003, "invalid room id")
			return
		}
		h.Log.Error("list messages failed", "request_id", middleware.GetRequestID(c), "room_id", roomID, "error", err)
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}

	common.OK(c, gin.H{
		"messages": msgs,
		"count":    len(msgs),
		"skip":     max(skip, 0),
	})
}

type markReadReq struct {
	UserID string `json:"userId" binding:"required,max=128"`
}

// MarkRoomRead PATCH /api/messages/:roomId/read
func (h *Handler) MarkRoomRead(c *gin.Context) {
	roomID := strings.TrimSpace(c.Param("roomId"))

	var req markReadReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	n, err := h.Hub.MarkRoomRead(c.Request.Context(), roomID, req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, realtime.ErrInvalidRoom), errors.Is(err, realtime.ErrInvalidPayload):
			common.Fail(c, http.StatusBadRequest, 10003, "invalid room id or user id")
		default:
			common.Fail(c, http.StatusInternalServerError, 50004, "failed to mark messages read")
		}
		return
	}

	common.OK(c, gin.H{"roomId": roomID, "modified": n})
}

// ChatRooms GET /api/chat-rooms/:userId
func (h *Handler) ChatRooms(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))
	rooms, err := h.ChatSvc.ChatRooms(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, chat.ErrInvalidArgument) {
			common.Fail(c, http.StatusBadRequest, 10004, "invalid user id")
			return
		}
		h.Log.Error("chat rooms failed", "request_id", middleware.GetRequestID(c), "user_id", userID, "error", err)
		common.Fail(c, http.StatusInternalServerError, 50005, "failed to load chat rooms")
		return
	}
	if rooms == nil {
		rooms = []chat.RoomSummary{}
	}
	common.OK(c, rooms)
}

// UnreadCount GET /api/unread/:userId
func (h *Handler) UnreadCount(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userId"))
	n, err := h.ChatSvc.CountUnread(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, chat.ErrInvalidArgument) {
			common.Fail(c, http.StatusBadRequest, 10004, "invalid user id")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50006, "failed to count unread messages")
		return
	}
	common.OK(c, gin.H{"userId": userID, "unread": n})
}
