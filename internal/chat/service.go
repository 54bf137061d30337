package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

var ErrInvalidArgument = errors.New("invalid argument")

const (
	defaultPageSize = 50
	maxPageSize     = 200

	roomsLoadTimeout = 10 * time.Second
)

// Service is the read/maintenance side used by the REST layer. Writes of new
// messages go through the realtime router.
type Service struct {
	repo *Repo

	// room summaries cost a few queries per room; concurrent requests for the same
	// user share one load
	sf singleflight.Group
}

func NewService(repo *Repo) *Service {
	return &Service{repo: repo}
}

func (s *Service) ListMessages(ctx context.Context, roomID string, limit, skip int) ([]Message, error) {
	if strings.TrimSpace(roomID) == "" {
		return nil, ErrInvalidArgument
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if skip < 0 {
		skip = 0
	}
	return s.repo.ListByRoom(ctx, roomID, limit, skip)
}

func (s *Service) ChatRooms(ctx context.Context, userID string) ([]RoomSummary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidArgument
	}
	// the load is shared, so one caller going away must not fail the others
	v, err, _ := s.sf.Do("rooms:"+userID, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), roomsLoadTimeout)
		defer cancel()
		return s.repo.ChatRooms(lctx, userID)
	})
	if err != nil {
		return nil, err
	}
	rooms, _ := v.([]RoomSummary)
	return rooms, nil
}

func (s *Service) CountUnread(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, ErrInvalidArgument
	}
	return s.repo.CountUnread(ctx, userID)
}

func (s *Service) GetUser(ctx context.Context, userID string) (*User, error) {
	return s.repo.GetUser(ctx, userID)
}
