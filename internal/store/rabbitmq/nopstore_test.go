package rabbitmq

import (
	"context"

	"github.com/suPer8Hu/foodcircle/internal/chat"
)

type nopStore struct{}

func (nopStore) AppendMessage(context.Context, *chat.Message, []string) error { return nil }

func (nopStore) MarkRead(context.Context, string, string) (int64, error) { return 0, nil }

func (nopStore) RoomParticipants(context.Context, string) ([]string, error) { return nil, nil }
