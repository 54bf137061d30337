package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/foodcircle/internal/realtime"
)

var ErrInvalidNotification = errors.New("invalid notification")

// Notification is a domain event pushed to connected clients, e.g. a new food
// listing or a request status change. TargetUserID limits it to one user;
// otherwise it is broadcast.
type Notification struct {
	Event        string          `json:"event"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func (n Notification) Validate() error {
	if !realtime.IsNotificationEvent(strings.TrimSpace(n.Event)) {
		return fmt.Errorf("%w: unsupported event %q", ErrInvalidNotification, n.Event)
	}
	if len(n.Payload) > 0 && !json.Valid(n.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidNotification)
	}
	return nil
}

// Decode parses and validates a queue message body.
func Decode(body []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	n.Event = strings.TrimSpace(n.Event)
	if err := n.Validate(); err != nil {
		return Notification{}, err
	}
	return n, nil
}

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	// amqp channels are not safe for concurrent publishes
	mu sync.Mutex
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, ch, err := dial(url, queue)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) PublishNotification(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// InProcess delivers notifications straight to a handler, for running without a
// broker.
type InProcess Handler

func (f InProcess) PublishNotification(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return f(ctx, n)
}
