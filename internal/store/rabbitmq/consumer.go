package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/foodcircle/internal/realtime"
)

const retryHeader = "x-retry-count"

var ErrDeliveriesClosed = errors.New("rabbitmq: delivery channel closed")

// Handler processes one decoded notification. A returned error sends the message
// to the retry queue until MaxRetries is used up, then to the DLQ.
type Handler func(ctx context.Context, n Notification) error

type ConsumerOptions struct {
	Concurrency int
	MaxRetries  int
	RetryDelay  time.Duration
}

type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	opts  ConsumerOptions
	log   *slog.Logger

	pubMu     sync.Mutex
	republish func(ctx context.Context, queue string, msg amqp.Publishing) error
}

func clampConcurrency(n int) int {
	if n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func newConsumer(queue string, opts ConsumerOptions, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	opts.Concurrency = clampConcurrency(opts.Concurrency)
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	return &Consumer{queue: queue, opts: opts, log: logger}
}

func NewConsumer(url, queue string, opts ConsumerOptions, logger *slog.Logger) (*Consumer, error) {
	conn, ch, err := dial(url, queue)
	if err != nil {
		return nil, err
	}
	c := newConsumer(queue, opts, logger)
	c.conn, c.ch = conn, ch
	c.republish = func(ctx context.Context, q string, msg amqp.Publishing) error {
		c.pubMu.Lock()
		defer c.pubMu.Unlock()
		return c.ch.PublishWithContext(ctx, "", q, false, false, msg)
	}
	return c, nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Run consumes until ctx is cancelled or the broker closes the channel.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	// strict concurrency control
	if err := c.ch.Qos(c.opts.Concurrency, 0, false); err != nil {
		return err
	}
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	c.log.Info("notification consumer started", "queue", c.queue, "concurrency", c.opts.Concurrency)
	return c.serve(ctx, msgs, handle)
}

func (c *Consumer) serve(ctx context.Context, msgs <-chan amqp.Delivery, handle Handler) error {
	// worker pool
	jobs := make(chan amqp.Delivery, c.opts.Concurrency*2)

	var wg sync.WaitGroup
	wg.Add(c.opts.Concurrency)
	for i := 0; i < c.opts.Concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.process(ctx, workerID, d, handle)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			c.log.Info("notification consumer shutting down", "queue", c.queue)
			close(jobs)
			wg.Wait()
			return nil

		case d, ok := <-msgs:
			if !ok {
				close(jobs)
				wg.Wait()
				return ErrDeliveriesClosed
			}
			jobs <- d
		}
	}
}

func (c *Consumer) process(ctx context.Context, workerID int, d amqp.Delivery, handle Handler) {
	n, err := Decode(d.Body)
	if err != nil {
		c.log.Warn("bad notification message", "worker", workerID, "error", err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	if err := handle(ctx, n); err != nil {
		attempt := retryCount(d.Headers)
		c.log.Warn("notification handling failed", "worker", workerID, "event", n.Event,
			"attempt", attempt, "cost", time.Since(start), "error", err)
		if attempt < c.opts.MaxRetries && c.republish != nil {
			rerr := c.scheduleRetry(ctx, d, attempt+1)
			if rerr == nil {
				_ = d.Ack(false)
				return
			}
			c.log.Error("schedule retry failed", "worker", workerID, "error", rerr)
		}
		_ = d.Nack(false, false)
		return
	}

	if err := d.Ack(false); err != nil {
		c.log.Warn("ack failed", "worker", workerID, "event", n.Event, "error", err)
	}
}

func (c *Consumer) scheduleRetry(ctx context.Context, d amqp.Delivery, attempt int) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryHeader] = int32(attempt)

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.republish(cctx, retryQueue(c.queue), amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Body:         d.Body,
		Headers:      headers,
		Expiration:   strconv.FormatInt(c.opts.RetryDelay.Milliseconds(), 10),
		Timestamp:    time.Now(),
	})
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// DeliverToHub pushes notifications to the sessions connected to hub. Missing
// recipients are not an error: nothing is queued for offline users.
func DeliverToHub(hub *realtime.Hub, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, n Notification) error {
		var payload any = n.Payload
		if len(n.Payload) == 0 {
			payload = struct{}{}
		}
		if n.TargetUserID != "" {
			o := hub.Dispatcher().NotifyUser(n.TargetUserID, n.Event, payload)
			logger.Debug("notification delivered", "event", n.Event, "user_id", n.TargetUserID, "outcome", o.String())
			return nil
		}
		count := hub.Broadcast(n.Event, payload)
		logger.Debug("notification broadcast", "event", n.Event, "delivered", count)
		return nil
	}
}
