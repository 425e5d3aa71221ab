package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	eventQueueName = "sync.events"
	dialTimeout    = 15 * time.Second
)

var _ Emitter = (*RabbitMQEmitter)(nil)

// RabbitMQEmitter publishes pipeline events to a durable broker queue so
// external consumers can index them. Publish failures are logged and
// dropped; the event stream is observability, not a ledger.
type RabbitMQEmitter struct {
	url    string
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

func NewRabbitMQEmitter(url string, logger *zap.Logger) (*RabbitMQEmitter, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	emitter := &RabbitMQEmitter{url: url, logger: logger}
	if err := emitter.ensureConnected(); err != nil {
		return nil, err
	}

	return emitter, nil
}

func (e *RabbitMQEmitter) Emit(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		e.logger.Warn("failed to marshal pipeline event", zap.String("event", event.Name), zap.Error(err))
		return
	}

	if err := e.publish(ctx, payload); err != nil {
		e.logger.Warn("failed to publish pipeline event",
			zap.String("event", event.Name),
			zap.Error(err),
		)
	}
}

func (e *RabbitMQEmitter) publish(ctx context.Context, payload []byte) error {
	ch, err := e.channel()
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}

	if err := ch.PublishWithContext(ctx, "", eventQueueName, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish to queue %q: %w", eventQueueName, err)
	}

	return nil
}

func (e *RabbitMQEmitter) channel() (*amqp.Channel, error) {
	if err := e.ensureConnected(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		// One reconnect attempt; the next Emit retries from scratch.
		e.mu.Lock()
		e.conn = nil
		e.mu.Unlock()
		if reconnectErr := e.ensureConnected(); reconnectErr != nil {
			return nil, reconnectErr
		}
		e.mu.Lock()
		conn = e.conn
		e.mu.Unlock()
		ch, err = conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("failed to open channel: %w", err)
		}
	}

	return ch, nil
}

func (e *RabbitMQEmitter) ensureConnected() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil && !e.conn.IsClosed() {
		return nil
	}

	conn, err := amqp.DialConfig(e.url, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		return fmt.Errorf("failed to connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close() //nolint:errcheck
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close() //nolint:errcheck

	if _, err := ch.QueueDeclare(eventQueueName, true, false, false, false, nil); err != nil {
		conn.Close() //nolint:errcheck
		return fmt.Errorf("failed to declare queue %q: %w", eventQueueName, err)
	}

	e.conn = conn
	return nil
}

func (e *RabbitMQEmitter) Close() error {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}

	return conn.Close()
}
