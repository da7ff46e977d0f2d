package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher delivers a message for a pattern to the queue.
type Publisher interface {
	Publish(ctx context.Context, pattern string, payload any) error
	Close() error
}

// Envelope is the message body understood by the downstream workers.
type Envelope struct {
	Pattern string `json:"pattern"`
	Data    any    `json:"data"`
}

func encode(pattern string, payload any) ([]byte, error) {
	body, err := json.Marshal(Envelope{Pattern: pattern, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %q message: %w", pattern, err)
	}
	return body, nil
}

// NewPublisher picks a publisher from the URL scheme. An empty URL
// disables notifications.
func NewPublisher(rawURL, queue string, logger *slog.Logger) (Publisher, error) {
	if rawURL == "" {
		logger.Warn("queue URL not configured, notifications disabled")
		return NopPublisher{}, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid queue URL: %w", err)
	}

	switch u.Scheme {
	case "amqp", "amqps":
		return DialAMQP(rawURL, queue, logger)
	case "nats", "tls":
		return DialNATS(rawURL, queue, logger)
	default:
		return nil, fmt.Errorf("unsupported queue URL scheme %q", u.Scheme)
	}
}

// NopPublisher discards every message.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, any) error { return nil }
func (NopPublisher) Close() error                               { return nil }

// AMQPPublisher publishes persistent messages to a durable RabbitMQ queue
// through the default exchange.
type AMQPPublisher struct {
	url    string
	queue  string
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func DialAMQP(rawURL, queue string, logger *slog.Logger) (*AMQPPublisher, error) {
	p := &AMQPPublisher{url: rawURL, queue: queue, logger: logger}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connect(); err != nil {
		return nil, err
	}

	logger.Info("AMQP publisher connected", "queue", queue)
	return p, nil
}

// connect must be called with mu held.
func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to declare queue %q: %w", p.queue, err)
	}

	p.conn, p.ch = conn, ch
	return nil
}

func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	p.logger.Warn("AMQP channel closed, reconnecting", "queue", p.queue)
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch = nil, nil
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p.ch, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, pattern string, payload any) error {
	body, err := encode(pattern, payload)
	if err != nil {
		return err
	}

	ch, err := p.channel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to queue %q: %w", p.queue, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn, p.ch = nil, nil
	return err
}

// NATSPublisher publishes on subject <queue>.<pattern>.
type NATSPublisher struct {
	conn  *nats.Conn
	queue string
}

func DialNATS(rawURL, queue string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(rawURL,
		nats.Name("stream2bucket"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("NATS publisher connected", "queue", queue)
	return &NATSPublisher{conn: conn, queue: queue}, nil
}

// Subject returns the subject a pattern is published on.
func (p *NATSPublisher) Subject(pattern string) string {
	return p.queue + "." + pattern
}

func (p *NATSPublisher) Publish(_ context.Context, pattern string, payload any) error {
	body, err := encode(pattern, payload)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.Subject(pattern), body); err != nil {
		return fmt.Errorf("failed to publish to subject %q: %w", p.Subject(pattern), err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
