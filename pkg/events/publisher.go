package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the durable topic exchange events are published to.
const DefaultExchange = "profilehub.events"

// Routing keys.
const (
	AccountRegistered   = "account.registered"
	DocumentCreated     = "document.created"
	DocumentFileDeleted = "document.file_deleted"
)

// Publisher emits domain events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
	Close()
}

// AccountRegisteredEvent is published after an account is created.
type AccountRegisteredEvent struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
}

// DocumentCreatedEvent is published after an upload commits.
type DocumentCreatedEvent struct {
	DocumentID  string `json:"document_id"`
	Name        string `json:"name"`
	SizeBytes   int64  `json:"size_bytes"`
	CreatedByID string `json:"created_by_id"`
}

// DocumentFileDeletedEvent is published after a document's blob is removed.
type DocumentFileDeletedEvent struct {
	DocumentID  string `json:"document_id"`
	UpdatedByID string `json:"updated_by_id"`
}

// AMQPPublisher publishes JSON messages to a RabbitMQ topic exchange.
type AMQPPublisher struct {
	exchange string
	logger   *slog.Logger
	dial     func() (*amqp.Connection, error)

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPPublisher dials RabbitMQ and declares the exchange.
func NewAMQPPublisher(rawURL, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &AMQPPublisher{
		exchange: exchange,
		logger:   logger,
		dial: func() (*amqp.Connection, error) {
			return amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
		},
	}
	if err := p.reopenLocked(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// reopenLocked opens a fresh channel and declares the exchange on it,
// redialing first when the connection is gone.
func (p *AMQPPublisher) reopenLocked() error {
	if p.conn == nil || p.conn.IsClosed() {
		if p.channel != nil {
			_ = p.channel.Close()
			p.channel = nil
		}
		conn, err := p.dial()
		if err != nil {
			p.conn = nil
			return fmt.Errorf("dial rabbitmq: %w", err)
		}
		p.conn = conn
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare exchange %q: %w", p.exchange, err)
	}
	if p.channel != nil {
		_ = p.channel.Close()
	}
	p.channel = ch
	return nil
}

// Publish marshals body as JSON. A failed publish reopens the channel,
// redialing a dropped connection, and retries once.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Type:         routingKey,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = errors.New("no open channel")
	if p.channel != nil {
		err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
		if err == nil {
			return nil
		}
	}
	p.logger.Warn("event publish failed, reopening channel", "routing_key", routingKey, "err", err)
	if reopenErr := p.reopenLocked(); reopenErr != nil {
		return errors.Join(err, reopenErr)
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// LogPublisher is used when no broker is configured or reachable. It logs
// each event instead of sending it.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, routingKey string, body any) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("event (no broker)", "routing_key", routingKey, "body", body)
	return nil
}

func (LogPublisher) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("parse amqp url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("amqp url scheme must be amqp:// or amqps://")
	}
	return clean, nil
}
