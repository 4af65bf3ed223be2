package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gersonrivera27/STACKPOS/config"
)

// Audit queues. Flow events go to QueueAuth, throttling and integrity
// problems to QueueSecurity.
const (
	QueueAuth     = "audit.auth"
	QueueOrders   = "audit.orders"
	QueueSecurity = "audit.security"
)

// AuditQueues lists every queue the audit consumer drains.
var AuditQueues = []string{QueueAuth, QueueOrders, QueueSecurity}

// ErrNoBackend is returned by Open when no broker is configured.
var ErrNoBackend = errors.New("mq: no backend configured")

const (
	contentTypeJSON = "application/json"
	appID           = "stackpos"
)

// Message represents a broker-agnostic payload delivered to subscribers.
type Message struct {
	ID          string
	Data        []byte
	Attributes  map[string]string
	PublishedAt time.Time
	// Attempt counts deliveries starting at 1. RabbitMQ only flags
	// redeliveries, so every redelivery there reports 2.
	Attempt int
}

// Handler processes a message. Return an error to signal a retry/nack.
type Handler func(ctx context.Context, msg Message) error

type disposition int

const (
	dispositionAck disposition = iota
	dispositionRetry
	dispositionReject
)

// settle decides what happens to a delivery once the handler returned.
// maxAttempts of zero retries forever.
func settle(err error, attempt, maxAttempts int) disposition {
	switch {
	case err == nil:
		return dispositionAck
	case maxAttempts > 0 && attempt >= maxAttempts:
		return dispositionReject
	default:
		return dispositionRetry
	}
}

// Backend defines the broker-agnostic operations used by the app.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// MQ wraps a backend with a stable API.
type MQ struct {
	backend Backend
}

// New constructs an MQ wrapper for the provided backend.
func New(backend Backend) *MQ {
	return &MQ{backend: backend}
}

// Open connects to the broker selected by cfg.Backend.
func Open(ctx context.Context, cfg config.MQConfig) (*MQ, error) {
	switch cfg.Backend {
	case "":
		return nil, ErrNoBackend
	case config.BackendRabbitMQ:
		client, err := NewRabbitMQClient(cfg.RabbitMQ)
		if err != nil {
			return nil, err
		}
		return New(client), nil
	case config.BackendPubSub:
		client, err := NewPubSubClient(ctx, cfg.PubSub)
		if err != nil {
			return nil, err
		}
		return New(client), nil
	default:
		return nil, fmt.Errorf("mq: unknown backend %q", cfg.Backend)
	}
}

// Publish sends a message to the named channel.
func (m *MQ) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	return m.backend.Publish(ctx, channel, data, attrs)
}

// PublishJSON encodes value as JSON and sends it to the named channel.
func (m *MQ) PublishJSON(ctx context.Context, channel string, value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("mq: encode message: %w", err)
	}
	return m.backend.Publish(ctx, channel, data, map[string]string{
		"content_type": contentTypeJSON,
		"source":       appID,
	})
}

// Subscribe consumes messages from the named channel.
func (m *MQ) Subscribe(ctx context.Context, channel string, handler Handler) error {
	return m.backend.Subscribe(ctx, channel, handler)
}

// Close closes the underlying backend.
func (m *MQ) Close() error {
	return m.backend.Close()
}
