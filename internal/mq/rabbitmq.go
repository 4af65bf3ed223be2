package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gersonrivera27/STACKPOS/config"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// rabbitMaxAttempts requeues a failed delivery once, then rejects it to the
// dead-letter exchange (or drops it when none is configured).
const rabbitMaxAttempts = 2

// RabbitMQClient publishes audit events with publisher confirms and consumes
// them with manual acknowledgement.
type RabbitMQClient struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	durable    bool
	autoDelete bool
	deadLetter string

	pubMu    sync.Mutex
	mu       sync.Mutex
	declared map[string]struct{}
}

func NewRabbitMQClient(cfg config.RabbitMQConfig) (*RabbitMQClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rabbitmq url is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	setup := func() error {
		if err := ch.Confirm(false); err != nil {
			return fmt.Errorf("rabbitmq confirm mode: %w", err)
		}
		if cfg.PrefetchCount > 0 {
			if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
				return fmt.Errorf("rabbitmq qos: %w", err)
			}
		}
		return nil
	}
	if err := setup(); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &RabbitMQClient{
		conn:       conn,
		channel:    ch,
		durable:    cfg.QueueDurable,
		autoDelete: cfg.QueueAutoDelete,
		deadLetter: strings.TrimSpace(cfg.DeadLetterExchange),
		declared:   make(map[string]struct{}),
	}, nil
}

// Publish sends data to the named queue through the default exchange and
// waits for the broker to confirm it.
func (r *RabbitMQClient) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("rabbitmq channel is required")
	}
	if err := r.ensureQueue(channel); err != nil {
		return "", err
	}

	msg := publishing(data, attrs, r.durable)

	r.pubMu.Lock()
	confirm, err := r.channel.PublishWithDeferredConfirmWithContext(ctx, "", channel, false, false, msg)
	r.pubMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("rabbitmq publish to %s: %w", channel, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return "", fmt.Errorf("rabbitmq confirm from %s: %w", channel, err)
	}
	if !acked {
		return "", fmt.Errorf("rabbitmq: broker rejected message for %s", channel)
	}
	return msg.MessageId, nil
}

// Subscribe consumes the named queue until ctx is cancelled. A delivery whose
// handler fails is requeued once and rejected on its redelivery.
func (r *RabbitMQClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("rabbitmq channel is required")
	}
	if err := r.ensureQueue(channel); err != nil {
		return err
	}

	consumerTag := fmt.Sprintf("%s-%s-%s", appID, channel, uuid.NewString())
	deliveries, err := r.channel.Consume(channel, consumerTag, false, false, false, false, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = r.channel.Cancel(consumerTag, false)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			msg := deliveryMessage(delivery)
			switch settle(handler(ctx, msg), msg.Attempt, rabbitMaxAttempts) {
			case dispositionAck:
				_ = delivery.Ack(false)
			case dispositionRetry:
				_ = delivery.Nack(false, true)
			case dispositionReject:
				_ = delivery.Nack(false, false)
			}
		}
	}
}

func (r *RabbitMQClient) Close() error {
	if r.channel != nil {
		_ = r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

// ensureQueue declares a queue once per client.
func (r *RabbitMQClient) ensureQueue(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.declared[name]; ok {
		return nil
	}
	_, err := r.channel.QueueDeclare(name, r.durable, r.autoDelete, false, false, queueArgs(r.deadLetter))
	if err != nil {
		return fmt.Errorf("rabbitmq declare %s: %w", name, err)
	}
	r.declared[name] = struct{}{}
	return nil
}

func queueArgs(deadLetterExchange string) amqp.Table {
	if deadLetterExchange == "" {
		return nil
	}
	return amqp.Table{"x-dead-letter-exchange": deadLetterExchange}
}

func publishing(data []byte, attrs map[string]string, persistent bool) amqp.Publishing {
	msg := amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Transient,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		AppId:        appID,
		Body:         data,
	}
	if persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	headers := amqp.Table{}
	for key, value := range attrs {
		if key == "content_type" {
			msg.ContentType = value
			continue
		}
		headers[key] = value
	}
	if len(headers) > 0 {
		msg.Headers = headers
	}
	return msg
}

func deliveryMessage(d amqp.Delivery) Message {
	attempt := 1
	if d.Redelivered {
		attempt = 2
	}
	return Message{
		ID:          d.MessageId,
		Data:        d.Body,
		Attributes:  headersToAttributes(d.Headers),
		PublishedAt: d.Timestamp,
		Attempt:     attempt,
	}
}

func headersToAttributes(headers amqp.Table) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(headers))
	for key, value := range headers {
		switch typed := value.(type) {
		case string:
			attrs[key] = typed
		case []byte:
			attrs[key] = string(typed)
		default:
			attrs[key] = fmt.Sprint(value)
		}
	}
	return attrs
}
