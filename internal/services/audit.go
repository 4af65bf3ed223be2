package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gersonrivera27/STACKPOS/internal/metrics"
	"github.com/gersonrivera27/STACKPOS/internal/mq"
	"github.com/gersonrivera27/STACKPOS/internal/store"
	"github.com/gersonrivera27/STACKPOS/types"
	"github.com/google/uuid"
)

// Audit event names.
const (
	EventLoginSuccess       = "login_success"
	EventLoginFailure       = "login_failure"
	EventPINLoginSuccess    = "pin_login_success"
	EventPINLoginFailure    = "pin_login_failure"
	EventLoginInactive      = "login_inactive_account"
	EventLoginBlocked       = "login_blocked_locked"
	EventAccountLocked      = "account_locked"
	EventRateLimited        = "rate_limit_exceeded"
	EventPINNotMigrated     = "pin_not_migrated"
	EventTokenRefreshed     = "token_refreshed"
	EventRefreshRejected    = "refresh_rejected"
	EventLogout             = "logout"
	EventLogoutForeignToken = "logout_foreign_token"
	EventHTTPRequest        = "http_request"
)

const (
	defaultAuditBuffer  = 256
	auditPublishTimeout = 5 * time.Second
)

var errAuditDropped = errors.New("audit buffer full")

// AuditPublisher accepts audit events. Publishing never fails the caller.
type AuditPublisher interface {
	Publish(ctx context.Context, queue string, event types.AuditEvent)
}

// EventSink is the transport audit events are handed to.
type EventSink interface {
	PublishJSON(ctx context.Context, channel string, value any) (string, error)
}

type queuedEvent struct {
	queue string
	event types.AuditEvent
}

// AuditService publishes audit events to the message queue from a background
// worker. Events are dropped, never blocked on, when the buffer is full. With
// no sink configured events are only logged.
type AuditService struct {
	sink    EventSink
	logger  *slog.Logger
	now     func() time.Time
	events  chan queuedEvent
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64
	closed  atomic.Bool
	once    sync.Once
}

// AuditOption configures an AuditService.
type AuditOption func(*AuditService)

// WithAuditBuffer sets how many events may wait for the worker.
func WithAuditBuffer(size int) AuditOption {
	return func(a *AuditService) {
		if size > 0 {
			a.events = make(chan queuedEvent, size)
		}
	}
}

// WithAuditClock overrides the time source used to stamp events.
func WithAuditClock(now func() time.Time) AuditOption {
	return func(a *AuditService) {
		if now != nil {
			a.now = now
		}
	}
}

func NewAuditService(sink EventSink, logger *slog.Logger, opts ...AuditOption) *AuditService {
	if logger == nil {
		logger = slog.Default()
	}
	a := &AuditService{
		sink:   sink,
		logger: logger,
		now:    time.Now,
		events: make(chan queuedEvent, defaultAuditBuffer),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if sink != nil {
		a.wg.Add(1)
		go a.run()
	}
	return a
}

// Publish stamps and enqueues event for queue.
func (a *AuditService) Publish(ctx context.Context, queue string, event types.AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}

	if a.sink == nil {
		a.logger.DebugContext(ctx, "audit event not published, no queue configured",
			"queue", queue, "event", event.Event, "event_id", event.ID)
		return
	}
	if a.closed.Load() {
		return
	}

	select {
	case a.events <- queuedEvent{queue: queue, event: event}:
	case <-a.done:
	default:
		a.dropped.Add(1)
		metrics.RecordAuditPublish(queue, errAuditDropped)
		a.logger.WarnContext(ctx, "audit event dropped", "queue", queue, "event", event.Event)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (a *AuditService) Dropped() uint64 {
	return a.dropped.Load()
}

// Close drains queued events and stops the worker.
func (a *AuditService) Close() {
	a.once.Do(func() {
		a.closed.Store(true)
		close(a.done)
		a.wg.Wait()
	})
}

func (a *AuditService) run() {
	defer a.wg.Done()

	for {
		select {
		case q := <-a.events:
			a.send(q)
		case <-a.done:
			for {
				select {
				case q := <-a.events:
					a.send(q)
				default:
					return
				}
			}
		}
	}
}

func (a *AuditService) send(q queuedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), auditPublishTimeout)
	defer cancel()

	_, err := a.sink.PublishJSON(ctx, q.queue, q.event)
	metrics.RecordAuditPublish(q.queue, err)
	if err != nil {
		a.logger.Warn("audit publish failed", "queue", q.queue, "event", q.event.Event, "error", err)
	}
}

// AuditLogWriter persists consumed audit events.
type AuditLogWriter interface {
	Insert(ctx context.Context, event types.AuditEvent) (int64, error)
}

// AuditConsumer turns queue messages into audit_logs rows.
type AuditConsumer struct {
	logs   AuditLogWriter
	logger *slog.Logger
}

func NewAuditConsumer(logs AuditLogWriter, logger *slog.Logger) *AuditConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditConsumer{logs: logs, logger: logger}
}

// Handle stores one message. Undecodable payloads are logged and acknowledged
// so they are not redelivered forever; storage errors are returned for retry.
// A redelivered event that is already stored is acknowledged.
func (c *AuditConsumer) Handle(ctx context.Context, msg mq.Message) error {
	var event types.AuditEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		c.logger.ErrorContext(ctx, "discarding malformed audit message", "message_id", msg.ID, "error", err)
		return nil
	}
	if event.ID == "" {
		event.ID = msg.ID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = msg.PublishedAt
	}

	id, err := c.logs.Insert(ctx, event)
	if errors.Is(err, store.ErrConflict) {
		c.logger.DebugContext(ctx, "audit event already stored", "event_id", event.ID, "attempt", msg.Attempt)
		return nil
	}
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to store audit event",
			"event", event.Event, "event_id", event.ID, "attempt", msg.Attempt, "error", err)
		return err
	}
	c.logger.InfoContext(ctx, "audit event stored", "event", event.Event, "audit_log_id", id)
	return nil
}
