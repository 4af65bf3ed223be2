package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gersonrivera27/STACKPOS/internal/mq"
	"github.com/gersonrivera27/STACKPOS/internal/store"
	"github.com/gersonrivera27/STACKPOS/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkCall struct {
	channel string
	event   types.AuditEvent
}

type fakeSink struct {
	mu      sync.Mutex
	calls   []sinkCall
	started chan struct{}
	release chan struct{}
	err     error
}

func (s *fakeSink) PublishJSON(_ context.Context, channel string, value any) (string, error) {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{channel: channel, event: value.(types.AuditEvent)})
	return "msg-1", s.err
}

func (s *fakeSink) snapshot() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkCall(nil), s.calls...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAuditServicePublishes(t *testing.T) {
	sink := &fakeSink{}
	at := time.Date(2026, 4, 10, 8, 30, 0, 0, time.UTC)
	audit := NewAuditService(sink, discardLogger(), WithAuditClock(func() time.Time { return at }))

	audit.Publish(context.Background(), mq.QueueAuth, types.AuditEvent{Event: EventLoginSuccess, Username: "admin"})
	audit.Publish(context.Background(), mq.QueueSecurity, types.AuditEvent{ID: "fixed", Event: EventAccountLocked})
	audit.Close()

	calls := sink.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, mq.QueueAuth, calls[0].channel)
	assert.NotEmpty(t, calls[0].event.ID)
	assert.Equal(t, at, calls[0].event.Timestamp)
	assert.Equal(t, mq.QueueSecurity, calls[1].channel)
	assert.Equal(t, "fixed", calls[1].event.ID)
	assert.Zero(t, audit.Dropped())
}

func TestAuditServiceDropsWhenFull(t *testing.T) {
	sink := &fakeSink{started: make(chan struct{}, 4), release: make(chan struct{})}
	audit := NewAuditService(sink, discardLogger(), WithAuditBuffer(1))

	audit.Publish(context.Background(), mq.QueueAuth, types.AuditEvent{Event: "first"})
	<-sink.started

	audit.Publish(context.Background(), mq.QueueAuth, types.AuditEvent{Event: "second"})
	audit.Publish(context.Background(), mq.QueueAuth, types.AuditEvent{Event: "third"})
	assert.Equal(t, uint64(1), audit.Dropped())

	close(sink.release)
	audit.Close()

	calls := sink.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].event.Event)
	assert.Equal(t, "second", calls[1].event.Event)
}

func TestAuditServicePublishErrorIsSwallowed(t *testing.T) {
	sink := &fakeSink{err: errors.New("broker unavailable")}
	audit := NewAuditService(sink, discardLogger())

	audit.Publish(context.Background(), mq.QueueAuth, types.AuditEvent{Event: EventLogout})
	audit.Close()

	assert.Len(t, sink.snapshot(), 1)
}

func TestAuditServiceWithoutSink(t *testing.T) {
	audit := NewAuditService(nil, discardLogger())

	assert.NotPanics(t, func() {
		audit.Publish(context.Background(), mq.QueueAuth, types.AuditEvent{Event: EventLogout})
		audit.Close()
		audit.Close()
	})
}

func TestAuditServiceIgnoresPublishAfterClose(t *testing.T) {
	sink := &fakeSink{}
	audit := NewAuditService(sink, discardLogger())
	audit.Close()

	audit.Publish(context.Background(), mq.QueueAuth, types.AuditEvent{Event: EventLogout})
	assert.Empty(t, sink.snapshot())
}

type fakeAuditWriter struct {
	inserted []types.AuditEvent
	err      error
}

func (w *fakeAuditWriter) Insert(_ context.Context, event types.AuditEvent) (int64, error) {
	if w.err != nil {
		return 0, w.err
	}
	w.inserted = append(w.inserted, event)
	return int64(len(w.inserted)), nil
}

func TestAuditConsumerHandle(t *testing.T) {
	userID := 1
	payload, err := json.Marshal(types.AuditEvent{Event: EventLoginSuccess, Username: "admin", UserID: &userID, Success: true})
	require.NoError(t, err)

	t.Run("stores the event", func(t *testing.T) {
		writer := &fakeAuditWriter{}
		consumer := NewAuditConsumer(writer, discardLogger())

		require.NoError(t, consumer.Handle(context.Background(), mq.Message{ID: "m-1", Data: payload}))
		require.Len(t, writer.inserted, 1)
		assert.Equal(t, "m-1", writer.inserted[0].ID)
		assert.Equal(t, "admin", writer.inserted[0].Username)
	})

	t.Run("malformed payload is acknowledged", func(t *testing.T) {
		writer := &fakeAuditWriter{}
		consumer := NewAuditConsumer(writer, discardLogger())

		require.NoError(t, consumer.Handle(context.Background(), mq.Message{ID: "m-2", Data: []byte("{not json")}))
		assert.Empty(t, writer.inserted)
	})

	t.Run("message publish time fills a missing timestamp", func(t *testing.T) {
		writer := &fakeAuditWriter{}
		consumer := NewAuditConsumer(writer, discardLogger())
		sent := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

		require.NoError(t, consumer.Handle(context.Background(), mq.Message{ID: "m-4", Data: payload, PublishedAt: sent}))
		require.Len(t, writer.inserted, 1)
		assert.Equal(t, sent, writer.inserted[0].Timestamp)
	})

	t.Run("already stored event is acknowledged", func(t *testing.T) {
		writer := &fakeAuditWriter{err: store.ErrConflict}
		consumer := NewAuditConsumer(writer, discardLogger())

		assert.NoError(t, consumer.Handle(context.Background(), mq.Message{ID: "m-1", Data: payload, Attempt: 2}))
	})

	t.Run("storage failure is returned for redelivery", func(t *testing.T) {
		writer := &fakeAuditWriter{err: errors.New("db down")}
		consumer := NewAuditConsumer(writer, discardLogger())

		err := consumer.Handle(context.Background(), mq.Message{ID: "m-3", Data: payload})
		assert.Error(t, err)
	})
}
