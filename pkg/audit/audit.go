// Package audit provides the append-only event stream. Every
// privileged action flows through here before the corresponding tool
// call returns; events survive device decommission and are never
// updated or deleted.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rosfleet/rosfleet/pkg/log"
	"github.com/rosfleet/rosfleet/pkg/storage"
	"github.com/rosfleet/rosfleet/pkg/types"
)

// Subscriber is a channel that receives committed audit events
type Subscriber chan *types.AuditEvent

// Log writes audit events durably and fans them out to subscribers
// (used by MCP resource subscriptions).
type Log struct {
	store       storage.Store
	logger      zerolog.Logger
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
}

// NewLog creates an audit log over the given store
func NewLog(store storage.Store) *Log {
	return &Log{
		store:       store,
		logger:      log.WithComponent("audit"),
		subscribers: make(map[Subscriber]bool),
	}
}

// Record durably appends an event, then notifies subscribers. The
// write completes before Record returns so callers can rely on the
// event existing once their own response is sent.
func (l *Log) Record(event *types.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := l.store.AppendAuditEvent(event); err != nil {
		l.logger.Error().Err(err).Str("action", string(event.Action)).Msg("failed to append audit event")
		return err
	}

	l.logger.Info().
		Str("action", string(event.Action)).
		Str("result", string(event.Result)).
		Str("device_id", event.DeviceID).
		Str("tool", event.ToolName).
		Str("correlation_id", event.CorrelationID).
		Msg("audit event")

	l.broadcast(event)
	return nil
}

// RecordSensitiveRead implements the vault's Recorder interface
func (l *Log) RecordSensitiveRead(deviceID string, metadata map[string]string) {
	_ = l.Record(&types.AuditEvent{
		DeviceID: deviceID,
		Action:   types.AuditActionReadSensitive,
		Result:   types.AuditResultSuccess,
		Metadata: metadata,
	})
}

// Query returns events matching the filter, newest first
func (l *Log) Query(filter storage.AuditFilter) ([]*types.AuditEvent, error) {
	return l.store.ListAuditEvents(filter)
}

// Subscribe creates a new subscription for committed events
func (l *Log) Subscribe() Subscriber {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub := make(Subscriber, 50)
	l.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (l *Log) Unsubscribe(sub Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.subscribers[sub] {
		delete(l.subscribers, sub)
		close(sub)
	}
}

func (l *Log) broadcast(event *types.AuditEvent) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for sub := range l.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}
