package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-live/internal/eventstore"
	"github.com/loqalabs/loqa-live/internal/protocol"
)

type eventStore interface {
	AppendSession(ctx context.Context, sessionID, remoteAddr string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	EndSession(ctx context.Context, sessionID string) error
}

type publisher interface {
	Publish(subject string, v any) error
}

// lifecycleRecorder fans session lifecycle events out to the event store and
// the bus from a single worker so sessions never wait on either.
type lifecycleRecorder struct {
	store  eventStore
	bus    publisher
	logger *slog.Logger

	events    chan protocol.LifecycleEvent
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func newLifecycleRecorder(store eventStore, bus publisher, buffer int, logger *slog.Logger) *lifecycleRecorder {
	if buffer <= 0 {
		buffer = 1024
	}
	r := &lifecycleRecorder{
		store:  store,
		bus:    bus,
		logger: logger.With(slog.String("component", "recorder")),
		events: make(chan protocol.LifecycleEvent, buffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *lifecycleRecorder) Record(evt protocol.LifecycleEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- evt:
	default:
		r.logger.Warn("lifecycle event dropped", slog.String("kind", evt.Kind), slog.String("session_id", evt.SessionID))
	}
}

func (r *lifecycleRecorder) run() {
	defer close(r.done)
	for evt := range r.events {
		r.deliver(evt)
	}
}

func (r *lifecycleRecorder) deliver(evt protocol.LifecycleEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if r.store != nil {
		if evt.Kind == protocol.EventSessionOpened {
			if err := r.store.AppendSession(ctx, evt.SessionID, evt.RemoteAddr); err != nil {
				r.logger.Warn("event store append session failed", slog.String("error", err.Error()))
			}
		}
		err := r.store.AppendEvent(ctx, eventstore.Event{
			SessionID:  evt.SessionID,
			TurnID:     evt.TurnID,
			Kind:       evt.Kind,
			Outcome:    evt.Outcome,
			Category:   evt.Category,
			Bytes:      evt.Bytes,
			DurationMS: evt.DurationMS,
			CreatedAt:  evt.Timestamp,
		})
		if err != nil {
			r.logger.Warn("event store append failed", slog.String("error", err.Error()))
		}
		if evt.Kind == protocol.EventSessionClosed {
			if err := r.store.EndSession(ctx, evt.SessionID); err != nil {
				r.logger.Warn("event store end session failed", slog.String("error", err.Error()))
			}
		}
	}
	if r.bus != nil {
		if err := r.bus.Publish(protocol.Subject(evt.Kind), evt); err != nil {
			r.logger.Warn("lifecycle publish failed", slog.String("error", err.Error()))
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (r *lifecycleRecorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.events)
		r.mu.Unlock()
	})
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
