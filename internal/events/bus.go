package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"provenance-pipeline/internal/logger"
	"provenance-pipeline/internal/telemetry"
)

// Type tags an event.
type Type string

const (
	FileDiscovered       Type = "file.discovered"
	FileUpdated          Type = "file.updated"
	FileExtractionFailed Type = "file.extraction_failed"
	FolderUpserted       Type = "folder.upserted"
	FolderDeleted        Type = "folder.deleted"
	ActionRecorded       Type = "action.recorded"
	MutationReported     Type = "mutation.reported"
)

// Envelope is a single published event. It is never persisted.
type Envelope struct {
	Type      Type      `json:"type"`
	OrgID     string    `json:"org_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Handler receives events of the type it subscribed to.
type Handler func(ctx context.Context, env Envelope) error

type subscription struct {
	handler Handler
	// active is checked right before every invocation.
	active atomic.Bool
}

// Bus delivers events synchronously to subscribers in registration order.
type Bus struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[Type][]*subscription
}

// NewBus returns an empty bus.
func NewBus(log *slog.Logger) *Bus {
	return &Bus{
		log:  logger.OrDefault(log).With(slog.String("component", "events")),
		subs: make(map[Type][]*subscription),
	}
}

// Subscribe registers h for t. The returned func removes the subscription;
// once it returns h is not invoked again, though a call already running is
// left to finish. It never blocks on h, so h may unsubscribe itself.
func (b *Bus) Subscribe(t Type, h Handler) (unsubscribe func()) {
	sub := &subscription{handler: h}
	sub.active.Store(true)
	b.mu.Lock()
	b.subs[t] = append(b.subs[t], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)

			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[t]
			for i, s := range list {
				if s == sub {
					// Copy so snapshots held by in-progress publishes stay valid.
					next := make([]*subscription, 0, len(list)-1)
					next = append(next, list[:i]...)
					next = append(next, list[i+1:]...)
					b.subs[t] = next
					break
				}
			}
			if len(b.subs[t]) == 0 {
				delete(b.subs, t)
			}
		})
	}
}

// Publish delivers env to every current subscriber of env.Type. A handler
// error or panic is logged and does not stop delivery; all failures are
// returned joined.
func (b *Bus) Publish(ctx context.Context, env Envelope) error {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	subs := b.subs[env.Type]
	b.mu.RUnlock()

	telemetry.EventsPublished.WithLabelValues(string(env.Type)).Inc()

	var errs []error
	for i, sub := range subs {
		if err := b.deliver(ctx, sub, env); err != nil {
			telemetry.HandlerFailures.WithLabelValues(string(env.Type)).Inc()
			b.log.Warn("event handler failed",
				slog.String("type", string(env.Type)),
				slog.Int("subscriber", i),
				slog.Any("err", err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) deliver(ctx context.Context, sub *subscription, env Envelope) (err error) {
	if !sub.active.Load() {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s handler panic: %v", env.Type, r)
		}
	}()
	if err := sub.handler(ctx, env); err != nil {
		return fmt.Errorf("%s handler: %w", env.Type, err)
	}
	return nil
}

// Subscribers returns how many handlers are registered for t.
func (b *Bus) Subscribers(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}
