package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provenance-pipeline/internal/logger"
)

func TestPublish_FailingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(logger.Discard())
	ctx := context.Background()

	var got []string
	bus.Subscribe(FileUpdated, func(context.Context, Envelope) error {
		return errors.New("subscriber exploded")
	})
	bus.Subscribe(FileUpdated, func(_ context.Context, env Envelope) error {
		got = append(got, env.OrgID)
		return nil
	})
	bus.Subscribe(FileUpdated, func(context.Context, Envelope) error {
		panic("worse")
	})
	bus.Subscribe(FileUpdated, func(_ context.Context, env Envelope) error {
		got = append(got, env.OrgID+"-last")
		return nil
	})

	err := bus.Publish(ctx, Envelope{Type: FileUpdated, OrgID: "org-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscriber exploded")
	assert.Contains(t, err.Error(), "worse")
	assert.Equal(t, []string{"org-1", "org-1-last"}, got)
}

func TestPublish_RoutesByTypeInOrder(t *testing.T) {
	bus := NewBus(logger.Discard())

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		bus.Subscribe(FolderUpserted, func(context.Context, Envelope) error {
			order = append(order, i)
			return nil
		})
	}
	bus.Subscribe(FolderDeleted, func(context.Context, Envelope) error {
		t.Fatal("wrong type delivered")
		return nil
	})

	var stamped time.Time
	bus.Subscribe(FolderUpserted, func(_ context.Context, env Envelope) error {
		stamped = env.Timestamp
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), Envelope{Type: FolderUpserted}))
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.False(t, stamped.IsZero())
	assert.NoError(t, bus.Publish(context.Background(), Envelope{Type: ActionRecorded}))
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	bus := NewBus(logger.Discard())
	var calls int
	unsub := bus.Subscribe(FileDiscovered, func(context.Context, Envelope) error {
		calls++
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), Envelope{Type: FileDiscovered}))
	unsub()
	unsub()
	require.NoError(t, bus.Publish(context.Background(), Envelope{Type: FileDiscovered}))

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.Subscribers(FileDiscovered))
}

func publishWithin(t *testing.T, bus *Bus, env Envelope) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- bus.Publish(context.Background(), env) }()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("publish of %s did not return", env.Type)
		return nil
	}
}

func TestUnsubscribe_FromOwnHandler(t *testing.T) {
	bus := NewBus(logger.Discard())

	var calls atomic.Int32
	var unsub func()
	unsub = bus.Subscribe(FileUpdated, func(context.Context, Envelope) error {
		calls.Add(1)
		unsub()
		return nil
	})

	require.NoError(t, publishWithin(t, bus, Envelope{Type: FileUpdated}))
	require.NoError(t, publishWithin(t, bus, Envelope{Type: FileUpdated}))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, bus.Subscribers(FileUpdated))
}

func TestUnsubscribe_LaterSubscriberSkippedMidPublish(t *testing.T) {
	bus := NewBus(logger.Discard())

	var unsubSecond func()
	var secondCalls int
	bus.Subscribe(FolderDeleted, func(context.Context, Envelope) error {
		unsubSecond()
		return nil
	})
	unsubSecond = bus.Subscribe(FolderDeleted, func(context.Context, Envelope) error {
		secondCalls++
		return nil
	})

	require.NoError(t, publishWithin(t, bus, Envelope{Type: FolderDeleted}))
	assert.Equal(t, 0, secondCalls)
	assert.Equal(t, 1, bus.Subscribers(FolderDeleted))
}

func TestPublish_NestedWhileUnsubscribing(t *testing.T) {
	bus := NewBus(logger.Discard())

	entered := make(chan struct{})
	release := make(chan struct{})
	var depth atomic.Int32
	var once sync.Once
	var unsub func()
	unsub = bus.Subscribe(ActionRecorded, func(ctx context.Context, env Envelope) error {
		if depth.Add(1) > 1 {
			return nil
		}
		once.Do(func() { close(entered) })
		<-release
		// The outer call re-publishes the same type after unsubscribe ran.
		return bus.Publish(ctx, env)
	})

	outer := make(chan error, 1)
	go func() { outer <- bus.Publish(context.Background(), Envelope{Type: ActionRecorded}) }()
	<-entered

	unsubDone := make(chan struct{})
	go func() {
		unsub()
		close(unsubDone)
	}()
	select {
	case <-unsubDone:
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe blocked on a running handler")
	}
	close(release)

	select {
	case err := <-outer:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("nested publish did not return")
	}
	assert.Equal(t, int32(1), depth.Load())
}
