package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingSender holds every delivery until release is closed.
type blockingSender struct {
	release chan struct{}
	mu      sync.Mutex
	got     []Event
}

func (b *blockingSender) Notify(ctx context.Context, event Event) error {
	<-b.release
	b.mu.Lock()
	b.got = append(b.got, event)
	b.mu.Unlock()
	return nil
}

func (b *blockingSender) events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event{}, b.got...)
}

type panicSender struct{}

func (panicSender) Notify(ctx context.Context, event Event) error {
	panic("boom")
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	m := NewManager()
	mock := &mockNotifier{name: "mock"}
	m.Register(mock)

	d := NewDispatcher(m, nil, DispatcherOptions{Buffer: 8})
	d.Publish(Event{Type: EventLockAcquired, ResourceID: "a"})
	d.Publish(Event{Type: EventLockReleased, ResourceID: "a"})

	require.NoError(t, d.Close(context.Background()))

	sent := mock.sentEvents()
	require.Len(t, sent, 2)
	assert.Equal(t, EventLockAcquired, sent[0].Type)
	assert.Equal(t, EventLockReleased, sent[1].Type)
	assert.False(t, sent[0].Timestamp.IsZero())
	assert.Equal(t, int64(0), d.Dropped())
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{})}
	d := NewDispatcher(sender, nil, DispatcherOptions{Buffer: 1})

	// One event may be in flight in the worker and one buffered; the rest drop.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Publish(Event{Type: EventLockAcquired, ResourceID: "a"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked")
	}

	assert.GreaterOrEqual(t, d.Dropped(), int64(8))

	close(sender.release)
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, int64(10), d.Dropped()+int64(len(sender.events())))
}

func TestDispatcher_PublishAfterClose(t *testing.T) {
	d := NewDispatcher(NewManager(), nil, DispatcherOptions{})
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()))

	assert.NotPanics(t, func() {
		d.Publish(Event{Type: EventLockReleased, ResourceID: "a"})
	})
	assert.Equal(t, int64(1), d.Dropped())
}

func TestDispatcher_CloseHonoursContext(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{})}
	defer close(sender.release)

	d := NewDispatcher(sender, nil, DispatcherOptions{})
	d.Publish(Event{Type: EventLockAcquired, ResourceID: "a"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := d.Close(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDispatcher_SurvivesPanickingSender(t *testing.T) {
	d := NewDispatcher(panicSender{}, nil, DispatcherOptions{})
	d.Publish(Event{Type: EventLockAcquired, ResourceID: "a"})
	d.Publish(Event{Type: EventLockReleased, ResourceID: "a"})

	assert.NoError(t, d.Close(context.Background()))
}
