package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	b := NewBus(nil)
	var mu sync.Mutex
	var order []int

	for i := 0; i < 5; i++ {
		i := i
		b.On("task:started", func(ctx context.Context, e Event) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	b.Publish(context.Background(), TaskStarted{TaskID: "t1"})

	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestHandlerRegisteredDuringDeliveryMissesCurrentEvent(t *testing.T) {
	b := NewBus(nil)
	var secondCalls int

	b.On("task:started", func(ctx context.Context, e Event) {
		b.On("task:started", func(ctx context.Context, e Event) {
			secondCalls++
		})
	})

	b.Publish(context.Background(), TaskStarted{TaskID: "t1"})
	require.Equal(t, 0, secondCalls)

	b.Publish(context.Background(), TaskStarted{TaskID: "t1"})
	require.Equal(t, 1, secondCalls)
}

func TestPanickingHandlerDoesNotBlockLaterHandlers(t *testing.T) {
	b := NewBus(nil)
	var secondRan bool

	b.On("task:completed", func(ctx context.Context, e Event) {
		panic("boom")
	})
	b.On("task:completed", func(ctx context.Context, e Event) {
		secondRan = true
	})

	require.NotPanics(t, func() {
		b.Publish(context.Background(), TaskCompleted{TaskID: "t1"})
	})
	require.True(t, secondRan)
}

func TestOffRemovesHandler(t *testing.T) {
	b := NewBus(nil)
	var calls int
	sub := b.On("task:cancelled", func(ctx context.Context, e Event) {
		calls++
	})

	b.Publish(context.Background(), TaskCancelled{TaskID: "t1"})
	b.Off(sub)
	b.Publish(context.Background(), TaskCancelled{TaskID: "t1"})

	require.Equal(t, 1, calls)
}

type recordingMirror struct {
	mu      sync.Mutex
	subject []string
}

func (r *recordingMirror) Publish(subject string, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subject = append(r.subject, subject)
}

func TestMirrorReceivesPublishedEvents(t *testing.T) {
	b := NewBus(nil)
	mirror := &recordingMirror{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.AttachMirror(ctx, mirror)

	b.Publish(ctx, TaskStarted{TaskID: "t1"})

	require.Eventually(t, func() bool {
		mirror.mu.Lock()
		defer mirror.mu.Unlock()
		return len(mirror.subject) == 1
	}, 500*time.Millisecond, 10*time.Millisecond)
}

func TestSaturatedMirrorQueuePublishesBusDropped(t *testing.T) {
	b := NewBus(nil)

	var dropped []BusDropped
	b.On("bus:dropped", func(ctx context.Context, e Event) {
		dropped = append(dropped, e.(BusDropped))
	})

	// Attach a mirror that never drains so the bounded queue fills up.
	blocked := make(chan struct{})
	b.AttachMirror(context.Background(), mirrorFunc(func(subject string, event Event) {
		<-blocked
	}))

	for i := 0; i < mirrorQueueSize+5; i++ {
		b.Publish(context.Background(), TaskStarted{TaskID: "t1"})
	}
	close(blocked)

	require.NotEmpty(t, dropped)
	require.Equal(t, "task:started", dropped[0].Subject)
}

type mirrorFunc func(subject string, event Event)

func (f mirrorFunc) Publish(subject string, event Event) { f(subject, event) }
