// Package eventbus implements the orchestrator's in-process event bus:
// synchronous, registration-ordered delivery per event, with an optional
// bounded, drop-oldest fan-out to an external NATS mirror.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/apexorch/apex/internal/logger"
)

// Handler receives events for the subjects it was registered against.
type Handler func(ctx context.Context, event Event)

// Subscription is returned by On and passed to Off to unsubscribe.
type Subscription struct {
	name string
	id   uint64
}

type subscriber struct {
	id uint64
	h  Handler
}

// Mirror is the optional fire-and-forget external publisher the Facade can
// attach (see SPEC_FULL §4.5) — satisfied by the thin NATS adapter in
// internal/natsmirror, which cmd/apexd attaches when a NATS URL is configured.
type Mirror interface {
	Publish(subject string, event Event)
}

// Bus is the orchestrator's synchronous, registration-ordered event bus.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]subscriber
	nextID   uint64
	log      *logger.Logger

	mirror      Mirror
	mirrorQueue chan Event
	droppedMu   sync.Mutex
	dropped     map[string]int
}

const mirrorQueueSize = 256

// NewBus constructs an empty Bus.
func NewBus(log *logger.Logger) *Bus {
	b := &Bus{
		handlers:    map[string][]subscriber{},
		log:         log,
		mirrorQueue: make(chan Event, mirrorQueueSize),
		dropped:     map[string]int{},
	}
	return b
}

// AttachMirror wires an optional external mirror and starts its drain loop.
// Mirror failures never propagate to Publish callers.
func (b *Bus) AttachMirror(ctx context.Context, mirror Mirror) {
	b.mu.Lock()
	b.mirror = mirror
	b.mu.Unlock()
	go b.drainMirror(ctx)
}

func (b *Bus) drainMirror(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-b.mirrorQueue:
			b.mu.Lock()
			mirror := b.mirror
			b.mu.Unlock()
			if mirror != nil {
				mirror.Publish(event.EventName(), event)
			}
		}
	}
}

// On registers handler for subject name, invoked in registration order on
// every subsequent Publish for that name. Returns a Subscription for Off.
func (b *Bus) On(name string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := atomic.AddUint64(&b.nextID, 1)
	b.handlers[name] = append(b.handlers[name], subscriber{id: id, h: handler})
	return Subscription{name: name, id: id}
}

// Off removes a previously registered handler. Idempotent.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[sub.name]
	for i, s := range list {
		if s.id == sub.id {
			b.handlers[sub.name] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers event synchronously to every handler registered for its
// name, in registration order, as of the moment Publish is called. A
// handler registered by another handler mid-delivery is not invoked for
// this event (the subscriber list is snapshotted up front). A panicking
// handler is recovered and logged; delivery continues to later handlers.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.publishLocal(ctx, event)
	b.offerMirror(event)
}

// publishLocal delivers to registered in-process handlers only, skipping
// the mirror fan-out. recordDrop uses this directly: routing bus:dropped
// itself back through offerMirror would let a saturated mirror queue keep
// tripping further drops recursively.
func (b *Bus) publishLocal(ctx context.Context, event Event) {
	name := event.EventName()

	b.mu.Lock()
	snapshot := make([]subscriber, len(b.handlers[name]))
	copy(snapshot, b.handlers[name])
	b.mu.Unlock()

	for _, s := range snapshot {
		b.invoke(ctx, s.h, event)
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.log != nil {
				b.log.Error("eventbus: handler panicked",
					zap.String("event", event.EventName()),
					zap.Any("recovered", r),
				)
			}
		}
	}()
	h(ctx, event)
}

func (b *Bus) offerMirror(event Event) {
	b.mu.Lock()
	hasMirror := b.mirror != nil
	b.mu.Unlock()
	if !hasMirror {
		return
	}

	select {
	case b.mirrorQueue <- event:
	default:
		// Drop-oldest: make room by discarding the head, then enqueue.
		select {
		case dropped := <-b.mirrorQueue:
			b.recordDrop(dropped.EventName())
		default:
		}
		select {
		case b.mirrorQueue <- event:
		default:
		}
	}
}

func (b *Bus) recordDrop(subject string) {
	b.droppedMu.Lock()
	b.dropped[subject]++
	count := b.dropped[subject]
	b.droppedMu.Unlock()

	if b.log != nil {
		b.log.Warn("eventbus: dropped oldest queued mirror event",
			zap.String("subject", subject), zap.Int("count", count))
	}

	b.publishLocal(context.Background(), BusDropped{Subject: subject, Count: count})
}
