package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/quantenergx/trading-engine/internal/metrics"
)

// ErrBusStarted is returned by Subscribe and Run once the bus is running.
var ErrBusStarted = errors.New("event bus already started")

type subscription struct {
	name    string
	ch      chan Event
	handler Handler
}

// Bus fans published events out to subscribers over channels.
type Bus struct {
	in      chan Event
	subs    []*subscription
	started atomic.Bool
	done    chan struct{}
	logger  *slog.Logger
}

// NewBus creates a bus whose input queue holds buffer events.
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		in:     make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Subscribe registers a named consumer with its own queue of buffer events.
// All subscriptions must be made before Run.
func (b *Bus) Subscribe(name string, buffer int, h Handler) error {
	if b.started.Load() {
		return ErrBusStarted
	}
	b.subs = append(b.subs, &subscription{name: name, ch: make(chan Event, buffer), handler: h})
	return nil
}

// Publish queues ev for delivery. It waits for queue space until ctx is
// done or the bus has stopped; the event is then dropped and counted.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	select {
	case b.in <- ev:
	case <-ctx.Done():
		metrics.EventsDropped.WithLabelValues("bus").Inc()
		b.logger.Warn("event dropped", "kind", ev.Kind, "reason", ctx.Err())
	case <-b.done:
		metrics.EventsDropped.WithLabelValues("bus").Inc()
	}
}

// Run dispatches events until ctx is cancelled, then delivers whatever is
// still queued and waits for every subscriber to finish.
func (b *Bus) Run(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrBusStarted
	}

	// Handlers keep working through the final drain after ctx is cancelled.
	hctx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for _, s := range b.subs {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			for ev := range s.ch {
				if err := s.handler.Handle(hctx, ev); err != nil {
					b.logger.Error("event handler failed", "subscriber", s.name, "kind", ev.Kind, "err", err)
				}
			}
		}(s)
	}

	defer func() {
		close(b.done)
		b.drain()
		for _, s := range b.subs {
			close(s.ch)
		}
		wg.Wait()
	}()

	for {
		select {
		case ev := <-b.in:
			b.dispatch(ev)
		case <-ctx.Done():
			return nil
		}
	}
}

// dispatch never waits on a subscriber: a full subscriber queue loses the
// event, so one stalled consumer cannot back up publishers.
func (b *Bus) dispatch(ev Event) {
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			metrics.EventsDropped.WithLabelValues(s.name).Inc()
			b.logger.Warn("subscriber queue full, event dropped", "subscriber", s.name, "kind", ev.Kind)
		}
	}
}

func (b *Bus) drain() {
	for {
		select {
		case ev := <-b.in:
			b.dispatch(ev)
		default:
			return
		}
	}
}
