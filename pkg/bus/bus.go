// Package bus implements the command/event bus: an in-process
// request/response call path plus a fire-and-forget event fan-out with
// bounded, drop-oldest subscriber buffers so a slow front-end never
// blocks a producer.
package bus

import (
	"context"
	"fmt"
	"sync"
)

// Event is one notification published on the bus (flash-progress,
// rtt-data, serial-data, probe-list-changed, ...).
type Event struct {
	Name string
	Data any
}

// Handler answers a Call request.
type Handler func(ctx context.Context, req any) (any, error)

const subscriberBuffer = 256

// Bus is a single process-wide pub/sub + call dispatcher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	subs     map[int]*subscriber
	nextSub  int
}

type subscriber struct {
	ch     chan Event
	filter func(Event) bool
}

func New() *Bus {
	return &Bus{
		handlers: make(map[string]Handler),
		subs:     make(map[int]*subscriber),
	}
}

// Register installs the handler for a named command, replacing any
// existing registration.
func (b *Bus) Register(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = h
}

// Call invokes the named command's handler synchronously.
func (b *Bus) Call(ctx context.Context, name string, req any) (any, error) {
	b.mu.RLock()
	h, ok := b.handlers[name]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bus: no handler registered for %q", name)
	}
	return h(ctx, req)
}

// Subscribe returns a channel of events, optionally filtered, backed
// by a bounded buffer. A subscriber that falls behind has its oldest
// unread event dropped to make room rather than stalling Emit.
func (b *Bus) Subscribe(filter func(Event) bool) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	sub := &subscriber{ch: make(chan Event, subscriberBuffer), filter: filter}
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			close(s.ch)
			delete(b.subs, id)
		}
	}
	return sub.ch, cancel
}

// Emit publishes ev to every matching subscriber. Never blocks: a full
// subscriber buffer has its oldest event discarded to make room for
// the new one.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}
