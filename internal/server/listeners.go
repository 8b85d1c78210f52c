package server

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"servctl/pkg/logging"
)

// Registration is the handle returned by ListenerRegistry.Add.
type Registration struct {
	id       uint64
	kinds    EventKind
	listener Listener
}

// Kinds returns the event kinds the registration receives.
func (r *Registration) Kinds() EventKind { return r.kinds }

// ListenerStats counts dispatch activity.
type ListenerStats struct {
	Registered int   `json:"registered"`
	Dispatched int64 `json:"dispatched"`
	Delivered  int64 `json:"delivered"`
	Failed     int64 `json:"failed"`
}

// ListenerRegistry maps event kinds to listeners. Add and Remove are safe to
// call from inside a listener.
type ListenerRegistry struct {
	mu     sync.RWMutex
	nextID uint64
	regs   []*Registration

	dispatched atomic.Int64
	delivered  atomic.Int64
	failed     atomic.Int64
}

// NewListenerRegistry returns an empty registry.
func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{}
}

// Add registers l for the given kinds. The same listener may be added more
// than once; every registration receives its own callbacks.
func (lr *ListenerRegistry) Add(kinds EventKind, l Listener) *Registration {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.nextID++
	reg := &Registration{id: lr.nextID, kinds: kinds, listener: l}
	lr.regs = append(lr.regs, reg)
	return reg
}

// Remove unregisters reg. Removing an unknown or nil registration is a no-op.
func (lr *ListenerRegistry) Remove(reg *Registration) {
	if reg == nil {
		return
	}
	lr.mu.Lock()
	defer lr.mu.Unlock()
	for i, r := range lr.regs {
		if r == reg {
			lr.regs = append(lr.regs[:i:i], lr.regs[i+1:]...)
			return
		}
	}
}

// Len returns the number of registrations.
func (lr *ListenerRegistry) Len() int {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	return len(lr.regs)
}

// Dispatch delivers ev to every registration interested in ev.Kind, in
// registration order. The registration list is copied before any listener
// runs, and a failing listener never stops delivery to the others.
func (lr *ListenerRegistry) Dispatch(ev Event) {
	lr.mu.RLock()
	snapshot := make([]*Registration, len(lr.regs))
	copy(snapshot, lr.regs)
	lr.mu.RUnlock()

	lr.dispatched.Add(1)
	for _, reg := range snapshot {
		if reg.kinds&ev.Kind == 0 {
			continue
		}
		lr.deliver(reg, ev)
	}
}

func (lr *ListenerRegistry) deliver(reg *Registration, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			lr.failed.Add(1)
			logging.Error("Listeners", fmt.Errorf("panic: %v", r), "Listener %d failed handling %s\n%s", reg.id, ev.Kind, debug.Stack())
		}
	}()
	reg.listener.HandleEvent(ev)
	lr.delivered.Add(1)
}

// Stats returns dispatch counters.
func (lr *ListenerRegistry) Stats() ListenerStats {
	return ListenerStats{
		Registered: lr.Len(),
		Dispatched: lr.dispatched.Load(),
		Delivered:  lr.delivered.Load(),
		Failed:     lr.failed.Load(),
	}
}

// Watch returns a channel receiving events of the given kinds until ctx is
// done, after which the registration is removed and the channel closed.
// Events are dropped with a warning when the channel is full.
func (lr *ListenerRegistry) Watch(ctx context.Context, buffer int, kinds EventKind) <-chan Event {
	ch := make(chan Event, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	reg := lr.Add(kinds, ListenerFunc(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			logging.Warn("Listeners", "Watcher channel full, dropping %s event", ev.Kind)
		}
	}))

	go func() {
		<-ctx.Done()
		lr.Remove(reg)
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}
