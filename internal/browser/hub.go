package browser

import (
	"context"
	"sync"
)

// Hub records page events and fans them out to subscribers, replaying the
// history of the current pass to anyone who subscribes late. Page
// implementations embed it.
type Hub struct {
	mu      sync.Mutex
	history []Event
	subs    map[int]func(Event)
	nextID  int
}

// Publish appends evt to the history and delivers it to current subscribers.
func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, evt)
	for _, fn := range h.subs {
		fn(evt)
	}
}

// Subscribe replays recorded events to fn and then streams new ones.
func (h *Hub) Subscribe(fn func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]func(Event))
	}
	id := h.nextID
	h.nextID++
	for _, evt := range h.history {
		fn(evt)
	}
	h.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the number of attached observers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// navigation runs a navigation function once and lets every caller wait on
// the shared result.
type navigation struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newNavigation() *navigation {
	return &navigation{done: make(chan struct{})}
}

func (n *navigation) run(ctx context.Context, fn func(context.Context) error) error {
	n.once.Do(func() {
		go func() {
			n.err = fn(context.WithoutCancel(ctx))
			close(n.done)
		}()
	})
	select {
	case <-n.done:
		return n.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
