// Package notify provides a small typed observer list used by stateful components.
package notify

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Hub fans out values of type T to registered listeners. Listeners run
// synchronously on the publishing goroutine and must not block.
type Hub[T any] struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(T)
}

// Subscribe registers fn and returns a cancel func. Cancel is idempotent.
func (h *Hub[T]) Subscribe(fn func(T)) (cancel func()) {
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[int]func(T))
	}
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Publish delivers v to every listener in registration order.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	ids := lo.Keys(h.subs)
	slices.Sort(ids)
	fns := lo.Map(ids, func(id int, _ int) func(T) { return h.subs[id] })
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of active listeners.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
