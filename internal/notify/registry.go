// Package notify is a synchronous in-process publish/subscribe registry.
package notify

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"
)

type handle[T any] struct {
	fn     func(T)
	active bool
}

// Registry delivers each notified value to every subscriber, in registration order, on the
// notifying goroutine.
type Registry[T any] struct {
	mu     sync.Mutex
	subs   *list.List
	logger *slog.Logger
}

// NewRegistry returns an empty registry. A nil logger uses slog.Default.
func NewRegistry[T any](logger *slog.Logger) *Registry[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry[T]{subs: list.New(), logger: logger}
}

// Subscribe registers fn. The returned function removes exactly this registration and is
// safe to call more than once.
func (r *Registry[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	h := &handle[T]{fn: fn, active: true}
	r.mu.Lock()
	elem := r.subs.PushBack(h)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			h.active = false
			r.subs.Remove(elem)
			r.mu.Unlock()
		})
	}
}

// Notify calls every current subscriber with v. Subscribers removed while a notification is
// running are skipped if they have not been reached yet.
func (r *Registry[T]) Notify(v T) {
	r.mu.Lock()
	handles := make([]*handle[T], 0, r.subs.Len())
	for e := r.subs.Front(); e != nil; e = e.Next() {
		handles = append(handles, e.Value.(*handle[T]))
	}
	r.mu.Unlock()

	for _, h := range handles {
		r.mu.Lock()
		active := h.active
		r.mu.Unlock()
		if active {
			r.call(h.fn, v)
		}
	}
}

func (r *Registry[T]) call(fn func(T), v T) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscriber panicked", "panic", fmt.Sprint(rec))
		}
	}()
	fn(v)
}

// Len reports the number of active subscribers.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs.Len()
}
