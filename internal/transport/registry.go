package transport

import "sync"

// registry is an ordered many-to-many subscription table. Handlers for one
// key are returned in registration order.
type registry[T any] struct {
	mu   sync.Mutex
	next uint64
	subs map[string][]entry[T]
}

type entry[T any] struct {
	id uint64
	fn T
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{subs: make(map[string][]entry[T])}
}

// add registers fn under key and returns a function that removes it.
// The returned function is safe to call more than once.
func (r *registry[T]) add(key string, fn T) func() {
	r.mu.Lock()
	r.next++
	id := r.next
	r.subs[key] = append(r.subs[key], entry[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(key, id) })
	}
}

func (r *registry[T]) remove(key string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[key]
	for i, e := range list {
		if e.id == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.subs, key)
		return
	}
	r.subs[key] = list
}

// snapshot returns the handlers registered under key at the time of the call.
func (r *registry[T]) snapshot(key string) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.subs[key]
	out := make([]T, len(list))
	for i, e := range list {
		out[i] = e.fn
	}
	return out
}

// count returns the number of handlers registered under key.
func (r *registry[T]) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[key])
}
