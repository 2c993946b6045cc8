package explore

import "sync"

// Cell is a typed state holder with subscription semantics.
// Subscribers are called synchronously by Set, outside the cell lock, in
// subscription order.
type Cell[T any] struct {
	mu    sync.RWMutex
	value T
	subs  map[int]func(T)
	order []int
	next  int
}

// NewCell returns a cell holding v.
func NewCell[T any](v T) *Cell[T] {
	return &Cell[T]{value: v, subs: make(map[int]func(T))}
}

// Get returns the current value.
func (c *Cell[T]) Get() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Set stores v and notifies subscribers, even when v equals the previous value.
func (c *Cell[T]) Set(v T) {
	c.mu.Lock()
	c.value = v
	fns := c.snapshot()
	c.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Store replaces the value without notifying subscribers.
func (c *Cell[T]) Store(v T) {
	c.mu.Lock()
	c.value = v
	c.mu.Unlock()
}

// Update applies fn to the current value, stores the result and notifies.
func (c *Cell[T]) Update(fn func(T) T) T {
	c.mu.Lock()
	v := fn(c.value)
	c.value = v
	fns := c.snapshot()
	c.mu.Unlock()

	for _, f := range fns {
		f(v)
	}
	return v
}

// Subscribe registers fn and returns a function that removes it.
func (c *Cell[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = fn
	c.order = append(c.order, id)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			for i, o := range c.order {
				if o == id {
					c.order = append(c.order[:i:i], c.order[i+1:]...)
					break
				}
			}
			c.mu.Unlock()
		})
	}
}

func (c *Cell[T]) snapshot() []func(T) {
	fns := make([]func(T), 0, len(c.order))
	for _, id := range c.order {
		fns = append(fns, c.subs[id])
	}
	return fns
}

// Combine2 derives a cell from a and b. The derived cell is recomputed
// whenever either input is set. The returned stop function detaches it.
func Combine2[A, B, C any](a *Cell[A], b *Cell[B], fn func(A, B) C) (*Cell[C], func()) {
	out := NewCell(fn(a.Get(), b.Get()))
	ua := a.Subscribe(func(av A) { out.Set(fn(av, b.Get())) })
	ub := b.Subscribe(func(bv B) { out.Set(fn(a.Get(), bv)) })
	return out, func() {
		ua()
		ub()
	}
}

// Map derives a cell from a single input.
func Map[A, B any](a *Cell[A], fn func(A) B) (*Cell[B], func()) {
	out := NewCell(fn(a.Get()))
	stop := a.Subscribe(func(av A) { out.Set(fn(av)) })
	return out, stop
}
