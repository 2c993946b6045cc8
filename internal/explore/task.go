package explore

import (
	"sync"
	"time"
)

// Debouncer runs the last triggered function once the delay has elapsed
// without a new trigger. It owns its timer; Cancel releases it.
type Debouncer struct {
	delay time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewDebouncer returns a debouncer with the given delay.
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay}
}

// Trigger schedules fn, replacing any pending function.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, fn)
}

// Cancel drops the pending function, if any.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Ticker calls a function on a fixed period from its own goroutine until
// stopped. Calls never overlap: a tick arriving while fn runs is coalesced
// by the underlying time.Ticker.
type Ticker struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// StartTicker starts calling fn every period.
func StartTicker(period time.Duration, fn func(at time.Time)) *Ticker {
	t := &Ticker{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	tk := time.NewTicker(period)
	go func() {
		defer close(t.done)
		defer tk.Stop()
		for {
			select {
			case <-t.stop:
				return
			case at := <-tk.C:
				select {
				case <-t.stop:
					return
				default:
				}
				fn(at)
			}
		}
	}()
	return t
}

// Stop cancels the ticker. It does not wait for a running call to return,
// so it is safe to call from within fn.
func (t *Ticker) Stop() {
	t.once.Do(func() { close(t.stop) })
}

// Done is closed once the ticker goroutine has exited.
func (t *Ticker) Done() <-chan struct{} {
	return t.done
}
