package publisher

import (
	"sync"
	"time"

	"github.com/raulk/clock"

	"github.com/fisaks/mamlink/internal/logging"
)

type pendingCall struct {
	timer *clock.Timer
	gen   uint64
}

// Debouncer runs the last function scheduled for a key once the key has
// been quiet for the given delay.
type Debouncer struct {
	clock clock.Clock

	mu      sync.Mutex
	pending map[string]*pendingCall
	gen     uint64
	stopped bool
}

func NewDebouncer(clk clock.Clock) *Debouncer {
	if clk == nil {
		clk = clock.New()
	}
	return &Debouncer{clock: clk, pending: map[string]*pendingCall{}}
}

// Debounce (re)arms the timer for key. It reports whether a pending call was replaced.
func (d *Debouncer) Debounce(key string, delay time.Duration, fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}

	replaced := false
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		replaced = true
	}

	d.gen++
	gen := d.gen
	p := &pendingCall{gen: gen}
	p.timer = d.clock.AfterFunc(delay, func() { d.fire(key, gen, fn) })
	d.pending[key] = p
	return replaced
}

func (d *Debouncer) fire(key string, gen uint64, fn func()) {
	d.mu.Lock()
	p, ok := d.pending[key]
	// a newer Debounce won the race against Stop
	if !ok || p.gen != gen || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logging.Error("Debounced call panicked", "key", key, "panic", r)
		}
	}()
	fn()
}

func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// Stop drops every pending call. Calls already running are not waited for.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
}
