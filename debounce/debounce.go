// Package debounce decides when a stream of keystrokes should trigger a
// search. A search runs only after the input has been quiet for the delay,
// and a newer input cancels both the pending timer and any search still in
// flight for older input.
package debounce

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Defaults used by New.
const (
	DefaultDelay     = 800 * time.Millisecond
	DefaultMinLength = 3
)

// Func runs a search for text. ctx is cancelled when newer input arrives or
// the controller stops.
type Func func(ctx context.Context, text string)

// Option configures a Controller.
type Option func(*Controller)

// WithDelay sets the quiet period before a search runs.
func WithDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.delay = d
		}
	}
}

// WithMinLength sets the shortest trimmed input, in characters, that
// triggers a search.
func WithMinLength(n int) Option {
	return func(c *Controller) {
		if n >= 0 {
			c.minLength = n
		}
	}
}

// Controller debounces submitted text. It is safe for concurrent use.
type Controller struct {
	delay     time.Duration
	minLength int
	fn        Func

	mu      sync.Mutex
	seq     uint64
	pending string
	timer   *time.Timer
	cancel  context.CancelFunc
	stopped bool
	running sync.WaitGroup
}

// New creates a Controller that calls fn.
func New(fn Func, opts ...Option) *Controller {
	c := &Controller{delay: DefaultDelay, minLength: DefaultMinLength, fn: fn}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Delay returns the configured quiet period.
func (c *Controller) Delay() time.Duration { return c.delay }

// Submit records the latest input. Any pending search is discarded and any
// in-flight search is cancelled; input shorter than the minimum length
// schedules nothing.
func (c *Controller) Submit(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.resetLocked()

	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < c.minLength {
		return
	}
	c.pending = text
	seq := c.seq
	c.timer = time.AfterFunc(c.delay, func() { c.fire(seq) })
}

// resetLocked drops the pending timer and cancels the in-flight search.
func (c *Controller) resetLocked() {
	c.seq++
	c.pending = ""
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) fire(seq uint64) {
	c.mu.Lock()
	if c.stopped || seq != c.seq || c.pending == "" {
		c.mu.Unlock()
		return
	}
	c.run(seq)
}

// run is called with c.mu held and releases it before invoking fn.
func (c *Controller) run(seq uint64) {
	text := c.pending
	c.pending = ""
	c.timer = nil
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running.Add(1)
	c.mu.Unlock()

	defer c.running.Done()
	defer func() {
		c.mu.Lock()
		if c.seq == seq {
			c.cancel = nil
		}
		c.mu.Unlock()
		cancel()
	}()
	c.fn(ctx, text)
}

// Flush runs the pending search immediately in the calling goroutine. It
// does nothing when no search is pending.
func (c *Controller) Flush() {
	c.mu.Lock()
	if c.stopped || c.pending == "" {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.run(c.seq)
}

// Stop discards pending input, cancels the in-flight search and waits for
// it to return. Later submissions are ignored.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.stopped {
		c.resetLocked()
		c.stopped = true
	}
	c.mu.Unlock()
	c.running.Wait()
}

// Wait blocks until the in-flight search, if any, returns.
func (c *Controller) Wait() {
	c.running.Wait()
}
