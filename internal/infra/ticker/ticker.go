// Package ticker runs a callback periodically on an injectable clock.
//
// The period is measured from the end of one run to the start of the next,
// so a slow callback delays the following tick instead of piling up.
package ticker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Ticker owns one periodic callback.
type Ticker struct {
	name   string
	clock  clock.Clock
	period time.Duration
	fn     func()

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a stopped ticker. A nil clock means the wall clock.
func New(name string, clk clock.Clock, period time.Duration, fn func()) *Ticker {
	if clk == nil {
		clk = clock.New()
	}
	return &Ticker{
		name:   name,
		clock:  clk,
		period: period,
		fn:     fn,
	}
}

// Name returns the ticker's name.
func (t *Ticker) Name() string { return t.name }

// Start arms the ticker. Calling Start on a running ticker is a no-op.
func (t *Ticker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	timer := t.clock.Timer(t.period)
	go t.loop(timer, t.stop, t.done)
}

// Stop disarms the ticker and waits for an in-flight run to finish.
func (t *Ticker) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	close(t.stop)
	done := t.done
	t.mu.Unlock()
	<-done
}

// Running reports whether the ticker is armed.
func (t *Ticker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

func (t *Ticker) loop(timer *clock.Timer, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
		}
		select {
		case <-stop:
			return
		default:
		}
		t.fn()
		timer.Reset(t.period)
	}
}
