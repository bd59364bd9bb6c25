// Package eventloop serializes all protocol state changes onto a single
// goroutine. Transport, Channel, Router and frame windows never lock;
// connection goroutines and timers Post closures here instead.
package eventloop

import (
	"context"
	"sync"
	"time"
)

// Loop is an unbounded FIFO of closures executed one at a time.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New creates an idle loop. Nothing runs until Run or RunPending is called.
func New() *Loop {
	return &Loop{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Post enqueues fn. It never blocks and may be called from any goroutine,
// including from inside a closure already running on the loop; the new
// closure then runs after the current one returns.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop and waits for it to finish. It must not be
// called from the loop goroutine itself.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})

	select {
	case <-done:
		return nil
	case <-l.stopped:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunPending runs queued closures until the queue is empty, including
// closures they post. It returns the number executed. Tests use it to
// drive the loop deterministically from the test goroutine.
func (l *Loop) RunPending() int {
	n := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return n
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
		n++
	}
}

// Run executes closures as they arrive until ctx is cancelled. Closures
// still queued at that point are discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() { close(l.stopped) })

	for {
		l.RunPending()

		select {
		case <-l.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stopped returns a channel closed once Run has returned.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

// Every posts fn onto the loop at each interval until the returned stop
// function is called. Ticks that fire while a previous fn is still queued
// are not coalesced.
func (l *Loop) Every(interval time.Duration, fn func()) (stop func()) {
	ticker := time.NewTicker(interval)
	quit := make(chan struct{})
	var once sync.Once

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Post(fn)
			case <-quit:
				return
			case <-l.stopped:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(quit) }) }
}

// After posts fn onto the loop once d has elapsed, unless the returned
// stop function is called first.
func (l *Loop) After(d time.Duration, fn func()) (stop func()) {
	var (
		mu        sync.Mutex
		cancelled bool
	)
	timer := time.AfterFunc(d, func() {
		l.Post(func() {
			mu.Lock()
			c := cancelled
			mu.Unlock()
			if !c {
				fn()
			}
		})
	})

	return func() {
		mu.Lock()
		cancelled = true
		mu.Unlock()
		timer.Stop()
	}
}
