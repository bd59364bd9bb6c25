package channel

import (
	"context"
	"fmt"

	"github.com/1ureka/chanmux/internal/protocol"
)

// ClosedError is the rejection of a channel that closed instead of
// becoming ready. It carries the close message.
type ClosedError struct {
	Options protocol.Control
}

func (e *ClosedError) Error() string {
	if p := e.Options.Problem(); p != "" {
		return fmt.Sprintf("channel closed: %s", p)
	}
	return "channel closed"
}

// Problem returns the close problem, "" for a clean close.
func (e *ClosedError) Problem() string { return e.Options.Problem() }

// Future is the outcome of Channel.Wait. It is settled on the event loop
// and may be awaited from any goroutine.
type Future struct {
	done    chan struct{}
	settled bool
	result  protocol.Control
	err     error
	thens   []func(protocol.Control, error)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(v protocol.Control) { f.settle(v, nil) }

func (f *Future) reject(v protocol.Control) { f.settle(nil, &ClosedError{Options: v}) }

func (f *Future) settle(v protocol.Control, err error) {
	if f.settled {
		return
	}
	f.settled = true
	f.result = v
	f.err = err
	close(f.done)

	thens := f.thens
	f.thens = nil
	for _, fn := range thens {
		fn(v, err)
	}
}

// Then runs fn on the loop once the future settles, immediately if it
// already has. Must be called on the loop.
func (f *Future) Then(fn func(protocol.Control, error)) {
	if f.settled {
		fn(f.result, f.err)
		return
	}
	f.thens = append(f.thens, fn)
}

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

// Await blocks until the future settles or ctx ends. It must not be
// called on the loop goroutine, which is what settles it.
func (f *Future) Await(ctx context.Context) (protocol.Control, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
