package app

import (
	"context"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/1ureka/chanmux/internal/channel"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/transport"
	"github.com/1ureka/chanmux/internal/tunnel"
	"github.com/1ureka/chanmux/internal/util"
)

const (
	pipeChunkSize = 16 * 1024
	pipeInboxSize = 256
)

// RunPipe orchestrates a single-channel session:
//  1. Open a channel with options and wait for ready
//  2. Copy in to the channel, sending done at EOF
//  3. Copy channel messages to out
//  4. Return once the channel closes or ctx is cancelled
//
// A close with a problem is returned as a *channel.ClosedError.
func RunPipe(ctx context.Context, m *transport.Manager, options channel.Options, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loop := m.Loop()
	inbox := make(chan []byte, pipeInboxSize)
	closes := make(chan protocol.Control, 1)

	// ── 1. Open ────────────────────────────────────────────────────────
	var ch *channel.Channel
	var ready *channel.Future
	var openErr error
	var binary bool
	err := loop.Do(ctx, func() {
		ch, openErr = channel.Open(m, options)
		if openErr != nil {
			return
		}
		ch.OnMessage(func(p []byte) {
			select {
			case inbox <- append([]byte(nil), p...):
			default:
				util.LogWarning("%s: output is not keeping up, closing", ch)
				ch.Close(protocol.ProblemInternalError, nil)
			}
		})
		ch.OnClose(func(ctrl protocol.Control) { closes <- ctrl })
		ready = ch.Wait()
		binary = ch.Binary()
	})
	if err != nil {
		return err
	}
	if openErr != nil {
		return openErr
	}
	if _, err := ready.Await(ctx); err != nil {
		loop.Post(func() { ch.Close("", nil) })
		return err
	}
	util.LogSuccess("%s ready", ch)

	// ── 2. Input ───────────────────────────────────────────────────────
	go pumpInput(ctx, in, m, ch, binary)

	// ── 3. Output ──────────────────────────────────────────────────────
	for {
		select {
		case p := <-inbox:
			if _, err := out.Write(p); err != nil {
				loop.Post(func() { ch.Close(protocol.ProblemDisconnected, nil) })
				return err
			}

		case ctrl := <-closes:
			for {
				select {
				case p := <-inbox:
					if _, err := out.Write(p); err != nil {
						return err
					}
				default:
					if ctrl.Problem() != "" {
						return &channel.ClosedError{Options: ctrl}
					}
					return nil
				}
			}

		case <-ctx.Done():
			_ = loop.Do(context.Background(), func() { ch.Close("", nil) })
			return nil
		}
	}
}

// pumpInput sends in to ch until EOF, then sends done. On a text channel a
// character cut off by a read is held back and sent with the next one.
// A payload the channel refuses closes it.
func pumpInput(ctx context.Context, in io.Reader, m *transport.Manager, ch *channel.Channel, binary bool) {
	loop := m.Loop()
	buf := make([]byte, pipeChunkSize)
	var carry []byte

	send := func(payload []byte) bool {
		var sendErr error
		if loop.Do(ctx, func() {
			if sendErr = ch.Send(payload); sendErr != nil {
				util.LogError("%s: refusing input: %v", ch, sendErr)
				ch.Close(protocol.ProblemInternalError, nil)
			}
		}) != nil {
			return false
		}
		return sendErr == nil
	}

	for {
		n, err := in.Read(buf)
		if n > 0 {
			payload := append(carry, buf[:n]...)
			carry = nil
			if !binary {
				payload, carry = completeRunes(payload)
				carry = append([]byte(nil), carry...)
			}
			if len(payload) > 0 && !send(payload) {
				return
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				util.LogWarning("input error: %v", err)
			}
			if len(carry) > 0 && !send(carry) {
				return
			}
			_ = loop.Do(ctx, func() { ch.Done() })
			return
		}
	}
}

// completeRunes splits p after its last complete UTF-8 sequence. rest is
// the start of a sequence that p cuts off, at most utf8.UTFMax-1 bytes.
func completeRunes(p []byte) (whole, rest []byte) {
	for i := len(p) - 1; i >= 0 && i > len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if utf8.FullRune(p[i:]) {
				return p, nil
			}
			return p[:i], p[i:]
		}
	}
	return p, nil
}

// RunForward serves a local TCP listener whose connections are relayed to
// target by the bridge. It blocks until ctx is cancelled.
func RunForward(ctx context.Context, m *transport.Manager, listen string, target tunnel.Target) error {
	m.Loop().Post(func() {
		m.Ensure(func(tr *transport.Transport) {
			util.LogSuccess("session ready (host %s, seed %s)", tr.Host(), tr.Seed())
		})
	})
	return tunnel.ListenAndServe(ctx, listen, m, target)
}
