// Package tunnel forwards local TCP connections through channels. Each
// accepted connection opens a "stream" channel and the bridge connects it
// to the target address.
package tunnel

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/1ureka/chanmux/internal/channel"
	"github.com/1ureka/chanmux/internal/eventloop"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/transport"
	"github.com/1ureka/chanmux/internal/util"
)

// Tuning constants.
const (
	MaxPayloadSize  = 16 * 1024 // bytes per data message read from TCP
	InboxBufferSize = 256       // per-connection queue of writes to TCP
)

// Target is the address the bridge connects each stream to.
type Target struct {
	Address string
	Port    int
}

// Options returns the open options of a stream channel to t.
func (t Target) Options() channel.Options {
	return channel.Options{
		protocol.FieldPayload: "stream",
		protocol.FieldAddress: t.Address,
		protocol.FieldPort:    t.Port,
		protocol.FieldBinary:  true,
	}
}

// Handle bridges one TCP connection over a new channel until either side
// ends. A nil entry in the inbox means the bridge is done writing.
func Handle(parentCtx context.Context, conn net.Conn, m *transport.Manager, target Target) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	defer conn.Close()

	loop := m.Loop()
	inbox := make(chan []byte, InboxBufferSize)

	var ch *channel.Channel
	err := loop.Do(ctx, func() {
		var err error
		ch, err = channel.Open(m, target.Options())
		if err != nil {
			util.LogError("failed to open stream channel: %v", err)
			return
		}
		enqueue := func(p []byte) {
			select {
			case inbox <- p:
			default:
				util.LogWarning("%s: inbox full, closing", ch)
				ch.Close(protocol.ProblemInternalError, nil)
			}
		}
		ch.OnMessage(func(p []byte) { enqueue(append([]byte{}, p...)) })
		ch.OnDone(func(protocol.Control) { enqueue(nil) })
		ch.OnClose(func(ctrl protocol.Control) {
			if p := ctrl.Problem(); p != "" {
				util.LogWarning("%s closed: %s", ch, p)
			}
			cancel()
		})
	})
	if err != nil || ch == nil {
		return
	}
	util.LogDebug("%s: forwarding %s", ch, conn.RemoteAddr())

	go tcpToChannel(ctx, conn, loop, ch)

	for {
		select {
		case p := <-inbox:
			if !writeTCP(conn, p) {
				loop.Post(func() { ch.Close(protocol.ProblemDisconnected, nil) })
				return
			}
		case <-ctx.Done():
			// Deliver what arrived before the close.
			for {
				select {
				case p := <-inbox:
					if !writeTCP(conn, p) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func writeTCP(conn net.Conn, p []byte) bool {
	if p == nil {
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.CloseWrite()
		}
		return true
	}
	if _, err := conn.Write(p); err != nil {
		util.LogWarning("TCP write error: %v", err)
		return false
	}
	return true
}

// tcpToChannel sends everything read from conn on ch. EOF becomes done;
// the channel stays open until the bridge closes it.
func tcpToChannel(ctx context.Context, conn net.Conn, loop *eventloop.Loop, ch *channel.Channel) {
	buf := make([]byte, MaxPayloadSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if loop.Do(ctx, func() { ch.Send(payload) }) != nil {
				return
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				loop.Do(ctx, func() { ch.Done() })
				return
			}
			util.LogWarning("TCP read error: %v", err)
			loop.Do(ctx, func() { ch.Close(protocol.ProblemDisconnected, nil) })
			return
		}
	}
}
