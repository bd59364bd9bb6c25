package transport

import (
	"github.com/1ureka/chanmux/internal/eventloop"
	"github.com/1ureka/chanmux/internal/protocol"
)

// Conn is the physical connection underneath a Transport: a WebSocket, a
// WebRTC DataChannel, or a relay through the parent frame.
//
// Implementations deliver every event on the event loop and always
// deliver OnOpen asynchronously, never from inside Open.
type Conn interface {
	// Open registers the event callbacks and starts connecting.
	Open(ev ConnEvents)

	// Send transmits one wire unit. It is only called after OnOpen.
	Send(msg protocol.Message) error

	// Close tears the link down. OnClose fires once, from whichever side
	// closed first.
	Close() error
}

// ConnEvents are the callbacks a Conn reports through.
type ConnEvents struct {
	OnOpen    func()
	OnMessage func(protocol.Message)
	// OnClose receives the last known problem, "" when the link closed
	// without one.
	OnClose func(problem string)
}

// Connector creates the physical connection for a new session.
type Connector func(loop *eventloop.Loop) (Conn, error)

// failedConn stands in for a connection that could not even be created.
// It reports a close on the next loop turn so the Transport fails through
// the normal path.
type failedConn struct {
	loop    *eventloop.Loop
	problem string
}

func (c *failedConn) Open(ev ConnEvents) {
	c.loop.Post(func() { ev.OnClose(c.problem) })
}

func (c *failedConn) Send(protocol.Message) error { return ErrNotConnected }
func (c *failedConn) Close() error                { return nil }
