// Package relay lets a session inside an embedded frame use its parent
// frame as the physical connection. The parent's router forwards the raw
// wire units to and from the real link.
package relay

import (
	"errors"

	"github.com/1ureka/chanmux/internal/eventloop"
	"github.com/1ureka/chanmux/internal/frame"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/transport"
)

// ErrNoParent is returned when a top-level window asks for a relay.
var ErrNoParent = errors.New("window has no parent frame")

// ParentConn implements transport.Conn by posting to the parent frame.
// Inbound posts are accepted only from the parent window and only with
// the expected origin; anything else is dropped without a trace.
type ParentConn struct {
	loop   *eventloop.Loop
	self   *frame.Window
	parent *frame.Window
	origin string

	ev     transport.ConnEvents
	remove func()
	closed bool
}

// New returns a relay for self. The expected origin is self's own: the
// parent serves the same application.
func New(self *frame.Window) (*ParentConn, error) {
	if self.Parent() == nil {
		return nil, ErrNoParent
	}
	return &ParentConn{
		loop:   self.Loop(),
		self:   self,
		parent: self.Parent(),
		origin: self.Origin(),
	}, nil
}

// Connector returns a transport.Connector relaying through self's parent.
func Connector(self *frame.Window) transport.Connector {
	return func(*eventloop.Loop) (transport.Conn, error) {
		return New(self)
	}
}

// Open starts listening. The link is usable at once, but OnOpen is still
// deferred to the next loop turn like every other connection.
func (c *ParentConn) Open(ev transport.ConnEvents) {
	c.ev = ev
	c.remove = c.self.AddMessageListener(c.receive)
	c.loop.Post(func() {
		if !c.closed {
			c.ev.OnOpen()
		}
	})
}

func (c *ParentConn) receive(e frame.MessageEvent) {
	if e.Origin != c.origin || e.Source != c.parent {
		return
	}
	if c.closed {
		return
	}

	if e.Data.IsEmpty() {
		c.closed = true
		c.remove()
		c.ev.OnClose("")
		return
	}
	c.ev.OnMessage(e.Data)
}

// Send posts msg to the parent.
func (c *ParentConn) Send(msg protocol.Message) error {
	if c.closed {
		return transport.ErrNotConnected
	}
	c.parent.PostMessage(c.self, msg, c.origin)
	return nil
}

// Close tells the parent with an empty post and reports the close.
func (c *ParentConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.remove != nil {
		c.remove()
	}
	c.parent.PostMessage(c.self, protocol.TextMessage(""), c.origin)
	if c.ev.OnClose != nil {
		c.ev.OnClose("")
	}
	return nil
}
