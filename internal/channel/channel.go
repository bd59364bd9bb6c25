// Package channel implements one logical, bidirectional, ordered message
// stream over a shared transport session.
//
// A Channel may be created and written to before the session is ready:
// controls and data are queued and flushed in order right after the
// "open" message. All methods must be called on the session's event loop.
package channel

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/transport"
	"github.com/1ureka/chanmux/internal/util"
)

var (
	// ErrReservedOption is returned by Open when options set "command" or
	// "channel".
	ErrReservedOption = errors.New("reserved channel option")

	// ErrClosed is returned when sending on a closed channel.
	ErrClosed = errors.New("channel is closed")

	// ErrDoneSent is returned when sending after done.
	ErrDoneSent = errors.New("channel already sent done")

	// ErrInvalidText is returned when a text channel is given bytes that are
	// not valid UTF-8.
	ErrInvalidText = errors.New("text channel payload is not valid UTF-8")
)

// Options are the fields of the "open" message. "command" and "channel"
// are set by the channel itself.
type Options = protocol.Control

// State is the lifecycle position of a Channel.
type State int

const (
	StatePending  State = iota // waiting for the session
	StateOpening               // open sent, no ready yet
	StateOpen                  // ready received
	StateDoneSent              // local side finished writing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateDoneSent:
		return "done-sent"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// queued is a control or data item written before the session was ready.
type queued struct {
	control protocol.Control
	payload []byte
}

// Channel is one logical stream.
type Channel struct {
	tr      *transport.Transport
	id      string
	options protocol.Control
	binary  bool
	state   State
	queue   []queued

	readyMsg     protocol.Control
	closeMsg     protocol.Control
	receivedDone bool
	waiting      *Future

	onMessage listeners[[]byte]
	onControl listeners[protocol.Control]
	onReady   listeners[protocol.Control]
	onDone    listeners[protocol.Control]
	onClose   listeners[protocol.Control]
}

// Open creates a channel on the manager's session, creating the session if
// needed. The open message goes out as soon as the session is ready, which
// may be before Open returns.
func Open(m *transport.Manager, options Options) (*Channel, error) {
	for _, key := range []string{protocol.FieldCommand, protocol.FieldChannel} {
		if options.Has(key) {
			return nil, fmt.Errorf("%w: %q", ErrReservedOption, key)
		}
	}

	c := &Channel{options: options.Clone()}
	switch options[protocol.FieldBinary] {
	case true, "raw":
		c.binary = true
	}

	util.Stats.AddOpen()
	m.Ensure(c.attach)
	return c, nil
}

func (c *Channel) attach(tr *transport.Transport) {
	c.tr = tr
	if c.state == StateClosed {
		return
	}

	c.id = tr.NextChannel()
	tr.Register(c.id, transport.Registration{
		Control: c.receiveControl,
		Message: c.receiveMessage,
	})

	cmd := protocol.NewControl(protocol.CommandOpen, c.options)
	cmd[protocol.FieldChannel] = c.id
	if !cmd.Has(protocol.FieldHost) && tr.Host() != "" {
		cmd[protocol.FieldHost] = tr.Host()
	}
	cmd[protocol.FieldFlowControl] = true
	if c.binary {
		cmd[protocol.FieldBinary] = "raw"
	} else {
		delete(cmd, protocol.FieldBinary)
	}

	if c.state == StatePending {
		c.state = StateOpening
	}
	util.LogDebug("channel %s opening", c.id)
	tr.SendControl(cmd)

	queue := c.queue
	c.queue = nil
	for _, item := range queue {
		if c.state == StateClosed {
			return
		}
		if item.control != nil {
			item.control[protocol.FieldChannel] = c.id
			tr.SendControl(item.control)
		} else {
			tr.SendMessage(c.id, item.payload, c.binary)
		}
	}
}

// ID returns the channel id, "" until the session is ready.
func (c *Channel) ID() string { return c.id }

// State returns the lifecycle state.
func (c *Channel) State() State { return c.state }

// Binary reports whether the channel carries binary payloads.
func (c *Channel) Binary() bool { return c.binary }

// Options returns a copy of the options the channel was opened with.
func (c *Channel) Options() protocol.Control { return c.options.Clone() }

// Valid reports whether the channel can still be written to.
func (c *Channel) Valid() bool { return c.state != StateClosed && c.state != StateDoneSent }

func (c *Channel) String() string {
	host := c.options.String(protocol.FieldHost)
	if host == "" && c.tr != nil {
		host = c.tr.Host()
	}
	if host == "" {
		host = "localhost"
	}
	id := c.id
	if id == "" {
		id = "pending"
	}
	return fmt.Sprintf("[Channel %s -> %s]", id, host)
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// Send writes one payload. Text channels only accept valid UTF-8.
func (c *Channel) Send(data []byte) error {
	switch c.state {
	case StateClosed:
		util.LogWarning("sending message on closed channel %s", c)
		return ErrClosed
	case StateDoneSent:
		util.LogWarning("sending message on channel %s after done", c)
		return ErrDoneSent
	}
	if !c.binary && !utf8.Valid(data) {
		return ErrInvalidText
	}

	if c.state == StatePending {
		c.queue = append(c.queue, queued{payload: append([]byte(nil), data...)})
		return nil
	}
	c.tr.SendMessage(c.id, data, c.binary)
	return nil
}

// SendText writes one text payload.
func (c *Channel) SendText(s string) error { return c.Send([]byte(s)) }

// SendControl writes a control message for this channel. The command
// defaults to "options"; "close" behaves like Close.
func (c *Channel) SendControl(ctrl protocol.Control) error {
	ctrl = ctrl.Clone()
	if ctrl.Command() == "" {
		ctrl[protocol.FieldCommand] = protocol.CommandOptions
	}

	switch ctrl.Command() {
	case protocol.CommandClose:
		c.close(ctrl)
		return nil
	case protocol.CommandDone:
		if c.state == StateDoneSent {
			return ErrDoneSent
		}
	}
	if c.state == StateClosed {
		util.LogWarning("sending %s control on closed channel %s", ctrl.Command(), c)
		return ErrClosed
	}

	if ctrl.Command() == protocol.CommandDone {
		c.state = StateDoneSent
	}

	if c.tr == nil || c.id == "" {
		c.queue = append(c.queue, queued{control: ctrl})
		return nil
	}
	ctrl[protocol.FieldChannel] = c.id
	c.tr.SendControl(ctrl)
	return nil
}

// Done tells the peer this side will write no more data.
func (c *Channel) Done() error {
	return c.SendControl(protocol.Control{protocol.FieldCommand: protocol.CommandDone})
}

// Close closes the channel with problem ("" for a clean close) and any
// extra fields. Close listeners run before Close returns with the same
// message a remote close would deliver. Closing twice is a no-op.
func (c *Channel) Close(problem string, extra protocol.Control) {
	ctrl := extra.Clone()
	if problem != "" {
		ctrl[protocol.FieldProblem] = problem
	}
	ctrl[protocol.FieldCommand] = protocol.CommandClose
	c.close(ctrl)
}

func (c *Channel) close(ctrl protocol.Control) {
	if c.state == StateClosed {
		return
	}
	if c.id != "" {
		ctrl[protocol.FieldChannel] = c.id
		if c.tr != nil {
			c.tr.SendControl(ctrl)
		}
	}
	c.closed(ctrl)
}

// ---------------------------------------------------------------------------
// Receiving
// ---------------------------------------------------------------------------

func (c *Channel) receiveControl(ctrl protocol.Control) {
	if c.state == StateClosed {
		return
	}

	switch ctrl.Command() {
	case protocol.CommandClose:
		c.closed(ctrl)
		return

	case protocol.CommandReady:
		if c.readyMsg != nil {
			c.protocolError("received two ready commands")
			return
		}
		c.readyMsg = ctrl
		if c.state == StateOpening {
			c.state = StateOpen
		}
		if c.waiting != nil {
			c.waiting.resolve(ctrl)
		}
		c.onReady.emit(ctrl)

	case protocol.CommandDone:
		if c.receivedDone {
			c.protocolError("received two done commands")
			return
		}
		c.receivedDone = true
		c.onDone.emit(ctrl)
	}

	if c.state != StateClosed {
		c.onControl.emit(ctrl)
	}
}

func (c *Channel) receiveMessage(payload []byte, binary bool) {
	if c.state == StateClosed {
		return
	}
	if c.receivedDone {
		c.protocolError("received message after done")
		return
	}
	if binary != c.binary {
		c.protocolError("received message in wrong mode")
		return
	}
	c.onMessage.emit(payload)
}

func (c *Channel) protocolError(msg string) {
	util.LogError("%s: %s", c, msg)
	c.Close(protocol.ProblemProtocolError, nil)
}

func (c *Channel) closed(ctrl protocol.Control) {
	c.state = StateClosed
	c.closeMsg = ctrl
	c.queue = nil
	if c.tr != nil && c.id != "" {
		c.tr.Unregister(c.id)
	}
	util.Stats.AddClose()

	if msg := ctrl.String(protocol.FieldMessage); msg != "" {
		util.LogWarning("%s: %s", c, msg)
	}
	util.LogDebug("%s closed: %s", c, ctrl.Problem())

	if c.waiting != nil {
		c.waiting.reject(ctrl)
	}
	c.onClose.emit(ctrl)
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// Wait returns a future resolved with the ready message, or rejected with
// a *ClosedError if the channel closes first. A channel that already
// became ready or closed yields a settled future.
func (c *Channel) Wait() *Future {
	if c.waiting == nil {
		c.waiting = newFuture()
		switch {
		case c.readyMsg != nil:
			c.waiting.resolve(c.readyMsg)
		case c.closeMsg != nil:
			c.waiting.reject(c.closeMsg)
		}
	}
	return c.waiting
}

// OnMessage subscribes to inbound payloads. The slice must not be retained
// past the call.
func (c *Channel) OnMessage(fn func([]byte)) (remove func()) { return c.onMessage.add(fn) }

// OnControl subscribes to every inbound control message except close.
func (c *Channel) OnControl(fn func(protocol.Control)) (remove func()) { return c.onControl.add(fn) }

// OnReady subscribes to the peer's ready message.
func (c *Channel) OnReady(fn func(protocol.Control)) (remove func()) { return c.onReady.add(fn) }

// OnDone subscribes to the peer's done message.
func (c *Channel) OnDone(fn func(protocol.Control)) (remove func()) { return c.onDone.add(fn) }

// OnClose subscribes to the close message, local or remote.
func (c *Channel) OnClose(fn func(protocol.Control)) (remove func()) { return c.onClose.add(fn) }
