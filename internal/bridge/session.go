package bridge

import (
	"context"

	"github.com/1ureka/chanmux/internal/eventloop"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/transport"
	"github.com/1ureka/chanmux/internal/util"
)

// Payload kinds the bridge serves.
const (
	PayloadEcho   = "echo"
	PayloadNull   = "null"
	PayloadStream = "stream"
)

// peerChannel is one channel the client opened.
type peerChannel struct {
	id      string
	payload string
	group   string
	binary  bool
	stream  *stream
}

// session is the bridge side of one connection. It lives on its own loop.
type session struct {
	conn   transport.Conn
	loop   *eventloop.Loop
	seed   string
	host   string
	cancel context.CancelFunc

	inited   bool
	closed   bool
	channels map[string]*peerChannel
}

func newSession(loop *eventloop.Loop, conn transport.Conn, seed, host string, cancel context.CancelFunc) *session {
	return &session{
		conn:     conn,
		loop:     loop,
		seed:     seed,
		host:     host,
		cancel:   cancel,
		channels: make(map[string]*peerChannel),
	}
}

func (s *session) open() {
	s.conn.Open(transport.ConnEvents{
		OnOpen:    s.start,
		OnMessage: s.handle,
		OnClose:   s.connClosed,
	})
}

func (s *session) start() {
	s.send(protocol.NewControl(protocol.CommandInit, protocol.Control{
		protocol.FieldVersion: protocol.Version,
		protocol.FieldSeed:    s.seed,
		protocol.FieldHost:    s.host,
	}))
}

func (s *session) handle(msg protocol.Message) {
	if s.closed {
		return
	}

	f, err := protocol.Decode(msg)
	if err != nil {
		util.LogWarning("bridge: dropping malformed message: %v", err)
		return
	}

	if f.Control == nil {
		if !s.inited {
			s.shutdown(protocol.ProblemProtocolError)
			return
		}
		s.data(f)
		return
	}

	ctrl := f.Control
	if !s.inited {
		switch {
		case ctrl.Command() != protocol.CommandInit:
			util.LogError("bridge: received %q before init", ctrl.Command())
			s.shutdown(protocol.ProblemProtocolError)
		case ctrl.Problem() != "":
			s.shutdown("")
		default:
			if v, ok := ctrl.Int(protocol.FieldVersion); !ok || v != protocol.Version {
				s.shutdown(protocol.ProblemNotSupported)
				return
			}
			s.inited = true
		}
		return
	}

	id := ctrl.String(protocol.FieldChannel)
	switch ctrl.Command() {
	case protocol.CommandInit:
		util.LogError("bridge: received duplicate init")
		s.shutdown(protocol.ProblemProtocolError)
	case protocol.CommandPing:
		s.send(protocol.NewControl(protocol.CommandPong, nil))
	case protocol.CommandOpen:
		s.openChannel(id, ctrl)
	case protocol.CommandDone:
		s.done(id)
	case protocol.CommandClose:
		if ch := s.channels[id]; ch != nil {
			s.drop(ch)
		} else if id == "" {
			s.shutdown("")
		}
	case protocol.CommandKill:
		s.kill(ctrl.String(protocol.FieldGroup))
	case protocol.CommandLogout:
		s.kill("")
		if ctrl.Bool(protocol.FieldDisconnect) {
			s.shutdown(protocol.ProblemTerminated)
		}
	default:
		util.LogDebug("bridge: ignoring %q", ctrl.Command())
	}
}

func (s *session) openChannel(id string, ctrl protocol.Control) {
	if id == "" {
		util.LogWarning("bridge: open without a channel")
		return
	}
	if s.channels[id] != nil {
		s.closeChannel(id, protocol.ProblemProtocolError)
		s.drop(s.channels[id])
		return
	}

	ch := &peerChannel{
		id:      id,
		payload: ctrl.String(protocol.FieldPayload),
		group:   ctrl.String(protocol.FieldGroup),
		binary:  ctrl.String(protocol.FieldBinary) == "raw",
	}

	switch ch.payload {
	case PayloadEcho, PayloadNull:
		s.channels[id] = ch
		s.ready(id)
	case PayloadStream:
		s.channels[id] = ch
		s.openStream(ch, ctrl)
	default:
		s.closeChannel(id, protocol.ProblemNotSupported)
	}
}

func (s *session) data(f protocol.Frame) {
	ch := s.channels[f.Channel]
	if ch == nil {
		util.LogDebug("bridge: data for unknown channel %s", f.Channel)
		return
	}
	switch ch.payload {
	case PayloadEcho:
		s.sendData(ch.id, f.Payload, f.Binary)
	case PayloadStream:
		ch.stream.write(f.Payload)
	}
}

func (s *session) done(id string) {
	ch := s.channels[id]
	if ch == nil {
		return
	}
	if ch.payload == PayloadStream {
		ch.stream.write(nil)
		return
	}
	s.send(protocol.NewControl(protocol.CommandDone, protocol.Control{protocol.FieldChannel: id}))
	s.closeChannel(id, "")
	s.drop(ch)
}

// kill closes every channel of group, or every channel when group is "".
func (s *session) kill(group string) {
	for id, ch := range s.channels {
		if group == "" || ch.group == group {
			s.closeChannel(id, protocol.ProblemTerminated)
			s.drop(ch)
		}
	}
}

func (s *session) ready(id string) {
	s.send(protocol.NewControl(protocol.CommandReady, protocol.Control{protocol.FieldChannel: id}))
}

func (s *session) closeChannel(id, problem string) {
	ctrl := protocol.NewControl(protocol.CommandClose, protocol.Control{protocol.FieldChannel: id})
	if problem != "" {
		ctrl[protocol.FieldProblem] = problem
	}
	s.send(ctrl)
}

func (s *session) drop(ch *peerChannel) {
	if ch.stream != nil {
		ch.stream.stop()
	}
	delete(s.channels, ch.id)
}

// shutdown ends the session with a channel-less close.
func (s *session) shutdown(problem string) {
	if s.closed {
		return
	}
	ctrl := protocol.NewControl(protocol.CommandClose, nil)
	if problem != "" {
		ctrl[protocol.FieldProblem] = problem
	}
	s.send(ctrl)
	if err := s.conn.Close(); err != nil {
		util.LogDebug("bridge: closing connection: %v", err)
	}
}

func (s *session) connClosed(problem string) {
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.channels {
		s.drop(ch)
	}
	util.LogDebug("bridge: session %s closed: %s", s.seed, problem)
	s.cancel()
}

func (s *session) send(ctrl protocol.Control) {
	msg, err := protocol.EncodeControl(ctrl)
	if err != nil {
		util.LogError("bridge: %v", err)
		return
	}
	if err := s.conn.Send(msg); err != nil {
		util.LogDebug("bridge: send failed: %v", err)
	}
}

func (s *session) sendData(id string, payload []byte, binary bool) {
	msg := protocol.Encode(protocol.Frame{Channel: id, Payload: payload, Binary: binary})
	if err := s.conn.Send(msg); err != nil {
		util.LogDebug("bridge: send failed: %v", err)
	}
}
