package relay

import (
	"errors"
	"testing"

	"github.com/1ureka/chanmux/internal/eventloop"
	"github.com/1ureka/chanmux/internal/frame"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/transport"
)

var _ transport.Conn = (*ParentConn)(nil)

type recorder struct {
	opened   int
	messages []string
	closes   int
}

func (r *recorder) events() transport.ConnEvents {
	return transport.ConnEvents{
		OnOpen:    func() { r.opened++ },
		OnMessage: func(m protocol.Message) { r.messages = append(r.messages, string(m.Data)) },
		OnClose:   func(string) { r.closes++ },
	}
}

func setup(t *testing.T) (*eventloop.Loop, *frame.Window, *frame.Window, *ParentConn, *recorder) {
	t.Helper()
	loop := eventloop.New()
	top := frame.NewTop(loop, "https://console.example")
	child := top.Open("mux1:localhost/system")

	conn, err := New(child)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rec := &recorder{}
	conn.Open(rec.events())
	return loop, top, child, conn, rec
}

func TestOpenIsDeferred(t *testing.T) {
	loop, _, _, _, rec := setup(t)
	if rec.opened != 0 {
		t.Fatal("OnOpen fired synchronously")
	}
	loop.RunPending()
	if rec.opened != 1 {
		t.Fatalf("OnOpen fired %d times, want 1", rec.opened)
	}
}

func TestSendReachesParent(t *testing.T) {
	loop, top, child, conn, _ := setup(t)

	var got []frame.MessageEvent
	top.AddMessageListener(func(e frame.MessageEvent) { got = append(got, e) })

	if err := conn.Send(protocol.TextMessage("\n{\"command\":\"init\"}")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	loop.RunPending()

	if len(got) != 1 || got[0].Source != child {
		t.Fatalf("parent events = %+v", got)
	}
}

// TestTrustBoundary verifies that only the parent, with the expected
// origin, can feed the relay.
func TestTrustBoundary(t *testing.T) {
	loop, top, child, _, rec := setup(t)
	sibling := top.Open("mux1:localhost/other")
	foreign := top.OpenWithOrigin("ads", "https://evil.example")

	child.PostMessage(sibling, protocol.TextMessage("1\nfrom sibling"), child.Origin())
	child.PostMessage(foreign, protocol.TextMessage("1\nfrom foreign"), child.Origin())
	child.PostMessage(top, protocol.TextMessage("1\nfrom parent"), child.Origin())
	loop.RunPending()

	if len(rec.messages) != 1 || rec.messages[0] != "1\nfrom parent" {
		t.Fatalf("accepted %v, want only the parent's message", rec.messages)
	}
}

func TestEmptyMessageMeansClosed(t *testing.T) {
	loop, top, child, _, rec := setup(t)
	loop.RunPending()

	child.PostMessage(top, protocol.TextMessage(""), child.Origin())
	child.PostMessage(top, protocol.TextMessage("1\nafter close"), child.Origin())
	loop.RunPending()

	if rec.closes != 1 {
		t.Fatalf("OnClose fired %d times, want 1", rec.closes)
	}
	if len(rec.messages) != 0 {
		t.Errorf("message accepted after close: %v", rec.messages)
	}
}

func TestCloseNotifiesParent(t *testing.T) {
	loop, top, _, conn, rec := setup(t)

	var got []frame.MessageEvent
	top.AddMessageListener(func(e frame.MessageEvent) { got = append(got, e) })

	conn.Close()
	conn.Close()
	loop.RunPending()

	if rec.opened != 0 {
		t.Error("OnOpen fired after an early close")
	}
	if rec.closes != 1 {
		t.Errorf("OnClose fired %d times, want 1", rec.closes)
	}
	if len(got) != 1 || !got[0].Data.IsEmpty() {
		t.Fatalf("parent saw %+v, want one empty post", got)
	}
	if err := conn.Send(protocol.TextMessage("1\nx")); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("Send after close = %v", err)
	}
}

func TestTopWindowHasNoRelay(t *testing.T) {
	top := frame.NewTop(eventloop.New(), "o")
	if _, err := New(top); !errors.Is(err, ErrNoParent) {
		t.Fatalf("New(top) error = %v, want ErrNoParent", err)
	}
}

// TestTransportOverRelay runs a whole handshake through the relay with the
// parent answering like a router would.
func TestTransportOverRelay(t *testing.T) {
	loop := eventloop.New()
	top := frame.NewTop(loop, "https://console.example")
	child := top.Open("mux1:localhost/system")

	top.AddMessageListener(func(e frame.MessageEvent) {
		f, err := protocol.Decode(e.Data)
		if err != nil || f.Control == nil || f.Control.Command() != protocol.CommandInit {
			return
		}
		reply, _ := protocol.EncodeControl(protocol.NewControl(protocol.CommandInit, protocol.Control{
			protocol.FieldVersion: 1,
			protocol.FieldSeed:    "1:1!",
			protocol.FieldHost:    "localhost",
		}))
		e.Source.PostMessage(top, reply, e.Source.Origin())
	})

	m := transport.NewManager(loop, Connector(child), transport.Options{})
	var ready *transport.Transport
	m.Ensure(func(tr *transport.Transport) { ready = tr })
	loop.RunPending()

	if ready == nil {
		t.Fatal("session over relay never became ready")
	}
	if id := ready.NextChannel(); id != "1:1!1" {
		t.Errorf("channel id = %q, want 1:1!1", id)
	}
}
