package router

import (
	"testing"

	"github.com/1ureka/chanmux/internal/channel"
	"github.com/1ureka/chanmux/internal/eventloop"
	"github.com/1ureka/chanmux/internal/frame"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/relay"
	"github.com/1ureka/chanmux/internal/transport"
)

const origin = "https://console.example"

// fakeConn is the physical link of the top-level session, standing in
// for the bridge.
type fakeConn struct {
	ev     transport.ConnEvents
	sent   []protocol.Message
	closed bool
}

func (c *fakeConn) Open(ev transport.ConnEvents) { c.ev = ev }

func (c *fakeConn) Send(msg protocol.Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConn) last(t *testing.T) protocol.Frame {
	t.Helper()
	if len(c.sent) == 0 {
		t.Fatal("nothing sent to the bridge")
	}
	f, err := protocol.Decode(c.sent[len(c.sent)-1])
	if err != nil {
		t.Fatalf("sent malformed message: %v", err)
	}
	return f
}

func (c *fakeConn) control(t *testing.T, ctrl protocol.Control) {
	t.Helper()
	msg, err := protocol.EncodeControl(ctrl)
	if err != nil {
		t.Fatalf("EncodeControl failed: %v", err)
	}
	c.ev.OnMessage(msg)
}

type env struct {
	t      *testing.T
	loop   *eventloop.Loop
	top    *frame.Window
	bridge *fakeConn
	router *Router
}

// newEnv returns a started router over a ready top-level session with
// seed "1:".
func newEnv(t *testing.T) *env {
	t.Helper()
	loop := eventloop.New()
	top := frame.NewTop(loop, origin)
	conn := &fakeConn{}
	m := transport.NewManager(loop, func(*eventloop.Loop) (transport.Conn, error) {
		return conn, nil
	}, transport.Options{})

	r := New(top, m)
	r.Start(nil)
	r.transport()
	conn.ev.OnOpen()
	conn.control(t, protocol.NewControl(protocol.CommandInit, protocol.Control{
		protocol.FieldVersion: 1,
		protocol.FieldSeed:    "1:",
		protocol.FieldHost:    "localhost",
	}))

	return &env{t: t, loop: loop, top: top, bridge: conn, router: r}
}

// child embeds a frame whose sessions relay through the top window.
func (e *env) child(name string) (*frame.Window, *transport.Manager) {
	win := e.top.Open(name)
	return win, transport.NewManager(e.loop, relay.Connector(win), transport.Options{})
}

// registered embeds a frame and completes its handshake.
func (e *env) registered(name string) (*frame.Window, *transport.Manager) {
	e.t.Helper()
	win, m := e.child(name)
	m.Transport()
	e.loop.RunPending()
	if _, ok := e.router.Seed(name); !ok {
		e.t.Fatalf("frame %s not registered", name)
	}
	return win, m
}

// hints collects the "hidden" hints posted to win.
func hints(win *frame.Window) *[]bool {
	var got []bool
	win.AddMessageListener(func(ev frame.MessageEvent) {
		f, err := protocol.Decode(ev.Data)
		if err == nil && f.Control.Command() == protocol.CommandHint && f.Control.Has(protocol.FieldHidden) {
			got = append(got, f.Control.Bool(protocol.FieldHidden))
		}
	})
	return &got
}

func TestNestedChannelRoundTrip(t *testing.T) {
	e := newEnv(t)
	win, m := e.child("mux1:server2/system/services")

	ch, err := channel.Open(m, channel.Options{protocol.FieldPayload: "echo"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	var got []string
	ch.OnMessage(func(p []byte) { got = append(got, string(p)) })
	e.loop.RunPending()

	if ch.ID() != "1:1!1" {
		t.Fatalf("nested channel id = %q, want 1:1!1", ch.ID())
	}
	open := e.bridge.last(t).Control
	if open.Command() != protocol.CommandOpen {
		t.Fatalf("bridge got %v, want open", open)
	}
	if open.String(protocol.FieldGroup) != win.Name() {
		t.Errorf("open group = %v, want frame name", open[protocol.FieldGroup])
	}
	if open.String(protocol.FieldHost) != "server2" {
		t.Errorf("open host = %v, want server2 from the frame name", open[protocol.FieldHost])
	}

	e.bridge.control(t, protocol.NewControl(protocol.CommandReady, protocol.Control{protocol.FieldChannel: "1:1!1"}))
	e.bridge.ev.OnMessage(protocol.TextMessage("1:1!1\nhello"))
	e.loop.RunPending()

	if ch.State() != channel.StateOpen {
		t.Errorf("state = %s, want open", ch.State())
	}
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("child received %q, want [hello]", got)
	}

	ch.SendText("back")
	e.loop.RunPending()
	if f := e.bridge.last(t); f.Channel != "1:1!1" || string(f.Payload) != "back" {
		t.Errorf("bridge got %q/%q, want 1:1!1/back", f.Channel, f.Payload)
	}
}

func TestBinaryFromFrame(t *testing.T) {
	e := newEnv(t)
	_, m := e.child("mux1:localhost/raw")
	ch, _ := channel.Open(m, channel.Options{protocol.FieldBinary: true})
	e.loop.RunPending()

	ch.Send([]byte{0, 1, 2})
	e.loop.RunPending()

	f := e.bridge.last(t)
	if !f.Binary || f.Channel != "1:1!1" || len(f.Payload) != 3 {
		t.Errorf("bridge got %+v, want binary frame for 1:1!1", f)
	}
}

func TestSeedsNeverReused(t *testing.T) {
	e := newEnv(t)
	a, _ := e.registered("mux1:localhost/a")
	e.registered("mux1:localhost/b")

	if s, _ := e.router.Seed("mux1:localhost/a"); s != "1:1!" {
		t.Errorf("seed a = %q, want 1:1!", s)
	}
	if s, _ := e.router.Seed("mux1:localhost/b"); s != "1:2!" {
		t.Errorf("seed b = %q, want 1:2!", s)
	}

	a.Close()
	if _, ok := e.router.Seed("mux1:localhost/a"); ok {
		t.Fatal("closed frame still registered")
	}

	e.registered("mux1:localhost/c")
	if s, _ := e.router.Seed("mux1:localhost/c"); s != "1:3!" {
		t.Errorf("seed c = %q, want 1:3!", s)
	}
}

func TestFallbackSeed(t *testing.T) {
	loop := eventloop.New()
	top := frame.NewTop(loop, origin)
	conn := &fakeConn{}
	m := transport.NewManager(loop, func(*eventloop.Loop) (transport.Conn, error) { return conn, nil }, transport.Options{})
	r := New(top, m)
	r.Start(nil)

	win := top.Open("mux1:localhost/a")
	transport.NewManager(loop, relay.Connector(win), transport.Options{}).Transport()
	loop.RunPending()

	if _, ok := r.Seed(win.Name()); ok {
		t.Fatal("registered before the top-level session was ready")
	}

	conn.ev.OnOpen()
	conn.control(t, protocol.NewControl(protocol.CommandInit, protocol.Control{protocol.FieldVersion: 1}))
	loop.RunPending()

	if s, _ := r.Seed(win.Name()); s != "0:1!" {
		t.Errorf("seed = %q, want 0:1!", s)
	}
}

func TestTeardownClosesOpenChannels(t *testing.T) {
	e := newEnv(t)
	win, m := e.child("mux1:localhost/system")
	first, _ := channel.Open(m, nil)
	second, _ := channel.Open(m, nil)
	e.loop.RunPending()

	e.bridge.control(t, protocol.NewControl(protocol.CommandClose, protocol.Control{protocol.FieldChannel: first.ID()}))
	e.loop.RunPending()

	before := len(e.bridge.sent)
	win.Navigate("about:blank")

	var ctrls []protocol.Control
	for _, msg := range e.bridge.sent[before:] {
		f, err := protocol.Decode(msg)
		if err != nil {
			t.Fatalf("sent malformed message: %v", err)
		}
		ctrls = append(ctrls, f.Control)
	}
	if len(ctrls) != 2 {
		t.Fatalf("teardown sent %v, want close and kill", ctrls)
	}
	if ctrls[0].Command() != protocol.CommandClose ||
		ctrls[0].String(protocol.FieldChannel) != second.ID() ||
		ctrls[0].Problem() != protocol.ProblemDisconnected {
		t.Errorf("first teardown message = %v, want close %s disconnected", ctrls[0], second.ID())
	}
	if ctrls[1].Command() != protocol.CommandKill || ctrls[1].String(protocol.FieldGroup) != "mux1:localhost/system" {
		t.Errorf("second teardown message = %v, want kill for the frame group", ctrls[1])
	}
}

func TestFrameSessionCloseUnregisters(t *testing.T) {
	e := newEnv(t)
	_, m := e.registered("mux1:localhost/a")

	m.Close("")
	e.loop.RunPending()

	if len(e.router.Frames()) != 0 {
		t.Fatalf("frames = %v after the frame closed its session", e.router.Frames())
	}
	if f := e.bridge.last(t); f.Control.Command() != protocol.CommandKill {
		t.Errorf("bridge got %v, want kill", f.Control)
	}
}

func TestControlBroadcast(t *testing.T) {
	e := newEnv(t)
	e.registered("mux1:localhost/a")
	b, _ := e.registered("mux1:localhost/b")

	var seen []string
	b.AddMessageListener(func(ev frame.MessageEvent) { seen = append(seen, string(ev.Data.Data)) })

	e.bridge.control(t, protocol.NewControl(protocol.CommandOptions, protocol.Control{protocol.FieldChannel: "1:1!1"}))
	e.bridge.ev.OnMessage(protocol.TextMessage("1:1!1\ndata"))
	e.loop.RunPending()

	if len(seen) != 1 {
		t.Fatalf("frame b saw %q, want only the control message", seen)
	}
}

func TestUntrustedMessagesDropped(t *testing.T) {
	e := newEnv(t)
	initMsg, _ := protocol.EncodeControl(protocol.NewControl(protocol.CommandInit, protocol.Control{protocol.FieldVersion: 1}))

	foreign := e.top.OpenWithOrigin("mux1:localhost/evil", "https://evil.example")
	e.top.PostMessage(foreign, initMsg, frame.AnyOrigin)

	stranger := e.top.Open("mux1:localhost/stranger")
	e.top.PostMessage(stranger, protocol.TextMessage("1:1!1\nhi"), origin)
	e.top.PostMessage(stranger, protocol.BinaryMessage([]byte("1:1!1\nhi")), origin)
	openMsg, _ := protocol.EncodeControl(protocol.NewControl(protocol.CommandOpen, protocol.Control{protocol.FieldChannel: "1:1!1"}))
	e.top.PostMessage(stranger, openMsg, origin)

	before := len(e.bridge.sent)
	e.loop.RunPending()

	if len(e.router.Frames()) != 0 {
		t.Errorf("frames = %v, want none", e.router.Frames())
	}
	if len(e.bridge.sent) != before {
		t.Errorf("untrusted traffic reached the bridge: %v", e.bridge.sent[before:])
	}
}

func TestActivateHints(t *testing.T) {
	e := newEnv(t)
	a, am := e.child("mux1:localhost/a")
	b, bm := e.child("mux1:localhost/b")
	hintsA, hintsB := hints(a), hints(b)

	am.Transport()
	bm.Transport()
	e.loop.RunPending()

	if len(*hintsA) != 1 || !(*hintsA)[0] || len(*hintsB) != 1 || !(*hintsB)[0] {
		t.Fatalf("initial hints a=%v b=%v, want hidden for both", *hintsA, *hintsB)
	}

	e.router.Activate(a)
	e.loop.RunPending()
	if len(*hintsA) != 2 || (*hintsA)[1] || len(*hintsB) != 1 {
		t.Fatalf("after activating a: a=%v b=%v", *hintsA, *hintsB)
	}

	e.router.Activate(b)
	e.loop.RunPending()
	if len(*hintsA) != 3 || !(*hintsA)[2] || len(*hintsB) != 2 || (*hintsB)[1] {
		t.Fatalf("after activating b: a=%v b=%v", *hintsA, *hintsB)
	}
}

func TestKill(t *testing.T) {
	e := newEnv(t)
	_, am := e.registered("mux1:localhost/a")
	e.registered("mux1:localhost/b")

	if !e.router.Kill("mux1:localhost/b") {
		t.Fatal("Kill of a registered frame returned false")
	}
	if e.router.Kill("mux1:localhost/b") {
		t.Error("second Kill returned true")
	}
	if f := e.bridge.last(t); f.Control.String(protocol.FieldGroup) != "mux1:localhost/b" {
		t.Errorf("bridge got %v, want kill for b", f.Control)
	}

	e.registered("mux1:localhost/c")
	am.Current().SendControl(protocol.NewControl(protocol.CommandKill, protocol.Control{
		protocol.FieldGroup: "mux1:localhost/c",
	}))
	e.loop.RunPending()

	if got := e.router.Frames(); len(got) != 1 || got[0] != "mux1:localhost/a" {
		t.Errorf("frames = %v, want only a after a killed c", got)
	}
}

func TestHintForwarded(t *testing.T) {
	e := newEnv(t)
	_, m := e.registered("mux1:localhost/a")

	m.Current().SendControl(protocol.NewControl(protocol.CommandHint, protocol.Control{
		protocol.FieldHint: protocol.HintIgnoreHealthCheck,
		protocol.FieldData: true,
	}))
	e.loop.RunPending()

	if f := e.bridge.last(t); f.Control.Command() != protocol.CommandHint {
		t.Errorf("bridge got %v, want the hint", f.Control)
	}
}

func TestSessionCloseDisconnectsFrames(t *testing.T) {
	e := newEnv(t)
	_, m := e.child("mux1:localhost/a")
	ch, _ := channel.Open(m, nil)
	e.loop.RunPending()

	var problem string
	ch.OnClose(func(c protocol.Control) { problem = c.Problem() })

	e.bridge.ev.OnClose("")
	e.loop.RunPending()

	if problem != protocol.ProblemDisconnected {
		t.Errorf("nested channel problem = %q, want disconnected", problem)
	}
	if len(e.router.Frames()) != 0 {
		t.Errorf("frames = %v after the link died", e.router.Frames())
	}
}

func TestStartReplaysPending(t *testing.T) {
	loop := eventloop.New()
	top := frame.NewTop(loop, origin)
	conn := &fakeConn{}
	m := transport.NewManager(loop, func(*eventloop.Loop) (transport.Conn, error) { return conn, nil }, transport.Options{})
	m.Transport()
	conn.ev.OnOpen()
	conn.control(t, protocol.NewControl(protocol.CommandInit, protocol.Control{
		protocol.FieldVersion: 1,
		protocol.FieldSeed:    "7:",
	}))

	child := top.Open("mux1:localhost/early")
	initMsg, _ := protocol.EncodeControl(protocol.NewControl(protocol.CommandInit, protocol.Control{protocol.FieldVersion: 1}))
	pending := []frame.MessageEvent{{Origin: origin, Source: child, Data: initMsg}}

	var replies []protocol.Control
	child.AddMessageListener(func(ev frame.MessageEvent) {
		if f, err := protocol.Decode(ev.Data); err == nil && f.Control.Command() == protocol.CommandInit {
			replies = append(replies, f.Control)
		}
	})

	r := New(top, m)
	r.Start(pending)
	loop.RunPending()

	if len(replies) != 1 {
		t.Fatalf("child got %d init replies, want 1", len(replies))
	}
	if replies[0].String(protocol.FieldSeed) != "7:1!" || replies[0].String(protocol.FieldHost) != "localhost" {
		t.Errorf("init reply = %v", replies[0])
	}
}
