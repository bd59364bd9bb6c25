package bridge

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/1ureka/chanmux/internal/channel"
	"github.com/1ureka/chanmux/internal/eventloop"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/transport"
	"github.com/1ureka/chanmux/internal/webrtc"
)

// fakeConn stands in for the client link in session unit tests.
type fakeConn struct {
	ev     transport.ConnEvents
	sent   []protocol.Frame
	closed bool
}

func (c *fakeConn) Open(ev transport.ConnEvents) { c.ev = ev }

func (c *fakeConn) Send(msg protocol.Message) error {
	f, err := protocol.Decode(msg)
	if err != nil {
		panic(err)
	}
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConn) control(t *testing.T, cmd string, fields protocol.Control) {
	t.Helper()
	msg, err := protocol.EncodeControl(protocol.NewControl(cmd, fields))
	if err != nil {
		t.Fatalf("EncodeControl failed: %v", err)
	}
	c.ev.OnMessage(msg)
}

func (c *fakeConn) take() []protocol.Frame {
	out := c.sent
	c.sent = nil
	return out
}

// newTestSession returns a session whose client already completed init.
func newTestSession(t *testing.T) (*session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s := newSession(eventloop.New(), conn, "1:", "server1", func() {})
	s.open()
	conn.ev.OnOpen()

	sent := conn.take()
	if len(sent) != 1 || sent[0].Control.Command() != protocol.CommandInit {
		t.Fatalf("first message = %v, want init", sent)
	}
	if sent[0].Control.String(protocol.FieldSeed) != "1:" || sent[0].Control.String(protocol.FieldHost) != "server1" {
		t.Errorf("init = %v", sent[0].Control)
	}

	conn.control(t, protocol.CommandInit, protocol.Control{protocol.FieldVersion: 1})
	return s, conn
}

func TestSessionPayloads(t *testing.T) {
	_, conn := newTestSession(t)

	conn.control(t, protocol.CommandOpen, protocol.Control{protocol.FieldChannel: "a", protocol.FieldPayload: PayloadEcho})
	conn.control(t, protocol.CommandOpen, protocol.Control{protocol.FieldChannel: "b", protocol.FieldPayload: PayloadNull})
	conn.control(t, protocol.CommandOpen, protocol.Control{protocol.FieldChannel: "c", protocol.FieldPayload: "dbus-json3"})
	conn.ev.OnMessage(protocol.TextMessage("a\nhello"))
	conn.ev.OnMessage(protocol.BinaryMessage([]byte("a\n\x00\x01")))
	conn.ev.OnMessage(protocol.TextMessage("b\nvoid"))

	sent := conn.take()
	if len(sent) != 5 {
		t.Fatalf("sent %d frames, want 5: %+v", len(sent), sent)
	}
	if sent[0].Control.Command() != protocol.CommandReady || sent[0].Control.String(protocol.FieldChannel) != "a" {
		t.Errorf("frame 0 = %v, want ready a", sent[0].Control)
	}
	if sent[1].Control.Command() != protocol.CommandReady || sent[1].Control.String(protocol.FieldChannel) != "b" {
		t.Errorf("frame 1 = %v, want ready b", sent[1].Control)
	}
	if sent[2].Control.Command() != protocol.CommandClose || sent[2].Control.Problem() != protocol.ProblemNotSupported {
		t.Errorf("frame 2 = %v, want close not-supported", sent[2].Control)
	}
	if sent[3].Channel != "a" || string(sent[3].Payload) != "hello" || sent[3].Binary {
		t.Errorf("frame 3 = %+v, want text echo", sent[3])
	}
	if !sent[4].Binary || string(sent[4].Payload) != "\x00\x01" {
		t.Errorf("frame 4 = %+v, want binary echo", sent[4])
	}
}

func TestSessionDoneAndKill(t *testing.T) {
	s, conn := newTestSession(t)

	for _, id := range []string{"a", "b", "c"} {
		group := "g1"
		if id == "c" {
			group = "g2"
		}
		conn.control(t, protocol.CommandOpen, protocol.Control{
			protocol.FieldChannel: id,
			protocol.FieldPayload: PayloadEcho,
			protocol.FieldGroup:   group,
		})
	}
	conn.take()

	conn.control(t, protocol.CommandDone, protocol.Control{protocol.FieldChannel: "a"})
	sent := conn.take()
	if len(sent) != 2 || sent[0].Control.Command() != protocol.CommandDone || sent[1].Control.Command() != protocol.CommandClose {
		t.Fatalf("after done sent %+v, want done then close", sent)
	}

	conn.control(t, protocol.CommandKill, protocol.Control{protocol.FieldGroup: "g1"})
	sent = conn.take()
	if len(sent) != 1 || sent[0].Control.String(protocol.FieldChannel) != "b" ||
		sent[0].Control.Problem() != protocol.ProblemTerminated {
		t.Fatalf("kill sent %+v, want close b terminated", sent)
	}
	if len(s.channels) != 1 || s.channels["c"] == nil {
		t.Errorf("channels left = %v, want only c", s.channels)
	}

	conn.control(t, protocol.CommandPing, nil)
	if sent := conn.take(); len(sent) != 1 || sent[0].Control.Command() != protocol.CommandPong {
		t.Errorf("ping answered with %+v", sent)
	}
}

func TestSessionLogout(t *testing.T) {
	tests := []struct {
		name       string
		disconnect bool
	}{
		{name: "keep connection"},
		{name: "disconnect", disconnect: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, conn := newTestSession(t)
			for _, id := range []string{"a", "b"} {
				conn.control(t, protocol.CommandOpen, protocol.Control{protocol.FieldChannel: id, protocol.FieldPayload: PayloadEcho})
			}
			conn.take()

			conn.control(t, protocol.CommandLogout, protocol.Control{protocol.FieldDisconnect: tt.disconnect})

			terminated := 0
			sessionClosed := false
			for _, f := range conn.take() {
				if f.Control.Command() != protocol.CommandClose {
					continue
				}
				if !f.Control.Has(protocol.FieldChannel) {
					sessionClosed = true
				} else if f.Control.Problem() == protocol.ProblemTerminated {
					terminated++
				}
			}
			if terminated != 2 || len(s.channels) != 0 {
				t.Errorf("terminated %d channels, %d left", terminated, len(s.channels))
			}
			if sessionClosed != tt.disconnect || conn.closed != tt.disconnect {
				t.Errorf("session close sent %v, conn closed %v, want %v", sessionClosed, conn.closed, tt.disconnect)
			}
		})
	}
}

func TestSessionRejectsBeforeInit(t *testing.T) {
	conn := &fakeConn{}
	s := newSession(eventloop.New(), conn, "1:", "localhost", func() {})
	s.open()
	conn.ev.OnOpen()
	conn.take()

	conn.control(t, protocol.CommandOpen, protocol.Control{protocol.FieldChannel: "a", protocol.FieldPayload: PayloadEcho})

	sent := conn.take()
	if len(sent) != 1 || sent[0].Control.Command() != protocol.CommandClose ||
		sent[0].Control.Problem() != protocol.ProblemProtocolError || sent[0].Control.Has(protocol.FieldChannel) {
		t.Fatalf("sent %+v, want a session close with protocol-error", sent)
	}
	if !conn.closed {
		t.Error("connection not closed")
	}
}

func TestStreamWithoutPort(t *testing.T) {
	_, conn := newTestSession(t)
	conn.control(t, protocol.CommandOpen, protocol.Control{protocol.FieldChannel: "s", protocol.FieldPayload: PayloadStream})

	sent := conn.take()
	if len(sent) != 1 || sent[0].Control.Problem() != protocol.ProblemNotSupported {
		t.Fatalf("sent %+v, want close not-supported", sent)
	}
}

// client runs a client loop against a bridge served by httptest.
type client struct {
	loop    *eventloop.Loop
	manager *transport.Manager
	cancel  context.CancelFunc
}

func newClient(t *testing.T) *client {
	t.Helper()
	return newClientWith(t, func(base string) transport.Connector {
		return transport.WebSocketConnector(base+"/socket", nil)
	})
}

// newClientWith connects through the connector connect builds from the
// bridge's ws:// base URL.
func newClientWith(t *testing.T, connect func(base string) transport.Connector) *client {
	t.Helper()
	srv := httptest.NewServer(New(Options{Host: "server1"}))
	t.Cleanup(srv.Close)

	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	c := &client{
		loop:    loop,
		manager: transport.NewManager(loop, connect(base), transport.DefaultOptions()),
		cancel:  cancel,
	}
	t.Cleanup(func() {
		_ = loop.Do(context.Background(), func() { c.manager.Close("") })
		cancel()
	})
	return c
}

// open opens a channel on the loop and waits for it to become ready.
func (c *client) open(t *testing.T, options channel.Options) (*channel.Channel, <-chan []byte, <-chan protocol.Control) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var ch *channel.Channel
	var future *channel.Future
	messages := make(chan []byte, 16)
	closes := make(chan protocol.Control, 1)

	err := c.loop.Do(ctx, func() {
		var err error
		ch, err = channel.Open(c.manager, options)
		if err != nil {
			t.Errorf("Open failed: %v", err)
			return
		}
		ch.OnMessage(func(p []byte) { messages <- append([]byte(nil), p...) })
		ch.OnClose(func(ctrl protocol.Control) { closes <- ctrl })
		future = ch.Wait()
	})
	if err != nil || future == nil {
		t.Fatalf("opening channel: %v", err)
	}
	if _, err := future.Await(ctx); err != nil {
		t.Fatalf("channel did not become ready: %v", err)
	}
	return ch, messages, closes
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func TestEchoOverWebSocket(t *testing.T) {
	c := newClient(t)
	ch, messages, closes := c.open(t, channel.Options{protocol.FieldPayload: PayloadEcho})

	if err := c.loop.Do(context.Background(), func() {
		if ch.ID() != "1:1" {
			t.Errorf("channel id = %q, want 1:1 from the bridge seed", ch.ID())
		}
		ch.SendText("hello")
		ch.Done()
	}); err != nil {
		t.Fatal(err)
	}

	if got := receive(t, messages); string(got) != "hello" {
		t.Errorf("echo = %q, want hello", got)
	}
	if ctrl := receive(t, closes); ctrl.Problem() != "" {
		t.Errorf("close problem = %q, want a clean close", ctrl.Problem())
	}
}

func TestUnsupportedPayloadOverWebSocket(t *testing.T) {
	c := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var future *channel.Future
	c.loop.Do(ctx, func() {
		ch, _ := channel.Open(c.manager, channel.Options{protocol.FieldPayload: "fsread1"})
		future = ch.Wait()
	})

	_, err := future.Await(ctx)
	var closed *channel.ClosedError
	if !errors.As(err, &closed) || closed.Problem() != protocol.ProblemNotSupported {
		t.Fatalf("err = %v, want ClosedError not-supported", err)
	}
}

func TestStreamOverWebSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		conn.Write([]byte(strings.ToUpper(string(buf[:n]))))
	}()

	c := newClient(t)
	port := ln.Addr().(*net.TCPAddr).Port
	ch, messages, closes := c.open(t, channel.Options{
		protocol.FieldPayload: PayloadStream,
		protocol.FieldAddress: "127.0.0.1",
		protocol.FieldPort:    port,
		protocol.FieldBinary:  true,
	})

	c.loop.Do(context.Background(), func() { ch.Send([]byte("ping")) })

	if got := receive(t, messages); string(got) != "PING" {
		t.Errorf("stream reply = %q, want PING", got)
	}
	if ctrl := receive(t, closes); ctrl.Problem() != "" {
		t.Errorf("close problem = %q, want a clean close after EOF", ctrl.Problem())
	}
}

func TestEchoOverWebRTC(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates a real PeerConnection")
	}
	c := newClientWith(t, func(base string) transport.Connector {
		return webrtc.Connector(base+"/signal", nil, nil)
	})
	ch, messages, closes := c.open(t, channel.Options{
		protocol.FieldPayload: PayloadEcho,
		protocol.FieldBinary:  true,
	})

	c.loop.Do(context.Background(), func() {
		ch.Send([]byte{0x00, 0x0a, 0xff})
		ch.Done()
	})

	if got := receive(t, messages); string(got) != "\x00\n\xff" {
		t.Errorf("echo = %q, want the bytes sent", got)
	}
	if ctrl := receive(t, closes); ctrl.Problem() != "" {
		t.Errorf("close problem = %q, want a clean close", ctrl.Problem())
	}
}
