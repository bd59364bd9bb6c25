package tunnel

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/1ureka/chanmux/internal/bridge"
	"github.com/1ureka/chanmux/internal/eventloop"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/transport"
)

// upperServer answers the first read with its upper-cased bytes and closes.
func upperServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 64)
				n, _ := conn.Read(buf)
				conn.Write([]byte(strings.ToUpper(string(buf[:n]))))
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// startTunnel serves a tunnel to target through a bridge and returns the
// local address to dial.
func startTunnel(t *testing.T, target Target) string {
	t.Helper()
	srv := httptest.NewServer(bridge.New(bridge.Options{Host: "server1"}))
	t.Cleanup(srv.Close)

	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket"
	m := transport.NewManager(loop, transport.WebSocketConnector(url, nil), transport.DefaultOptions())
	t.Cleanup(func() {
		_ = loop.Do(context.Background(), func() { m.Close("") })
		cancel()
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go Serve(ctx, ln, m, target)
	return ln.Addr().String()
}

func TestTargetOptions(t *testing.T) {
	opts := Target{Address: "db.internal", Port: 5432}.Options()
	if opts.String(protocol.FieldPayload) != "stream" {
		t.Errorf("payload = %q, want stream", opts.String(protocol.FieldPayload))
	}
	if opts.String(protocol.FieldAddress) != "db.internal" {
		t.Errorf("address = %q", opts.String(protocol.FieldAddress))
	}
	if port, _ := opts.Int(protocol.FieldPort); port != 5432 {
		t.Errorf("port = %d, want 5432", port)
	}
	if !opts.Bool(protocol.FieldBinary) {
		t.Error("stream channels must be binary")
	}
}

func TestForwardRoundTrip(t *testing.T) {
	port := upperServer(t)
	addr := startTunnel(t, Target{Address: "127.0.0.1", Port: port})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "HELLO" {
		t.Errorf("reply = %q, want HELLO", got)
	}
}

func TestUnreachableTargetClosesConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	addr := startTunnel(t, Target{Address: "127.0.0.1", Port: port})
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	got, err := io.ReadAll(conn)
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatal("tunnel connection was not closed")
	}
	if len(got) != 0 {
		t.Errorf("read %q from a tunnel with no target", got)
	}
}
