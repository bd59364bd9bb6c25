// Package bridge is a minimal remote peer for chanmux sessions. It speaks
// the wire protocol over a WebSocket (/socket) or a WebRTC DataChannel
// negotiated through /signal, and offers three payloads:
//
//	echo    every message is sent back unchanged
//	null    messages are discarded
//	stream  bytes are relayed to a TCP "address" and "port"
//
// It exists to exercise and demonstrate the client side; it is not a
// production bridge.
package bridge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/1ureka/chanmux/internal/eventloop"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/signaling"
	"github.com/1ureka/chanmux/internal/transport"
	"github.com/1ureka/chanmux/internal/util"
	"github.com/1ureka/chanmux/internal/webrtc"
)

const signalTimeout = 30 * time.Second

// Options configures a Server.
type Options struct {
	// Host is announced as the default host in the init message.
	Host string

	// ICEServers are used for PeerConnections negotiated on /signal.
	ICEServers []string
}

// Server accepts sessions.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	sessions atomic.Int64
	wg       sync.WaitGroup
	stopping chan struct{}
	stopOnce sync.Once
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	s := &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{transport.Subprotocol},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		mux:      http.NewServeMux(),
		stopping: make(chan struct{}),
	}
	s.mux.HandleFunc("/socket", s.handleSocket)
	s.mux.HandleFunc("/signal", s.handleSignal)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s}

	go func() {
		<-ctx.Done()
		s.stopOnce.Do(func() { close(s.stopping) })
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	util.LogInfo("bridge listening on %s", ln.Addr())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.wg.Wait()
	return nil
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogWarning("failed to upgrade %s: %v", r.RemoteAddr, err)
		return
	}
	loop := eventloop.New()
	s.wg.Add(1)
	defer s.wg.Done()
	s.serve(loop, transport.AcceptWebSocketConn(loop, ws))
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	ws, err := signaling.Accept(w, r)
	if err != nil {
		util.LogWarning("failed to upgrade %s: %v", r.RemoteAddr, err)
		return
	}

	pc, err := webrtc.NewPeerConnection(s.opts.ICEServers)
	if err != nil {
		util.LogError("failed to create PeerConnection: %v", err)
		ws.Close()
		return
	}

	loop := eventloop.New()
	opened := make(chan struct{})
	var once sync.Once
	pc.OnDataChannel(func(dc *pionwebrtc.DataChannel) {
		once.Do(func() {
			conn := webrtc.NewConn(loop, pc, dc)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(loop, conn)
			}()
			go func() {
				<-conn.Opened()
				close(opened)
			}()
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if err := signaling.Answer(ctx, ws, pc, opened); err != nil {
		util.LogWarning("signaling with %s failed: %v", r.RemoteAddr, err)
		pc.Close()
	}
}

// serve runs one session until its connection closes or the server stops.
func (s *Server) serve(loop *eventloop.Loop, conn transport.Conn) {
	n := s.sessions.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	sess := newSession(loop, conn, strconv.FormatInt(n, 10)+":", s.opts.Host, cancel)

	go func() {
		select {
		case <-s.stopping:
			loop.Post(func() { sess.shutdown(protocol.ProblemDisconnected) })
		case <-ctx.Done():
		}
	}()

	util.LogDebug("session %d started", n)
	loop.Post(sess.open)
	_ = loop.Run(ctx)
	util.LogDebug("session %d ended", n)
}
