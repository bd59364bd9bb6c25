package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/util"
)

// Tuning constants.
const (
	MaxPayloadSize  = 16 * 1024 // bytes per data message read from TCP
	InboxBufferSize = 64        // per-stream queue of writes to TCP
	dialTimeout     = 10 * time.Second
)

// stream relays a channel to a TCP connection. Data that arrives before
// the dial completes waits in the inbox; a nil entry means the client is
// done writing.
type stream struct {
	sess   *session
	ch     *peerChannel
	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan []byte
}

func (s *session) openStream(ch *peerChannel, ctrl protocol.Control) {
	port, ok := ctrl.Int(protocol.FieldPort)
	if !ok || port < 1 || port > 65535 {
		util.LogWarning("bridge: stream %s without a valid port", ch.id)
		s.closeChannel(ch.id, protocol.ProblemNotSupported)
		delete(s.channels, ch.id)
		return
	}
	address := ctrl.String(protocol.FieldAddress)
	if address == "" {
		address = "localhost"
	}

	ctx, cancel := context.WithCancel(context.Background())
	st := &stream{
		sess:   s,
		ch:     ch,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan []byte, InboxBufferSize),
	}
	ch.stream = st
	go st.run(net.JoinHostPort(address, strconv.Itoa(port)))
}

// live reports, on the loop, whether the stream still owns its channel.
func (st *stream) live() bool {
	return st.ctx.Err() == nil && st.sess.channels[st.ch.id] == st.ch
}

// post runs fn on the session loop if the stream is still live.
func (st *stream) post(fn func()) {
	st.sess.loop.Post(func() {
		if st.live() {
			fn()
		}
	})
}

// fail closes the channel with problem and forgets it.
func (st *stream) fail(problem string) {
	st.post(func() {
		st.sess.closeChannel(st.ch.id, problem)
		st.sess.drop(st.ch)
	})
}

func (st *stream) run(addr string) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(st.ctx, "tcp", addr)
	if err != nil {
		util.LogWarning("bridge: [%s] TCP dial failed: %v", st.ch.id, err)
		st.fail(protocol.ProblemNotFound)
		return
	}
	stop := context.AfterFunc(st.ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	util.LogDebug("bridge: [%s] TCP connected to %s", st.ch.id, addr)
	st.post(func() { st.sess.ready(st.ch.id) })

	go st.writeLoop(conn)
	st.readLoop(conn)
}

// readLoop sends everything read from TCP as channel data. EOF becomes
// done followed by close.
func (st *stream) readLoop(conn net.Conn) {
	buf := make([]byte, MaxPayloadSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			st.post(func() { st.sess.sendData(st.ch.id, payload, st.ch.binary) })
		}

		if err != nil {
			if st.ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				st.post(func() {
					st.sess.send(protocol.NewControl(protocol.CommandDone, protocol.Control{
						protocol.FieldChannel: st.ch.id,
					}))
					st.sess.closeChannel(st.ch.id, "")
					st.sess.drop(st.ch)
				})
				return
			}
			util.LogWarning("bridge: [%s] TCP read error: %v", st.ch.id, err)
			st.fail(protocol.ProblemDisconnected)
			return
		}
	}
}

func (st *stream) writeLoop(conn net.Conn) {
	for {
		select {
		case p := <-st.inbox:
			if p == nil {
				if tcp, ok := conn.(*net.TCPConn); ok {
					tcp.CloseWrite()
				}
				continue
			}
			if _, err := conn.Write(p); err != nil {
				util.LogWarning("bridge: [%s] TCP write error: %v", st.ch.id, err)
				st.fail(protocol.ProblemDisconnected)
				return
			}
		case <-st.ctx.Done():
			return
		}
	}
}

// write queues p for the TCP connection; nil half-closes it. It blocks
// while the inbox is full.
func (st *stream) write(p []byte) {
	if p != nil {
		if len(p) == 0 {
			return
		}
		p = append([]byte(nil), p...)
	}
	select {
	case st.inbox <- p:
	case <-st.ctx.Done():
	}
}

func (st *stream) stop() { st.cancel() }
