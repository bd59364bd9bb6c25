package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/chanmux/internal/eventloop"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/util"
)

// Subprotocol is the WebSocket subprotocol both ends negotiate.
const Subprotocol = "mux1"

const writeWait = 10 * time.Second // deadline for a single write

// WebSocketConn is the physical connection of a top-level session: a
// WebSocket to the bridge. Reads and writes happen on their own
// goroutines; every event is posted onto the loop.
type WebSocketConn struct {
	loop   *eventloop.Loop
	url    string
	header http.Header
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	outbox *Outbox

	accepted *websocket.Conn
	closing  chan struct{}

	mu        sync.Mutex
	ws        *websocket.Conn
	ev        ConnEvents
	closeOnce sync.Once
}

// NewWebSocketConn prepares a connection to url. Dialing starts in Open.
func NewWebSocketConn(loop *eventloop.Loop, url string, header http.Header) *WebSocketConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketConn{
		loop:   loop,
		url:    url,
		header: header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
			Subprotocols:     []string{Subprotocol},
		},
		ctx:     ctx,
		cancel:  cancel,
		outbox:  NewOutbox(MaxQueuedBytes),
		closing: make(chan struct{}),
	}
}

// AcceptWebSocketConn wraps a socket a server already upgraded. Open
// skips dialing and reports OnOpen right away.
func AcceptWebSocketConn(loop *eventloop.Loop, ws *websocket.Conn) *WebSocketConn {
	c := NewWebSocketConn(loop, ws.RemoteAddr().String(), nil)
	c.accepted = ws
	return c
}

// WebSocketConnector returns a Connector dialing url for every session.
func WebSocketConnector(url string, header http.Header) Connector {
	return func(loop *eventloop.Loop) (Conn, error) {
		if url == "" {
			return nil, errors.New("no bridge URL configured")
		}
		return NewWebSocketConn(loop, url, header), nil
	}
}

// Open dials in the background and reports the outcome on the loop.
func (c *WebSocketConn) Open(ev ConnEvents) {
	c.ev = ev
	go c.run()
}

func (c *WebSocketConn) run() {
	ws := c.accepted
	if ws == nil {
		var err error
		ws, _, err = c.dialer.DialContext(c.ctx, c.url, c.header)
		if err != nil {
			util.LogWarning("failed to connect to %s: %v", c.url, err)
			c.finish(protocol.ProblemNoConnection)
			return
		}
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.ws = ws
	c.mu.Unlock()

	util.LogDebug("connected to %s", c.url)
	c.loop.Post(c.ev.OnOpen)

	go c.writeLoop(ws)
	c.readLoop(ws)
}

// readLoop is the single reader. Each message is posted in arrival order.
func (c *WebSocketConn) readLoop(ws *websocket.Conn) {
	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			c.finish(problemFromError(err))
			return
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}

		msg := protocol.Message{Binary: typ == websocket.BinaryMessage, Data: data}
		c.loop.Post(func() { c.ev.OnMessage(msg) })
	}
}

// writeLoop is the single writer goroutine; it drains the outbox in order.
// On a local Close it flushes what is queued before closing the socket.
func (c *WebSocketConn) writeLoop(ws *websocket.Conn) {
	for {
		if !c.flush(ws) {
			return
		}
		select {
		case <-c.outbox.Ready():
		case <-c.closing:
			if c.flush(ws) {
				c.finish("")
			}
			return
		case <-c.ctx.Done():
			return
		}
	}
}

// flush writes everything queued. It reports false once the socket failed.
func (c *WebSocketConn) flush(ws *websocket.Conn) bool {
	for {
		msg, ok := c.outbox.Pop()
		if !ok {
			return true
		}
		if !c.write(ws, msg) {
			return false
		}
	}
}

func (c *WebSocketConn) write(ws *websocket.Conn, msg protocol.Message) bool {
	typ := websocket.TextMessage
	if msg.Binary {
		typ = websocket.BinaryMessage
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(typ, msg.Data); err != nil {
		util.LogWarning("failed to write message: %v", err)
		c.finish(protocol.ProblemDisconnected)
		return false
	}
	return true
}

// Send enqueues msg for the writer without blocking. A peer that lets
// more than MaxQueuedBytes pile up is disconnected.
func (c *WebSocketConn) Send(msg protocol.Message) error {
	if c.ctx.Err() != nil {
		return ErrNotConnected
	}
	if err := c.outbox.Push(msg); err != nil {
		util.LogWarning("%s: %v, disconnecting", c, err)
		go c.finish(protocol.ProblemDisconnected)
		return err
	}
	return nil
}

// Close flushes queued messages, sends a normal closure and releases the
// socket. Before the socket is connected it just abandons the dial.
func (c *WebSocketConn) Close() error {
	c.mu.Lock()
	connected := c.ws != nil
	c.mu.Unlock()

	if !connected {
		c.finish("")
		return nil
	}
	select {
	case <-c.closing:
	default:
		close(c.closing)
	}
	return nil
}

// finish consolidates shutdown behind sync.Once so that whichever of the
// reader, writer or caller notices first, OnClose is reported once.
func (c *WebSocketConn) finish(problem string) {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws != nil {
			deadline := time.Now().Add(time.Second)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, problem), deadline)
			ws.Close()
		}

		c.loop.Post(func() { c.ev.OnClose(problem) })
	})
}

// problemFromError maps a read error to a problem code. The bridge puts
// the problem in the close reason; anything else is a plain disconnect.
func problemFromError(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Text != "" {
		return ce.Text
	}
	return protocol.ProblemDisconnected
}

// String describes the connection for log lines.
func (c *WebSocketConn) String() string {
	return fmt.Sprintf("websocket %s", c.url)
}
