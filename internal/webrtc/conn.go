package webrtc

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/chanmux/internal/eventloop"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/signaling"
	"github.com/1ureka/chanmux/internal/transport"
	"github.com/1ureka/chanmux/internal/util"
)

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this
)

// Conn implements transport.Conn over a DataChannel. Text wire units go
// out as DataChannel strings and binary ones as binary messages, so
// framing is the same as over a WebSocket.
type Conn struct {
	loop *eventloop.Loop
	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel

	// signal, when set, runs the offer/answer exchange after Open.
	signal func(ctx context.Context, opened <-chan struct{}) error

	ctx        context.Context
	cancel     context.CancelFunc
	outbox     *transport.Outbox
	openSignal chan struct{}
	drain      chan struct{}
	openOnce   sync.Once
	closeOnce  sync.Once
	ev         transport.ConnEvents
}

// NewConn wraps an existing DataChannel. The bridge uses it for channels
// the client created; Connector uses it for the client side.
func NewConn(loop *eventloop.Loop, pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		loop:       loop,
		pc:         pc,
		dc:         dc,
		ctx:        ctx,
		cancel:     cancel,
		outbox:     transport.NewOutbox(transport.MaxQueuedBytes),
		openSignal: make(chan struct{}),
		drain:      make(chan struct{}, 1),
	}
}

// Connector returns a transport.Connector that creates a PeerConnection
// for every session and negotiates it through the signaling endpoint at
// signalURL.
func Connector(signalURL string, header http.Header, iceServers []string) transport.Connector {
	return func(loop *eventloop.Loop) (transport.Conn, error) {
		pc, err := NewPeerConnection(iceServers)
		if err != nil {
			return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
		}
		dc, err := CreateDataChannel(pc)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create DataChannel: %w", err)
		}

		c := NewConn(loop, pc, dc)
		c.signal = func(ctx context.Context, opened <-chan struct{}) error {
			ws, err := signaling.Connect(ctx, signalURL, header)
			if err != nil {
				return err
			}
			return signaling.Offer(ctx, ws, pc, opened)
		}
		return c, nil
	}
}

// Opened is closed once the DataChannel is open.
func (c *Conn) Opened() <-chan struct{} { return c.openSignal }

// Open wires the DataChannel callbacks and starts the writer.
func (c *Conn) Open(ev transport.ConnEvents) {
	c.ev = ev

	c.dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	c.dc.OnBufferedAmountLow(func() {
		select {
		case c.drain <- struct{}{}:
		default:
		}
	})

	c.dc.OnOpen(func() {
		c.openOnce.Do(func() {
			close(c.openSignal)
			util.LogDebug("DataChannel %s open", c.dc.Label())
			c.loop.Post(func() {
				if c.ctx.Err() == nil {
					c.ev.OnOpen()
				}
			})
		})
	})
	c.dc.OnMessage(func(m webrtc.DataChannelMessage) {
		msg := protocol.Message{Binary: !m.IsString, Data: m.Data}
		c.loop.Post(func() { c.ev.OnMessage(msg) })
	})
	c.dc.OnClose(func() { c.finish(protocol.ProblemDisconnected) })
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		util.LogDebug("peer connection %s", s)
		if s == webrtc.PeerConnectionStateFailed {
			c.finish(protocol.ProblemDisconnected)
		}
	})

	go c.writeLoop()

	if c.signal != nil {
		go func() {
			if err := c.signal(c.ctx, c.openSignal); err != nil {
				util.LogWarning("%v", err)
				c.finish(protocol.ProblemNoConnection)
			}
		}()
	}
}

// writeLoop is the single writer. It waits for the DataChannel to open,
// then drains the outbox with backpressure.
func (c *Conn) writeLoop() {
	select {
	case <-c.openSignal:
	case <-c.ctx.Done():
		return
	}

	for {
		for {
			msg, ok := c.outbox.Pop()
			if !ok {
				break
			}
			if c.dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-c.drain:
				case <-c.ctx.Done():
					return
				}
			}

			var err error
			if msg.Binary {
				err = c.dc.Send(msg.Data)
			} else {
				err = c.dc.SendText(string(msg.Data))
			}
			if err != nil {
				util.LogWarning("failed to send on DataChannel: %v", err)
				c.finish(protocol.ProblemDisconnected)
				return
			}
		}

		select {
		case <-c.outbox.Ready():
		case <-c.ctx.Done():
			return
		}
	}
}

// Send enqueues msg for the writer without blocking. A peer that lets
// more than transport.MaxQueuedBytes pile up is disconnected.
func (c *Conn) Send(msg protocol.Message) error {
	if c.ctx.Err() != nil {
		return transport.ErrNotConnected
	}
	if err := c.outbox.Push(msg); err != nil {
		util.LogWarning("%s: %v, disconnecting", c, err)
		go c.finish(protocol.ProblemDisconnected)
		return err
	}
	return nil
}

// Close tears down the DataChannel and the PeerConnection.
func (c *Conn) Close() error {
	c.finish("")
	return nil
}

func (c *Conn) finish(problem string) {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.dc.Close(); err != nil {
			util.LogDebug("closing DataChannel: %v", err)
		}
		if err := c.pc.Close(); err != nil {
			util.LogDebug("closing PeerConnection: %v", err)
		}
		c.loop.Post(func() {
			if c.ev.OnClose != nil {
				c.ev.OnClose(problem)
			}
		})
	})
}

// String describes the connection for log lines.
func (c *Conn) String() string {
	return fmt.Sprintf("webrtc %s", c.dc.Label())
}
