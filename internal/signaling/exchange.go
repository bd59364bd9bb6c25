package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/util"
)

// Offer performs the offering side of the exchange over ws: it sends the
// offer, trickles candidates and applies the answer. It returns once
// opened is closed, which the caller does when the DataChannel opens,
// and closes ws on the way out.
func Offer(ctx context.Context, ws *websocket.Conn, pc *webrtc.PeerConnection, opened <-chan struct{}) error {
	return exchange(ctx, ws, pc, opened, true)
}

// Answer performs the answering side of the exchange over ws.
func Answer(ctx context.Context, ws *websocket.Conn, pc *webrtc.PeerConnection, opened <-chan struct{}) error {
	return exchange(ctx, ws, pc, opened, false)
}

func exchange(ctx context.Context, ws *websocket.Conn, pc *webrtc.PeerConnection, opened <-chan struct{}, offer bool) error {
	defer ws.Close()

	s := &sender{pc: pc, conn: ws}
	r := &receiver{pc: pc, conn: ws, sender: s, offering: offer}

	// Trickle ICE candidates. Failures after the channel opened are
	// expected, the WebSocket is gone by then.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := s.candidate(c.ToJSON()); err != nil {
			util.LogDebug("failed to send ICE candidate: %v", err)
		}
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch()
	}()

	if offer {
		if err := s.describe(MsgTypeOffer); err != nil {
			return fmt.Errorf("failed to send offer: %w", err)
		}
	}

	select {
	case <-opened:
		util.LogDebug("DataChannel established, closing signaling socket")
		return nil

	case err := <-errCh:
		select {
		case <-opened:
			return nil
		default:
		}
		var remote *RemoteError
		if !errors.As(err, &remote) {
			s.abort(err.Error())
		}
		return fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		s.abort(protocol.ProblemTimeout)
		return ctx.Err()
	}
}
