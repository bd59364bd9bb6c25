package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// receiver applies the remote side's messages to the peer. offering is
// true on the side that sent the offer; it only accepts an answer, the
// other side only an offer.
type receiver struct {
	pc       *webrtc.PeerConnection
	conn     *websocket.Conn
	sender   *sender
	offering bool
}

// watch reads until the socket closes or a message cannot be applied.
func (r *receiver) watch() error {
	for {
		var msg Message
		if err := r.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read signaling message: %w", err)
		}
		if err := r.apply(msg); err != nil {
			return err
		}
	}
}

func (r *receiver) apply(msg Message) error {
	switch msg.Type {
	case MsgTypeOffer, MsgTypeAnswer:
		want := MsgTypeOffer
		sdpType := webrtc.SDPTypeOffer
		if r.offering {
			want = MsgTypeAnswer
			sdpType = webrtc.SDPTypeAnswer
		}
		if msg.Type != want {
			return fmt.Errorf("unexpected %s", msg.Type)
		}
		if err := r.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: msg.SDP}); err != nil {
			return fmt.Errorf("failed to apply %s: %w", msg.Type, err)
		}
		if !r.offering {
			return r.sender.describe(MsgTypeAnswer)
		}
		return nil

	case MsgTypeCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
			return fmt.Errorf("failed to parse ICE candidate: %w", err)
		}
		return r.pc.AddICECandidate(init)

	case MsgTypeError:
		return &RemoteError{Problem: msg.Problem}

	default:
		return fmt.Errorf("unknown signaling message %q", msg.Type)
	}
}
