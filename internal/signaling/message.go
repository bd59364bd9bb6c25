// Package signaling carries the SDP/ICE exchange that sets up a WebRTC
// DataChannel to the bridge over a short-lived WebSocket.
package signaling

import "fmt"

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	MsgTypeOffer     MessageType = "offer"
	MsgTypeAnswer    MessageType = "answer"
	MsgTypeCandidate MessageType = "candidate"
	// MsgTypeError ends the exchange; Problem says why.
	MsgTypeError MessageType = "error"
)

// Message is one JSON object on the signaling socket.
type Message struct {
	Type      MessageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
	Problem   string      `json:"problem,omitempty"`
}

// RemoteError is returned when the other side aborts the exchange.
type RemoteError struct {
	Problem string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote signaling error: %s", e.Problem)
}
