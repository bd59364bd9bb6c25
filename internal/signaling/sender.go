package signaling

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// sender serializes writes to the signaling socket. Candidates are
// trickled from pion's goroutines while the exchange goroutine writes the
// description, hence the mutex.
type sender struct {
	pc   *webrtc.PeerConnection
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *sender) send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// describe creates the local offer or answer, applies it and sends it.
func (s *sender) describe(typ MessageType) error {
	var desc webrtc.SessionDescription
	var err error
	if typ == MsgTypeOffer {
		desc, err = s.pc.CreateOffer(nil)
	} else {
		desc, err = s.pc.CreateAnswer(nil)
	}
	if err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(desc); err != nil {
		return err
	}
	return s.send(Message{Type: typ, SDP: desc.SDP})
}

func (s *sender) candidate(c webrtc.ICECandidateInit) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.send(Message{Type: MsgTypeCandidate, Candidate: string(data)})
}

// abort tells the other side the exchange failed. Errors are ignored: the
// socket is about to close either way.
func (s *sender) abort(problem string) {
	_ = s.send(Message{Type: MsgTypeError, Problem: problem})
}
