// Package webrtc carries sessions over a WebRTC DataChannel, for bridges
// reachable only peer to peer.
package webrtc

import (
	"github.com/pion/webrtc/v4"
)

// Label names the DataChannel both ends use.
const Label = "mux1"

// NewPeerConnection creates a PeerConnection using iceServers. With none
// only host candidates are gathered, which is enough on one network.
func NewPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	var config webrtc.Configuration
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return webrtc.NewPeerConnection(config)
}

// CreateDataChannel creates the session's DataChannel. It must be ordered
// and reliable: channel frames rely on in-order delivery.
func CreateDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	return pc.CreateDataChannel(Label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
}
