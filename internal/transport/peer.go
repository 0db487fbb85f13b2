package transport

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used for ICE gathering when none are configured.
// No TURN: peers must reach each other directly.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// PeerOptions configures the PeerConnection behind a DataChannelLink.
type PeerOptions struct {
	ICEServers []string // nil means DefaultSTUNServers; empty means none

	// IncludeLoopback gathers 127.0.0.1 candidates, for same-host peers.
	IncludeLoopback bool
}

func newPeerConnection(opts PeerOptions) (*webrtc.PeerConnection, error) {
	urls := opts.ICEServers
	if urls == nil {
		urls = DefaultSTUNServers
	}
	var config webrtc.Configuration
	if len(urls) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: urls}}
	}

	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return api.NewPeerConnection(config)
}

// newDataChannel creates the pre-negotiated channel (ID 0) both sides open
// independently. It is ordered and reliable: VRLP sequence numbers detect
// loss and duplication but the receiver never reorders.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("vrlp", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
