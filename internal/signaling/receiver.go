package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/vrlp/internal/transport"
)

// receiver applies inbound signaling messages to the link.
type receiver struct {
	link   *transport.DataChannelLink
	conn   *websocket.Conn
	sender *sender

	haveRemote bool
	early      []webrtc.ICECandidateInit // candidates that beat the SDP
}

// watch processes messages until the connection fails or closes.
func (r *receiver) watch() error {
	for {
		var msg message
		if err := r.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read signaling message: %w", err)
		}

		switch msg.Type {
		case msgTypeOffer:
			if err := r.setRemote(webrtc.SDPTypeOffer, msg.SDP); err != nil {
				return err
			}
			if err := r.sender.sendAnswer(); err != nil {
				return fmt.Errorf("send answer: %w", err)
			}

		case msgTypeAnswer:
			if err := r.setRemote(webrtc.SDPTypeAnswer, msg.SDP); err != nil {
				return err
			}

		case msgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("parse ICE candidate: %w", err)
			}
			if !r.haveRemote {
				r.early = append(r.early, init)
				continue
			}
			if err := r.link.AddICECandidate(init); err != nil {
				return fmt.Errorf("add ICE candidate: %w", err)
			}
		}
	}
}

func (r *receiver) setRemote(typ webrtc.SDPType, sdp string) error {
	if err := r.link.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote %s: %w", typ, err)
	}
	r.haveRemote = true
	for _, c := range r.early {
		if err := r.link.AddICECandidate(c); err != nil {
			return fmt.Errorf("add ICE candidate: %w", err)
		}
	}
	r.early = nil
	return nil
}
