package signaling

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/vrlp/internal/transport"
)

// sender serializes outgoing signaling messages to the WebSocket.
type sender struct {
	link *transport.DataChannelLink
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *sender) send(msg message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// sendOffer creates an SDP offer, applies it locally and sends it.
func (s *sender) sendOffer() error {
	offer, err := s.link.CreateOffer()
	if err != nil {
		return err
	}
	if err := s.link.SetLocalDescription(offer); err != nil {
		return err
	}
	return s.send(message{Type: msgTypeOffer, SDP: offer.SDP})
}

// sendAnswer creates an SDP answer, applies it locally and sends it.
func (s *sender) sendAnswer() error {
	answer, err := s.link.CreateAnswer()
	if err != nil {
		return err
	}
	if err := s.link.SetLocalDescription(answer); err != nil {
		return err
	}
	return s.send(message{Type: msgTypeAnswer, SDP: answer.SDP})
}

// trickle forwards every gathered local candidate. Failures are ignored:
// the exchange fails on its own if too few candidates arrive.
func (s *sender) trickle() {
	s.link.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		s.send(message{Type: msgTypeCandidate, Candidate: string(data)})
	})
}
