package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/vrlp/internal/depacketizer"
	"github.com/1ureka/vrlp/internal/util"
)

const recvBufferSize = 256 // inbound message queue capacity

// DataChannelLink carries one packet per message over a WebRTC DataChannel.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time. Signaling is left to the caller through the SDP and
// ICE methods (see package signaling).
type DataChannelLink struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}
	inbox      chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// NewDataChannelLink creates a PeerConnection with a pre-negotiated
// DataChannel. The link is alive while the channel is open and ctx is not
// cancelled.
func NewDataChannelLink(ctx context.Context, opts PeerOptions) (*DataChannelLink, error) {
	pc, err := newPeerConnection(opts)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	lCtx, lCancel := context.WithCancel(ctx)
	l := &DataChannelLink{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		inbox:      make(chan []byte, recvBufferSize),
		ctx:        lCtx,
		cancel:     lCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(l.openSignal) })
	})
	dc.OnClose(func() {
		util.LogDebug("DataChannel closed")
		lCancel()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			util.LogDebug("ignoring text DataChannel message")
			return
		}
		select {
		case l.inbox <- msg.Data:
		case <-lCtx.Done():
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state)
		l.mu.Lock()
		l.pcState = state
		l.mu.Unlock()
		if state == webrtc.PeerConnectionStateFailed {
			lCancel()
		}
	})

	l.sender = newSender(lCtx, dc, l.openSignal, lCancel)
	return l, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready is closed once the DataChannel is open.
func (l *DataChannelLink) Ready() <-chan struct{} { return l.openSignal }

// Done is closed when the link shuts down.
func (l *DataChannelLink) Done() <-chan struct{} { return l.ctx.Done() }

// ConnectionState returns the last observed PeerConnection state.
func (l *DataChannelLink) ConnectionState() webrtc.PeerConnectionState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pcState
}

func (l *DataChannelLink) Close() error {
	l.cancel()
	return errors.Join(l.dc.Close(), l.pc.Close())
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

func (l *DataChannelLink) CreateOffer() (webrtc.SessionDescription, error) {
	return l.pc.CreateOffer(nil)
}

func (l *DataChannelLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

func (l *DataChannelLink) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return l.pc.SetLocalDescription(sdp)
}

func (l *DataChannelLink) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(sdp)
}

// LocalDescription returns the local SDP including gathered candidates.
func (l *DataChannelLink) LocalDescription() *webrtc.SessionDescription {
	return l.pc.LocalDescription()
}

// GatheringComplete is closed when ICE gathering finishes.
func (l *DataChannelLink) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(l.pc)
}

// OnICECandidate registers a callback for each gathered local candidate. A
// nil candidate signals the end of gathering.
func (l *DataChannelLink) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	l.pc.OnICECandidate(fn)
}

func (l *DataChannelLink) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send enqueues pkt; it is retained until written. Packets queued before the
// channel opens are sent once it does.
func (l *DataChannelLink) Send(pkt []byte) error {
	if l.ctx.Err() != nil {
		return ErrClosed
	}
	return l.sender.send(l.ctx, pkt)
}

func (l *DataChannelLink) Recover() bool { return false }

// Flush blocks until every packet passed to Send has left the SCTP buffer.
func (l *DataChannelLink) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for l.sender.pending.Load() > 0 || l.dc.BufferedAmount() > 0 {
		select {
		case <-ticker.C:
		case <-l.ctx.Done():
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run feeds inbound messages to d from the calling goroutine, so d is never
// touched by pion callbacks. Messages already queued when the channel closes
// are still delivered.
func (l *DataChannelLink) Run(ctx context.Context, d *depacketizer.Depacketizer) error {
	pub := newPublisher(d)
	deliver := func(msg []byte) {
		util.Stats.AddRecv(len(msg))
		d.Write(msg)
		pub.publish(d)
	}

	for {
		select {
		case msg := <-l.inbox:
			deliver(msg)
		case <-l.ctx.Done():
			for {
				select {
				case msg := <-l.inbox:
					deliver(msg)
				default:
					return ctx.Err()
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
