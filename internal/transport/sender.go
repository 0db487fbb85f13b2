package transport

import (
	"context"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/vrlp/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing packet channel capacity
)

// sender is the single writer to a DataChannel. It waits for the channel to
// open and throttles on the SCTP buffered amount.
type sender struct {
	inbox       chan []byte
	drainSignal chan struct{}
	pending     atomic.Int64 // queued or in-flight packets
}

// newSender wires the backpressure callbacks on dc and starts the loop. The
// loop exits when ctx is cancelled or a send fails, calling fail in the
// latter case.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}, fail func()) *sender {
	s := &sender{
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal, fail)
	return s
}

func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}, fail func()) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case pkt := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			err := dc.Send(pkt)
			s.pending.Add(-1)
			if err != nil {
				util.LogError("failed to send %d-byte packet on DataChannel: %v", len(pkt), err)
				fail()
				return
			}
			util.Stats.AddSent(len(pkt))

		case <-ctx.Done():
			return
		}
	}
}

// send enqueues pkt, blocking while the queue is full.
func (s *sender) send(ctx context.Context, pkt []byte) error {
	s.pending.Add(1)
	select {
	case s.inbox <- pkt:
		return nil
	case <-ctx.Done():
		s.pending.Add(-1)
		return ErrClosed
	}
}
