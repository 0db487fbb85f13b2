// Package transport connects VRLP endpoints over byte transports. Every link
// sends whole encoded packets and runs a receive loop that feeds a
// depacketizer.Depacketizer.
package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/1ureka/vrlp/internal/depacketizer"
	"github.com/1ureka/vrlp/internal/util"
)

// Tuning constants.
const (
	ReadBufferSize = 64 * 1024              // per-read buffer for stream and datagram links
	ReadTimeout    = 100 * time.Millisecond // read deadline for interruptibility
)

var (
	ErrNoPeer = errors.New("transport: datagram peer address unknown")
	ErrClosed = errors.New("transport: link closed")
)

// Link is a bidirectional packet transport.
type Link interface {
	// Send transmits one whole encoded packet. Safe for concurrent use.
	Send(pkt []byte) error

	// Run feeds every received delivery to d until the peer closes the link
	// (nil) or ctx is cancelled (ctx.Err()). Run must not be called
	// concurrently with itself.
	Run(ctx context.Context, d *depacketizer.Depacketizer) error

	// Recover reports whether deliveries may split or coalesce packets, i.e.
	// whether the receiving Depacketizer needs recovery mode.
	Recover() bool

	Close() error
}

// publisher forwards Depacketizer counter deltas to the process-wide stats.
type publisher struct {
	prev depacketizer.Stats
}

func newPublisher(d *depacketizer.Depacketizer) *publisher {
	return &publisher{prev: d.Stats()}
}

func (p *publisher) publish(d *depacketizer.Depacketizer) {
	cur := d.Stats()
	util.Stats.AddPackets(cur.Packets - p.prev.Packets)
	util.Stats.AddSkipped(cur.SkippedBytes - p.prev.SkippedBytes)
	util.Stats.AddDropped(cur.DroppedDatagrams - p.prev.DroppedDatagrams)
	p.prev = cur
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
