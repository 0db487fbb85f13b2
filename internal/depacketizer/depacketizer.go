package depacketizer

import (
	"fmt"
	"iter"

	"github.com/1ureka/vrlp/internal/protocol"
	"github.com/1ureka/vrlp/internal/util"
)

// DefaultItemSize applies to every stream when Config.ItemSizes is empty.
const DefaultItemSize = 4

// Config holds Depacketizer settings.
type Config struct {
	// Recover enables accumulation and byte-granular resynchronization. Leave
	// it off for transports that deliver exactly one packet per read.
	Recover bool

	// MaxPacketBytes caps the declared packet length that will be waited for.
	// Zero means protocol.DefaultMaxPacketBytes.
	MaxPacketBytes int

	// ItemSizes maps stream ids to their item size. When non-empty, packets
	// for ids not listed are structural errors.
	ItemSizes map[uint32]int
}

// Stats counts what a Depacketizer has seen.
type Stats struct {
	Packets          uint64 // packets decoded, including structural errors
	SkippedBytes     uint64 // garbage bytes discarded while resynchronizing
	FragmentWaits    uint64 // scans that stopped on a partial packet
	DroppedDatagrams uint64 // non-recovering deliveries that did not decode
	StructuralErrors uint64
}

// Depacketizer turns transport deliveries into Units. It owns its
// accumulation buffer and is not safe for concurrent use; drive it from one
// receive loop per connection.
type Depacketizer struct {
	cfg Config

	buf      []byte // accumulation arena; bytes before off are consumed
	off      int
	borrowed bool // buf aliases a caller slice
	skipRun  int  // garbage bytes skipped since the last packet

	pending [][]byte // datagrams fed but not yet ranged over

	stats Stats

	onUnit  func(Unit)
	onError func(error)
}

// New creates a Depacketizer.
func New(cfg Config) *Depacketizer {
	if cfg.MaxPacketBytes <= 0 {
		cfg.MaxPacketBytes = protocol.DefaultMaxPacketBytes
	}
	return &Depacketizer{cfg: cfg}
}

// OnUnit registers the handler Write delivers units to.
func (d *Depacketizer) OnUnit(fn func(Unit)) { d.onUnit = fn }

// OnError registers the handler Write delivers structural errors to.
func (d *Depacketizer) OnError(fn func(error)) { d.onError = fn }

// Stats returns a snapshot of the counters.
func (d *Depacketizer) Stats() Stats { return d.stats }

// Buffered returns the number of bytes held awaiting a complete packet, or
// in datagram mode, fed but not yet decoded.
func (d *Depacketizer) Buffered() int {
	n := len(d.buf) - d.off
	for _, p := range d.pending {
		n += len(p)
	}
	return n
}

// Feed appends p and returns the units that can now be recovered, in arrival
// order. Bytes are buffered immediately; scanning happens as the sequence is
// ranged over. Stopping early leaves the rest buffered, and ranging again
// (or calling Feed(nil)) resumes where the scan stopped. Nothing is yielded
// twice. Without Recover each non-empty p is queued as one datagram.
//
// A non-nil error accompanies a *StructuralError; the Unit then carries the
// offending packet's stream id and sequence.
func (d *Depacketizer) Feed(p []byte) iter.Seq2[Unit, error] {
	if !d.cfg.Recover {
		if len(p) > 0 {
			d.pending = append(d.pending, append([]byte(nil), p...))
		}
		return d.drainDatagrams
	}
	d.accumulate(p, false)
	return d.scan
}

// Write implements io.Writer: it feeds p and hands every recovered unit to
// the OnUnit handler and every structural error to the OnError handler. It
// never fails.
func (d *Depacketizer) Write(p []byte) (int, error) {
	deliver := func(u Unit, err error) bool {
		if err != nil {
			if d.onError != nil {
				d.onError(err)
			}
			return true
		}
		if d.onUnit != nil {
			d.onUnit(u)
		}
		return true
	}

	if !d.cfg.Recover {
		d.drainDatagrams(deliver)
		d.datagram(p, deliver)
		return len(p), nil
	}

	d.accumulate(p, true)
	d.scan(deliver)
	d.own()
	return len(p), nil
}

// Reset discards any buffered bytes.
func (d *Depacketizer) Reset() {
	d.buf, d.off, d.borrowed, d.skipRun = nil, 0, false, 0
	d.pending = nil
}

// accumulate appends p to the arena. With borrow set and an empty arena, p is
// used in place; the caller must call own before p can change.
func (d *Depacketizer) accumulate(p []byte, borrow bool) {
	if len(p) == 0 {
		return
	}
	if d.off == len(d.buf) {
		if borrow {
			d.buf, d.off, d.borrowed = p[:len(p):len(p)], 0, true
			return
		}
		d.buf, d.off = append(d.buf[:0], p...), 0
		return
	}

	d.own()
	if d.off > 0 && d.off >= cap(d.buf)/2 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf, d.off = d.buf[:n], 0
	}
	d.buf = append(d.buf, p...)
}

// own copies unconsumed borrowed bytes into storage the Depacketizer owns.
func (d *Depacketizer) own() {
	if !d.borrowed {
		return
	}
	d.buf, d.off, d.borrowed = append([]byte(nil), d.buf[d.off:]...), 0, false
}

// release drops the arena once it is fully drained so idle connections hold
// no memory.
func (d *Depacketizer) release() {
	if d.off == len(d.buf) {
		d.buf, d.off, d.borrowed = nil, 0, false
	}
}

// scan is the recovery loop: decode at the front, wait on a fragment, or
// advance one byte past anything that is not a packet.
func (d *Depacketizer) scan(yield func(Unit, error) bool) {
	defer d.release()

	for len(d.buf)-d.off >= protocol.MinPacketBytes {
		pkt, status, n := protocol.Scan(d.buf[d.off:], d.cfg.MaxPacketBytes)

		switch status {
		case protocol.NeedMoreData:
			d.stats.FragmentWaits++
			return

		case protocol.Invalid:
			d.off++
			d.skipRun++
			d.stats.SkippedBytes++
			continue
		}

		if d.skipRun > 0 {
			util.LogDebug("resynchronized after skipping %d garbage bytes", d.skipRun)
			d.skipRun = 0
		}
		d.off += n
		if !yield(d.unit(pkt)) {
			return
		}
	}
}

// drainDatagrams decodes queued datagrams, removing each before it is
// yielded.
func (d *Depacketizer) drainDatagrams(yield func(Unit, error) bool) {
	for len(d.pending) > 0 {
		p := d.pending[0]
		d.pending[0] = nil
		d.pending = d.pending[1:]
		if !d.datagram(p, yield) {
			return
		}
	}
	d.pending = nil
}

// datagram decodes one delivery that must hold exactly one packet. It
// reports whether the caller wants more.
func (d *Depacketizer) datagram(p []byte, yield func(Unit, error) bool) bool {
	if len(p) == 0 {
		return true
	}
	pkt, status, n := protocol.Scan(p, d.cfg.MaxPacketBytes)
	if status != protocol.Parsed {
		d.stats.DroppedDatagrams++
		util.LogDebug("dropped %d-byte datagram (%s)", len(p), status)
		return true
	}
	if n < len(p) {
		util.LogDebug("ignoring %d trailing bytes after packet in datagram", len(p)-n)
	}
	return yield(d.unit(pkt))
}

// unit converts a decoded packet into a Unit, checking it against the
// receiving channel.
func (d *Depacketizer) unit(pkt protocol.Packet) (Unit, error) {
	d.stats.Packets++
	u := Unit{StreamID: pkt.StreamID, Seq: pkt.Seq, Timestamp: pkt.Timestamp}

	itemSize, known := d.itemSize(pkt.StreamID)
	if !known {
		return u, d.structural(pkt, ErrUnknownStream)
	}

	if !pkt.Extension {
		if len(pkt.Payload)%itemSize != 0 {
			return u, d.structural(pkt, fmt.Errorf("%w: %d bytes, item size %d", ErrPayloadSize, len(pkt.Payload), itemSize))
		}
		u.Kind = KindStream
		u.Body = pkt.Payload
		return u, nil
	}

	body, err := protocol.OpenEnvelope(pkt.Payload)
	if err != nil {
		return u, d.structural(pkt, fmt.Errorf("%w: %v", ErrEnvelope, err))
	}
	u.Body = body
	if pkt.Timestamp != nil {
		u.Kind = KindTag
	} else {
		u.Kind = KindMessage
	}
	return u, nil
}

func (d *Depacketizer) itemSize(sid uint32) (int, bool) {
	if len(d.cfg.ItemSizes) == 0 {
		return DefaultItemSize, true
	}
	size, ok := d.cfg.ItemSizes[sid]
	return size, ok && size > 0
}

func (d *Depacketizer) structural(pkt protocol.Packet, err error) error {
	d.stats.StructuralErrors++
	return &StructuralError{StreamID: pkt.StreamID, Seq: pkt.Seq, Err: err}
}
