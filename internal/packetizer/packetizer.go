package packetizer

import (
	"errors"
	"fmt"

	"github.com/1ureka/vrlp/internal/protocol"
)

const (
	// DefaultMTU applies when Config.MTU is zero.
	DefaultMTU = 1400

	// PadBytes is reserved out of every MTU for header and trailer words.
	PadBytes = protocol.MaxOverhead
)

var (
	ErrNoSources         = errors.New("packetizer: no sources")
	ErrItemSize          = errors.New("packetizer: item size must be positive")
	ErrMTUTooSmall       = errors.New("packetizer: mtu cannot hold one aligned item group")
	ErrMTUTooLarge       = errors.New("packetizer: mtu exceeds max packet bytes")
	ErrExtensionTooLarge = errors.New("packetizer: tag or message does not fit in one packet")
)

// Config holds Packetizer settings.
type Config struct {
	MTU            int  // max bytes per stream packet, 0 for DefaultMTU
	MaxPacketBytes int  // receiver ceiling, 0 for protocol.DefaultMaxPacketBytes
	Sync           bool // consume equal item counts from every source
}

type channel struct {
	src      Source
	id       uint32
	quantum  int // items per word-aligned group
	budget   int // max items per stream packet
	seq      uint16
	consumed uint64
}

// Packetizer converts its sources into packets. Source i is sent as stream
// id i. A Packetizer is not safe for concurrent use.
type Packetizer struct {
	cfg      Config
	channels []*channel
	lockstep int // sync mode item count granularity, aligned on every channel
}

// New validates the configuration against every source's item size.
func New(cfg Config, sources ...Source) (*Packetizer, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.MaxPacketBytes == 0 {
		cfg.MaxPacketBytes = protocol.DefaultMaxPacketBytes
	}
	if cfg.MTU > cfg.MaxPacketBytes {
		return nil, fmt.Errorf("%w: mtu %d > %d", ErrMTUTooLarge, cfg.MTU, cfg.MaxPacketBytes)
	}

	p := &Packetizer{cfg: cfg}
	room := cfg.MTU - PadBytes
	for i, src := range sources {
		size := src.ItemSize()
		if size <= 0 {
			return nil, fmt.Errorf("%w: source %d has item size %d", ErrItemSize, i, size)
		}
		group := GroupSize(size)
		if group > room {
			return nil, fmt.Errorf("%w: source %d item size %d needs %d bytes, mtu %d leaves %d",
				ErrMTUTooSmall, i, size, group, cfg.MTU, room)
		}
		budget := room / group * group / size
		if budget*size/protocol.WordSize > protocol.MaxPayloadWords {
			budget = protocol.MaxPayloadWords * protocol.WordSize / group * group / size
		}
		p.channels = append(p.channels, &channel{
			src:     src,
			id:      uint32(i),
			quantum: group / size,
			budget:  budget,
		})
	}

	if cfg.Sync {
		p.lockstep = 1
		for _, ch := range p.channels {
			p.lockstep = lcm(p.lockstep, ch.quantum)
		}
		for i, ch := range p.channels {
			if p.lockstep > ch.budget {
				return nil, fmt.Errorf("%w: sync mode moves %d items at a time, source %d fits %d",
					ErrMTUTooSmall, p.lockstep, i, ch.budget)
			}
		}
	}
	return p, nil
}

// GroupSize returns the smallest word-aligned byte count that holds a whole
// number of items of itemSize bytes. Stream payloads are multiples of it.
func GroupSize(itemSize int) int {
	return lcm(protocol.WordSize, itemSize)
}

// Consumed returns the number of items consumed from source i so far.
func (p *Packetizer) Consumed(i int) uint64 {
	return p.channels[i].consumed
}

// Work performs one pass over every source: pending messages, at most one
// stream packet, then the tags that fall inside the consumed range. It
// returns the number of packets handed to tx.
//
// An oversized tag or message is removed and reported after the pass, so one
// bad entry never blocks its channel.
func (p *Packetizer) Work(tx Sender) (int, error) {
	counts := make([]int, len(p.channels))
	if p.cfg.Sync {
		least := p.channels[0].ready()
		for _, ch := range p.channels[1:] {
			least = min(least, ch.ready())
		}
		least -= least % p.lockstep
		for i := range counts {
			counts[i] = least
		}
	} else {
		for i, ch := range p.channels {
			counts[i] = ch.numItems()
		}
	}

	sent := 0
	var extErrs []error
	for i, ch := range p.channels {
		n, err := p.workChannel(ch, counts[i], tx, &extErrs)
		sent += n
		if err != nil {
			return sent, err
		}
	}
	return sent, errors.Join(extErrs...)
}

func (p *Packetizer) workChannel(ch *channel, numItems int, tx Sender, extErrs *[]error) (int, error) {
	sent := 0

	msgs := ch.src.PendingMessages()
	for _, msg := range msgs {
		err := p.sendExtension(ch, msg, nil, tx)
		if err != nil && !errors.Is(err, ErrExtensionTooLarge) {
			return sent, err
		}
		ch.src.DropMessages(1)
		if err != nil {
			*extErrs = append(*extErrs, err)
			continue
		}
		sent++
	}

	if numItems > 0 {
		if err := p.sendStream(ch, numItems, tx); err != nil {
			return sent, err
		}
		sent++
	}

	for _, tag := range ch.src.PendingTags() {
		if tag.Offset >= ch.consumed {
			break
		}
		ts := protocol.TimestampFromUint64(tag.Offset)
		err := p.sendExtension(ch, tag.Value, &ts, tx)
		if err != nil && !errors.Is(err, ErrExtensionTooLarge) {
			return sent, err
		}
		ch.src.DropTags(1)
		if err != nil {
			*extErrs = append(*extErrs, err)
			continue
		}
		sent++
	}
	return sent, nil
}

// numItems is the largest word-aligned item count that is available and fits
// the MTU.
func (ch *channel) numItems() int {
	n := ch.ready()
	return n - n%ch.quantum
}

// ready is the available item count capped by the MTU budget.
func (ch *channel) ready() int {
	return min(ch.src.Available(), ch.budget)
}

func (p *Packetizer) sendStream(ch *channel, numItems int, tx Sender) error {
	pkt := &protocol.Packet{
		StreamID: ch.id,
		Seq:      ch.seq,
		Payload:  ch.src.Peek(0, numItems*ch.src.ItemSize()),
	}
	if ts, ok := ch.src.(Timestamper); ok {
		if t, ok := ts.StreamTimestamp(ch.consumed); ok {
			pkt.Timestamp = &t
		}
	}

	buf, err := protocol.Encode(pkt)
	if err != nil {
		return fmt.Errorf("packetizer: stream %d: %w", ch.id, err)
	}
	if err := tx.Send(buf); err != nil {
		return fmt.Errorf("packetizer: send stream %d: %w", ch.id, err)
	}

	ch.src.Consume(numItems)
	ch.consumed += uint64(numItems)
	ch.seq++
	return nil
}

func (p *Packetizer) sendExtension(ch *channel, body []byte, ts *protocol.Timestamp, tx Sender) error {
	size := protocol.EnvelopeSize(len(body)) + protocol.MaxOverhead
	if size > p.cfg.MaxPacketBytes || protocol.EnvelopeSize(len(body))/protocol.WordSize > protocol.MaxPayloadWords {
		return fmt.Errorf("%w: stream %d, %d bytes", ErrExtensionTooLarge, ch.id, len(body))
	}

	buf, err := protocol.Encode(&protocol.Packet{
		StreamID:  ch.id,
		Seq:       ch.seq,
		Extension: true,
		Timestamp: ts,
		Payload:   protocol.AppendEnvelope(make([]byte, 0, protocol.EnvelopeSize(len(body))), body),
	})
	if err != nil {
		return fmt.Errorf("packetizer: stream %d: %w", ch.id, err)
	}
	if err := tx.Send(buf); err != nil {
		return fmt.Errorf("packetizer: send extension on stream %d: %w", ch.id, err)
	}
	ch.seq++
	return nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	return a / gcd(a, b) * b
}
