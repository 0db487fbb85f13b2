package transport

import (
	"sync"

	"github.com/1ureka/vrlp/internal/packetizer"
)

// Chunker re-slices a packet stream into deliveries of exactly MTU bytes,
// the way a stream-to-datagram bridge does: one delivery may end inside a
// packet and the next start mid-header. The receiving Depacketizer must
// recover. Call Flush to push out a short final delivery.
type Chunker struct {
	mtu  int
	next packetizer.Sender

	mu      sync.Mutex
	pending []byte
}

// NewChunker creates a Chunker forwarding to next. mtu <= 0 disables
// re-slicing.
func NewChunker(mtu int, next packetizer.Sender) *Chunker {
	return &Chunker{mtu: mtu, next: next}
}

// Send appends pkt to the pending stream and forwards every full delivery.
func (c *Chunker) Send(pkt []byte) error {
	if c.mtu <= 0 {
		return c.next.Send(pkt)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, pkt...)
	for len(c.pending) >= c.mtu {
		chunk := append([]byte(nil), c.pending[:c.mtu]...)
		c.pending = c.pending[c.mtu:]
		if err := c.next.Send(chunk); err != nil {
			return err
		}
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
	return nil
}

// Flush forwards any buffered remainder as one short delivery.
func (c *Chunker) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	chunk := c.pending
	c.pending = nil
	return c.next.Send(chunk)
}

// Buffered returns the number of bytes awaiting a full delivery.
func (c *Chunker) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
