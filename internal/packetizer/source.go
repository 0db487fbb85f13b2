// Package packetizer slices outgoing stream ports, tag events and control
// messages into MTU-bounded VRLP packets.
package packetizer

import (
	"github.com/1ureka/vrlp/internal/protocol"
)

// Tag is a timestamped event attached to an absolute item offset of a stream.
type Tag struct {
	Offset uint64 // absolute item index since the stream started
	Value  []byte // opaque serialized tag object
}

// Source is one upstream channel feeding the Packetizer.
//
// Offsets passed to Peek are relative to the current read position; Consume
// advances that position. Tags are expected in non-decreasing Offset order.
type Source interface {
	ItemSize() int
	Available() int
	Peek(offset, length int) []byte
	Consume(items int)

	PendingTags() []Tag
	DropTags(n int)
	PendingMessages() [][]byte
	DropMessages(n int)
}

// Timestamper is an optional Source extension. When implemented, stream
// packets carry the timestamp of their first item.
type Timestamper interface {
	StreamTimestamp(item uint64) (protocol.Timestamp, bool)
}

// Sender hands complete packets to a transport. Implementations may retain
// the slice.
type Sender interface {
	Send(pkt []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(pkt []byte) error

func (f SenderFunc) Send(pkt []byte) error { return f(pkt) }
