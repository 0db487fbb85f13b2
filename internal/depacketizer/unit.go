// Package depacketizer recovers VRLP packets from arbitrarily chunked byte
// ranges and demultiplexes them back into stream slices, tags and messages.
package depacketizer

import (
	"errors"
	"fmt"

	"github.com/1ureka/vrlp/internal/protocol"
)

// Kind identifies what a Unit carries.
type Kind uint8

const (
	KindStream  Kind = iota + 1 // raw stream items
	KindTag                     // tag object at an item offset
	KindMessage                 // control message
)

func (k Kind) String() string {
	switch k {
	case KindStream:
		return "stream"
	case KindTag:
		return "tag"
	case KindMessage:
		return "message"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Unit is one decoded logical unit. Body is a view into the receive buffer
// and is only valid until the next Feed or Write call; copy it to retain it.
type Unit struct {
	StreamID  uint32
	Seq       uint16
	Timestamp *protocol.Timestamp
	Kind      Kind
	Body      []byte
}

// TagOffset returns the absolute item offset of a tag unit.
func (u Unit) TagOffset() uint64 {
	if u.Timestamp == nil {
		return 0
	}
	return u.Timestamp.Uint64()
}

// Clone returns a copy of u whose Body no longer aliases the receive buffer.
func (u Unit) Clone() Unit {
	u.Body = append([]byte(nil), u.Body...)
	if u.Timestamp != nil {
		ts := *u.Timestamp
		u.Timestamp = &ts
	}
	return u
}

var (
	ErrPayloadSize   = errors.New("depacketizer: stream payload is not a multiple of the item size")
	ErrUnknownStream = errors.New("depacketizer: unknown stream id")
	ErrEnvelope      = errors.New("depacketizer: malformed extension envelope")
)

// StructuralError reports a well-formed packet whose contents do not fit the
// receiving channel. The packet is consumed; scanning continues.
type StructuralError struct {
	StreamID uint32
	Seq      uint16
	Err      error
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("stream %d seq %d: %v", e.StreamID, e.Seq, e.Err)
}

func (e *StructuralError) Unwrap() error { return e.Err }
