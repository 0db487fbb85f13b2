// Package protocol defines the VRLP packet format used to multiplex stream
// ports, tag events and control messages onto one byte transport.
//
// Layout (big-endian 32-bit words):
//
//	word 0      "VRLP" start marker
//	word 1      seq12 (bits 31..20) | total_words20 (bits 19..0)
//	word 2      flags | seq_low4 (bits 19..16) | payload_words16 (bits 15..0)
//	word 3      stream id
//	word 4..5   timestamp seconds, fraction (only when FlagTSF is set)
//	...         payload words
//	last word   "VEND" end marker
package protocol

import "errors"

// Wire markers.
const (
	MagicStart uint32 = 'V'<<24 | 'R'<<16 | 'L'<<8 | 'P'
	MagicEnd   uint32 = 'V'<<24 | 'E'<<16 | 'N'<<8 | 'D'
)

// Header word flags.
const (
	FlagSID uint32 = 1 << 28 // always set
	FlagExt uint32 = 1 << 29 // payload is a tag or message envelope
	FlagTSF uint32 = 1 << 20 // timestamp words present

	// reservedBits must be clear in every header word.
	reservedBits uint32 = 1<<31 | 1<<30 | 1<<27 | 1<<26 | 1<<23 | 1<<22 | 1<<21
)

// Sizes, in 32-bit words unless noted.
const (
	WordSize        = 4
	HeaderWords     = 4 // without timestamp
	HeaderWordsTSF  = 6 // with timestamp
	TrailerWords    = 1
	MinPacketBytes  = (HeaderWords + TrailerWords) * WordSize
	MaxOverhead     = (HeaderWordsTSF + TrailerWords) * WordSize
	MaxPayloadWords = 0xFFFF
	MaxTotalWords   = 0xFFFFF

	// DefaultMaxPacketBytes bounds the length a decoder will accept or wait for.
	DefaultMaxPacketBytes = 128 * 1024
)

const seqMask = 0xFFF

var (
	ErrUnalignedPayload = errors.New("protocol: payload is not a multiple of 4 bytes")
	ErrPayloadTooLarge  = errors.New("protocol: payload exceeds 16-bit word count")
	ErrShortEnvelope    = errors.New("protocol: extension envelope truncated")
)

// Packet is one decoded (or to-be-encoded) VRLP packet.
//
// On decode, Payload aliases the input buffer.
type Packet struct {
	StreamID  uint32
	Seq       uint16 // 12 significant bits
	Extension bool
	Timestamp *Timestamp
	Payload   []byte
}

// Size returns the encoded length of p in bytes.
func (p *Packet) Size() int {
	return headerWords(p.Timestamp != nil)*WordSize + len(p.Payload) + TrailerWords*WordSize
}

// Timestamp is the 64-bit VRLP time field: integer seconds plus a 32-bit
// binary fraction. Tag packets store the tag's absolute item offset here.
type Timestamp struct {
	Seconds  uint32
	Fraction uint32
}

// TimestampFromUint64 splits v into its high (seconds) and low (fraction) words.
func TimestampFromUint64(v uint64) Timestamp {
	return Timestamp{Seconds: uint32(v >> 32), Fraction: uint32(v)}
}

// Uint64 returns the timestamp as the concatenated 64-bit quantity.
func (t Timestamp) Uint64() uint64 {
	return uint64(t.Seconds)<<32 | uint64(t.Fraction)
}

// Frac returns the fractional field as a value in [0, 1).
func (t Timestamp) Frac() float64 {
	return float64(t.Fraction) / (1 << 32)
}

func headerWords(tsf bool) int {
	if tsf {
		return HeaderWordsTSF
	}
	return HeaderWords
}
