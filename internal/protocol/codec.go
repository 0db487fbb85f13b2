package protocol

import (
	"encoding/binary"
	"fmt"
)

// Status classifies a candidate packet at the front of a byte range.
type Status uint8

const (
	Invalid      Status = iota // not a packet at this offset
	NeedMoreData               // plausible packet start; declared length not yet buffered
	Parsed                     // complete packet with valid trailer
)

func (s Status) String() string {
	switch s {
	case Invalid:
		return "invalid"
	case NeedMoreData:
		return "need-more-data"
	case Parsed:
		return "parsed"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Encode serializes a Packet into a newly allocated buffer.
func Encode(pkt *Packet) ([]byte, error) {
	return AppendEncode(make([]byte, 0, pkt.Size()), pkt)
}

// AppendEncode appends the framed form of pkt to dst.
func AppendEncode(dst []byte, pkt *Packet) ([]byte, error) {
	if len(pkt.Payload)%WordSize != 0 {
		return dst, ErrUnalignedPayload
	}
	payloadWords := len(pkt.Payload) / WordSize
	if payloadWords > MaxPayloadWords {
		return dst, fmt.Errorf("%w: %d words", ErrPayloadTooLarge, payloadWords)
	}

	tsf := pkt.Timestamp != nil
	hdrWords := headerWords(tsf)
	totalWords := uint32(hdrWords + payloadWords + TrailerWords)
	seq := uint32(pkt.Seq) & seqMask

	hdr := FlagSID | (seq&0xF)<<16 | uint32(payloadWords)
	if pkt.Extension {
		hdr |= FlagExt
	}
	if tsf {
		hdr |= FlagTSF
	}

	dst = binary.BigEndian.AppendUint32(dst, MagicStart)
	dst = binary.BigEndian.AppendUint32(dst, seq<<20|totalWords)
	dst = binary.BigEndian.AppendUint32(dst, hdr)
	dst = binary.BigEndian.AppendUint32(dst, pkt.StreamID)
	if tsf {
		dst = binary.BigEndian.AppendUint32(dst, pkt.Timestamp.Seconds)
		dst = binary.BigEndian.AppendUint32(dst, pkt.Timestamp.Fraction)
	}
	dst = append(dst, pkt.Payload...)
	dst = binary.BigEndian.AppendUint32(dst, MagicEnd)
	return dst, nil
}

// Decode parses a complete packet at the start of data using the default
// packet size ceiling. ok is false for anything that is not a whole, valid
// packet; bytes after the packet are ignored.
func Decode(data []byte) (pkt Packet, ok bool) {
	pkt, status, _ := Scan(data, DefaultMaxPacketBytes)
	return pkt, status == Parsed
}

// Scan inspects the bytes at the start of b. n is the declared packet length
// when status is Parsed or NeedMoreData, and 0 when Invalid. The returned
// Payload is a view into b.
//
// Ranges shorter than MinPacketBytes report NeedMoreData.
func Scan(b []byte, maxBytes int) (pkt Packet, status Status, n int) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPacketBytes
	}
	if len(b) < MinPacketBytes {
		return Packet{}, NeedMoreData, 0
	}
	if binary.BigEndian.Uint32(b[0:4]) != MagicStart {
		return Packet{}, Invalid, 0
	}

	w1 := binary.BigEndian.Uint32(b[4:8])
	n = int(w1&MaxTotalWords) * WordSize
	if n > maxBytes || n < MinPacketBytes {
		return Packet{}, Invalid, 0
	}
	if n > len(b) {
		return Packet{}, NeedMoreData, n
	}

	pkt, ok := decodeFrame(b[:n], w1)
	if !ok {
		return Packet{}, Invalid, 0
	}
	return pkt, Parsed, n
}

// decodeFrame validates a buffer holding exactly one declared packet.
func decodeFrame(b []byte, w1 uint32) (Packet, bool) {
	totalWords := len(b) / WordSize
	seq12 := w1 >> 20

	hdr := binary.BigEndian.Uint32(b[8:12])
	if hdr&FlagSID == 0 || hdr&reservedBits != 0 {
		return Packet{}, false
	}
	tsf := hdr&FlagTSF != 0
	hdrWords := headerWords(tsf)
	payloadWords := int(hdr & MaxPayloadWords)
	if payloadWords != totalWords-hdrWords-TrailerWords {
		return Packet{}, false
	}
	if (hdr>>16)&0xF != seq12&0xF {
		return Packet{}, false
	}
	if binary.BigEndian.Uint32(b[len(b)-4:]) != MagicEnd {
		return Packet{}, false
	}

	pkt := Packet{
		StreamID:  binary.BigEndian.Uint32(b[12:16]),
		Seq:       uint16(seq12),
		Extension: hdr&FlagExt != 0,
	}
	if tsf {
		pkt.Timestamp = &Timestamp{
			Seconds:  binary.BigEndian.Uint32(b[16:20]),
			Fraction: binary.BigEndian.Uint32(b[20:24]),
		}
	}
	start := hdrWords * WordSize
	pkt.Payload = b[start : start+payloadWords*WordSize : start+payloadWords*WordSize]
	return pkt, true
}

// String renders the packet header for diagnostics.
func (p *Packet) String() string {
	kind := "stream"
	if p.Extension {
		kind = "ext"
	}
	ts := "-"
	if p.Timestamp != nil {
		ts = fmt.Sprintf("%d+%.6f", p.Timestamp.Seconds, p.Timestamp.Frac())
	}
	return fmt.Sprintf("sid=%d seq=%d kind=%s tsf=%s payload=%dB", p.StreamID, p.Seq, kind, ts, len(p.Payload))
}
