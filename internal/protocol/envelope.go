package protocol

import (
	"encoding/binary"
	"fmt"
)

// Extension payloads carry an envelope so serialized objects of any length
// survive word alignment:
//
//	[byte length (4)][body][zero pad to a word boundary]

// EnvelopeSize returns the padded envelope length for a body of n bytes.
func EnvelopeSize(n int) int {
	return WordSize + (n+WordSize-1)/WordSize*WordSize
}

// AppendEnvelope appends the envelope for body to dst.
func AppendEnvelope(dst, body []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	dst = append(dst, body...)
	for pad := EnvelopeSize(len(body)) - WordSize - len(body); pad > 0; pad-- {
		dst = append(dst, 0)
	}
	return dst
}

// OpenEnvelope returns the body carried by an extension payload. The result
// aliases payload.
func OpenEnvelope(payload []byte) ([]byte, error) {
	if len(payload) < WordSize {
		return nil, ErrShortEnvelope
	}
	declared := binary.BigEndian.Uint32(payload[0:4])
	if uint64(declared) > uint64(len(payload)-WordSize) {
		return nil, fmt.Errorf("%w: declares %d bytes, has %d", ErrShortEnvelope, declared, len(payload)-WordSize)
	}
	n := WordSize + int(declared)
	return payload[WordSize:n:n], nil
}
