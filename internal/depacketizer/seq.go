package depacketizer

const (
	// seqModulus is the wire range of a sequence number.
	seqModulus = 1 << 12

	// RestartRun is the number of consecutive stale packets after which a
	// stream is taken to have restarted its sequence.
	RestartRun = 16
)

type seqState struct {
	next  uint16
	stale int // consecutive stale observations
}

// SeqTracker follows the 12-bit sequence of every stream id it observes.
// It is goroutine-local and needs no locking.
//
// A packet up to half the sequence range (2048) ahead of the expected one
// counts as new, with the packets in between reported missed. Anything else
// is stale. A sender that restarts its sequence, or a loss burst of 2048
// packets or more, therefore looks stale at first; after RestartRun stale
// packets in a row the tracker resynchronizes on the latest one.
type SeqTracker struct {
	streams map[uint32]*seqState
}

// NewSeqTracker creates a tracker with no streams seen.
func NewSeqTracker() *SeqTracker {
	return &SeqTracker{streams: make(map[uint32]*seqState)}
}

// Observe records seq on stream sid. missed is the number of packets skipped
// since the previous one; stale is true for a packet at or behind the last
// one seen (a re-delivered duplicate), which leaves the expected sequence
// unchanged. The first packet of a stream is always accepted, as is the
// packet completing a run of RestartRun stale ones.
func (s *SeqTracker) Observe(sid uint32, seq uint16) (missed int, stale bool) {
	seq &= seqModulus - 1
	st, seen := s.streams[sid]
	if !seen {
		s.streams[sid] = &seqState{next: (seq + 1) % seqModulus}
		return 0, false
	}

	delta := int(seq-st.next) & (seqModulus - 1)
	if delta >= seqModulus/2 {
		st.stale++
		if st.stale < RestartRun {
			return 0, true
		}
		delta = 0
	}
	st.next = (seq + 1) % seqModulus
	st.stale = 0
	return delta, false
}

// Forget drops the state for sid.
func (s *SeqTracker) Forget(sid uint32) {
	delete(s.streams, sid)
}
