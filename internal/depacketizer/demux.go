package depacketizer

import (
	"sync"

	"github.com/1ureka/vrlp/internal/util"
)

// Handler consumes the units of one stream id.
type Handler func(Unit)

// DemuxStats counts Demux outcomes.
type DemuxStats struct {
	Delivered  uint64
	Unrouted   uint64
	Duplicates uint64
	Missed     uint64 // packets inferred lost from sequence gaps
}

// Demux maintains the stream id → handler route table. Units are checked
// against a SeqTracker first so re-delivered packets are dropped.
type Demux struct {
	mu       sync.Mutex
	routes   map[uint32]Handler
	fallback Handler
	seq      *SeqTracker
	stats    DemuxStats
}

// NewDemux creates an empty route table.
func NewDemux() *Demux {
	return &Demux{
		routes: make(map[uint32]Handler),
		seq:    NewSeqTracker(),
	}
}

// Handle routes stream sid to h, replacing any previous route.
func (m *Demux) Handle(sid uint32, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[sid] = h
}

// HandleDefault routes every stream without its own handler to h.
func (m *Demux) HandleDefault(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = h
}

// Remove deletes the route and sequence state for sid.
func (m *Demux) Remove(sid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, sid)
	m.seq.Forget(sid)
}

// Deliver routes u to its handler. It returns false when u was a duplicate
// or no route exists. The handler runs without the lock held.
func (m *Demux) Deliver(u Unit) bool {
	m.mu.Lock()
	missed, stale := m.seq.Observe(u.StreamID, u.Seq)
	if stale {
		m.stats.Duplicates++
		m.mu.Unlock()
		util.LogDebug("[sid %d] dropping re-delivered seq %d", u.StreamID, u.Seq)
		return false
	}
	if missed > 0 {
		m.stats.Missed += uint64(missed)
		util.LogDebug("[sid %d] %d packets missing before seq %d", u.StreamID, missed, u.Seq)
	}

	h, ok := m.routes[u.StreamID]
	if !ok {
		h = m.fallback
	}
	if h == nil {
		m.stats.Unrouted++
		m.mu.Unlock()
		return false
	}
	m.stats.Delivered++
	m.mu.Unlock()

	h(u)
	return true
}

// Stats returns a snapshot of the counters.
func (m *Demux) Stats() DemuxStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
