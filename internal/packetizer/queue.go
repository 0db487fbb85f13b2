package packetizer

import (
	"fmt"
	"sync"
)

// compactThreshold is the consumed prefix size that triggers a buffer shift.
const compactThreshold = 64 * 1024

// Queue is an in-memory Source. Producers may push from other goroutines
// while a single Packetizer drains it.
type Queue struct {
	itemSize int

	mu       sync.Mutex
	data     []byte
	off      int
	produced uint64 // items ever pushed
	tags     []Tag
	msgs     [][]byte
}

// NewQueue creates an empty queue of items itemSize bytes wide.
func NewQueue(itemSize int) *Queue {
	return &Queue{itemSize: itemSize}
}

// Push appends whole items. len(items) must be a multiple of the item size.
func (q *Queue) Push(items []byte) error {
	if len(items)%q.itemSize != 0 {
		return fmt.Errorf("packetizer: push of %d bytes is not a multiple of item size %d", len(items), q.itemSize)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.data = append(q.data, items...)
	q.produced += uint64(len(items) / q.itemSize)
	return nil
}

// PushTag queues a tag at an absolute item offset.
func (q *Queue) PushTag(offset uint64, value []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tags = append(q.tags, Tag{Offset: offset, Value: value})
}

// TagNext queues a tag on the next item to be pushed.
func (q *Queue) TagNext(value []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tags = append(q.tags, Tag{Offset: q.produced, Value: value})
}

// PushMessage queues a control message.
func (q *Queue) PushMessage(msg []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
}

// Produced returns the number of items ever pushed.
func (q *Queue) Produced() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.produced
}

// ItemSize returns the byte size of one item. Queue implements Source.
func (q *Queue) ItemSize() int { return q.itemSize }

// Available returns the number of whole items queued.
func (q *Queue) Available() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return (len(q.data) - q.off) / q.itemSize
}

// Peek returns a view of length bytes starting offset bytes into the queue.
func (q *Queue) Peek(offset, length int) []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	start := q.off + offset
	return q.data[start : start+length : start+length]
}

// Consume removes items from the front of the queue.
func (q *Queue) Consume(items int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.off += items * q.itemSize
	switch {
	case q.off == len(q.data):
		q.data = q.data[:0]
		q.off = 0
	case q.off >= compactThreshold:
		n := copy(q.data, q.data[q.off:])
		q.data = q.data[:n]
		q.off = 0
	}
}

// PendingTags returns a copy of the queued tags, oldest first.
func (q *Queue) PendingTags() []Tag {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Tag(nil), q.tags...)
}

// DropTags removes the n oldest tags.
func (q *Queue) DropTags(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tags = q.tags[n:]
}

// PendingMessages returns a copy of the queued messages, oldest first.
func (q *Queue) PendingMessages() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([][]byte(nil), q.msgs...)
}

// DropMessages removes the n oldest messages.
func (q *Queue) DropMessages(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = q.msgs[n:]
}
