package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/1ureka/vrlp/internal/depacketizer"
	"github.com/1ureka/vrlp/internal/util"
)

// StreamLink carries packets over a byte stream (TCP, pipe, file). Reads
// return arbitrary slices of the stream, so the receiver must recover.
type StreamLink struct {
	rw io.ReadWriter
	mu sync.Mutex // serializes writes so packets never interleave
}

// NewStreamLink wraps rw. If rw also implements io.Closer, Close closes it.
func NewStreamLink(rw io.ReadWriter) *StreamLink {
	return &StreamLink{rw: rw}
}

func (l *StreamLink) Send(pkt []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.rw.Write(pkt); err != nil {
		return fmt.Errorf("stream send: %w", err)
	}
	util.Stats.AddSent(len(pkt))
	return nil
}

func (l *StreamLink) Recover() bool { return true }

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Run reads until EOF. Readers with read deadlines are polled every
// ReadTimeout so cancellation is noticed; others are checked between reads.
func (l *StreamLink) Run(ctx context.Context, d *depacketizer.Depacketizer) error {
	dl, hasDeadline := l.rw.(readDeadliner)
	buf := make([]byte, ReadBufferSize)
	pub := newPublisher(d)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if hasDeadline {
			// Errors mean the reader has no deadline support (regular files).
			if dl.SetReadDeadline(time.Now().Add(ReadTimeout)) != nil {
				hasDeadline = false
			}
		}

		n, err := l.rw.Read(buf)
		if n > 0 {
			util.Stats.AddRecv(n)
			d.Write(buf[:n])
			pub.publish(d)
		}

		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream read: %w", err)
		}
	}
}

func (l *StreamLink) Close() error {
	if c, ok := l.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
