package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/1ureka/vrlp/internal/config"
	"github.com/1ureka/vrlp/internal/packetizer"
	"github.com/1ureka/vrlp/internal/transport"
	"github.com/1ureka/vrlp/internal/util"
)

// Control messages and tags the send command emits.
const (
	eofPrefix  = "eof:"  // channel finished; the suffix is the input's byte length
	filePrefix = "file:" // tag on item 0 naming the input
)

// input is one file being sent as a stream channel.
type input struct {
	name   string
	f      *os.File
	q      *packetizer.Queue
	carry  []byte // bytes of an incomplete item
	size   int64
	eof    bool // file fully read and queued
	done   bool // end-of-channel message queued
	tagged bool
}

// push queues whole items, tagging the first one with the input's name.
func (in *input) push(items []byte) error {
	if len(items) == 0 {
		return nil
	}
	if !in.tagged {
		in.q.TagNext([]byte(filePrefix + filepath.Base(in.name)))
		in.tagged = true
	}
	return in.q.Push(items)
}

// fill reads up to len(buf) bytes and queues every whole item.
func (in *input) fill(buf []byte) error {
	n, err := io.ReadFull(in.f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("read %s: %w", in.name, err)
	}
	in.size += int64(n)

	itemSize := in.q.ItemSize()
	data := append(in.carry, buf[:n]...)
	whole := len(data) - len(data)%itemSize
	if err := in.push(data[:whole]); err != nil {
		return err
	}
	in.carry = append([]byte(nil), data[whole:]...)

	if n < len(buf) {
		in.eof = true
		return in.pad()
	}
	return nil
}

// pad zero-fills the input out to a whole aligned group, so the packetizer
// can send its final items. The eof message carries the true length.
func (in *input) pad() error {
	group := int64(packetizer.GroupSize(in.q.ItemSize()))
	short := int((group - in.size%group) % group)
	if short == 0 {
		return nil
	}
	tail := make([]byte, len(in.carry)+short)
	copy(tail, in.carry)
	in.carry = nil
	util.LogDebug("%s: padding final items with %d zero bytes", in.name, short)
	return in.push(tail)
}

// runSend streams each file as its own channel (file i is stream id i) and
// closes every channel with an eof message.
func runSend(ctx context.Context, cfg config.Config, link transport.Link, paths []string) error {
	if len(paths) == 0 {
		return errors.New("no input files")
	}

	inputs := make([]*input, len(paths))
	sources := make([]packetizer.Source, len(paths))
	for i, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		q := packetizer.NewQueue(cfg.ItemSize(uint32(i)))
		inputs[i] = &input{name: path, f: f, q: q}
		sources[i] = q
	}

	p, err := packetizer.New(cfg.Packetizer(), sources...)
	if err != nil {
		return err
	}

	var tx packetizer.Sender = link
	var chunker *transport.Chunker
	if cfg.Chunk > 0 {
		chunker = transport.NewChunker(cfg.Chunk, link)
		tx = chunker
	}

	buf := make([]byte, cfg.ReadSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		reading := false
		for _, in := range inputs {
			if !in.eof {
				reading = true
				if err := in.fill(buf); err != nil {
					return err
				}
			}
		}

		sent, err := drain(p, tx)
		if err != nil {
			return err
		}

		// A channel ends only after its last item is on the wire.
		finished := true
		for _, in := range inputs {
			if in.done {
				continue
			}
			if in.eof && in.q.Available() == 0 {
				in.q.PushMessage([]byte(eofPrefix + strconv.FormatInt(in.size, 10)))
				in.done = true
				sent++
				continue
			}
			finished = false
		}

		if finished {
			if _, err := drain(p, tx); err != nil {
				return err
			}
			break
		}
		if !reading && sent == 0 {
			return stallError(cfg, inputs)
		}
	}

	if chunker != nil {
		if err := chunker.Flush(); err != nil {
			return err
		}
	}
	if f, ok := link.(interface{ Flush(context.Context) error }); ok {
		if err := f.Flush(ctx); err != nil {
			return err
		}
	}

	for i, in := range inputs {
		util.LogDebug("stream %d: %s, %d bytes, %d items", i, in.name, in.size, p.Consumed(i))
	}
	return nil
}

// stallError describes why queued items could not be sent.
func stallError(cfg config.Config, inputs []*input) error {
	var left []string
	for i, in := range inputs {
		if n := in.q.Available(); n > 0 {
			left = append(left, fmt.Sprintf("stream %d: %d items", i, n))
		}
	}
	queued := strings.Join(left, ", ")
	if cfg.Sync {
		return fmt.Errorf("inputs stalled (%s): sync mode needs equal item counts on every channel", queued)
	}
	return fmt.Errorf("inputs stalled (%s): fewer items than one aligned group", queued)
}

// drain runs packetizer passes until one sends nothing. Oversized tags and
// messages are dropped with a warning.
func drain(p *packetizer.Packetizer, tx packetizer.Sender) (int, error) {
	total := 0
	for {
		n, err := p.Work(tx)
		total += n
		if err != nil {
			if !errors.Is(err, packetizer.ErrExtensionTooLarge) {
				return total, err
			}
			util.LogWarning("%v", err)
		}
		if n == 0 {
			return total, nil
		}
	}
}
