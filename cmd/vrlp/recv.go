package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/1ureka/vrlp/internal/config"
	"github.com/1ureka/vrlp/internal/depacketizer"
	"github.com/1ureka/vrlp/internal/transport"
	"github.com/1ureka/vrlp/internal/util"
)

// sink writes each stream id to stream-<sid>.bin in dir. It is driven from
// the link's receive loop only.
type sink struct {
	dir      string
	want     int // channels to finish before done closes, 0 to wait for the link
	files    map[uint32]*os.File
	written  map[uint32]int64
	finished map[uint32]bool
	done     chan struct{}
	err      error
}

func newSink(dir string, want int) *sink {
	return &sink{
		dir:      dir,
		want:     want,
		files:    make(map[uint32]*os.File),
		written:  make(map[uint32]int64),
		finished: make(map[uint32]bool),
		done:     make(chan struct{}),
	}
}

func streamFileName(sid uint32) string {
	return fmt.Sprintf("stream-%d.bin", sid)
}

func (s *sink) file(sid uint32) (*os.File, error) {
	if f, ok := s.files[sid]; ok {
		return f, nil
	}
	f, err := os.Create(filepath.Join(s.dir, streamFileName(sid)))
	if err != nil {
		return nil, err
	}
	s.files[sid] = f
	return f, nil
}

func (s *sink) handle(u depacketizer.Unit) {
	if s.err != nil || s.finished[u.StreamID] {
		return
	}

	switch u.Kind {
	case depacketizer.KindStream:
		f, err := s.file(u.StreamID)
		if err == nil {
			_, err = f.Write(u.Body)
		}
		if err != nil {
			s.err = err
			return
		}
		s.written[u.StreamID] += int64(len(u.Body))

	case depacketizer.KindTag:
		util.LogInfo("[sid %d] tag at item %d: %q", u.StreamID, u.TagOffset(), u.Body)

	case depacketizer.KindMessage:
		body := string(u.Body)
		rest, ok := strings.CutPrefix(body, eofPrefix)
		if !ok {
			util.LogInfo("[sid %d] message: %q", u.StreamID, body)
			return
		}
		size, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			util.LogWarning("[sid %d] malformed end-of-stream message %q", u.StreamID, body)
			return
		}
		s.finish(u.StreamID, size)
	}
}

// finish trims item padding and closes the stream's file.
func (s *sink) finish(sid uint32, size int64) {
	f, err := s.file(sid)
	if err == nil && size < s.written[sid] {
		err = f.Truncate(size)
		s.written[sid] = size
	}
	if err == nil {
		err = f.Close()
	}
	delete(s.files, sid)
	if err != nil {
		s.err = err
		return
	}

	s.finished[sid] = true
	util.LogInfo("stream %d complete: %d bytes", sid, size)
	if s.want > 0 && len(s.finished) == s.want {
		close(s.done)
	}
}

func (s *sink) complete() bool {
	return s.want > 0 && len(s.finished) >= s.want
}

func (s *sink) close() {
	for _, f := range s.files {
		f.Close()
	}
}

// runRecv writes every received stream under outDir until want channels have
// ended, or until the link closes when want is 0. It returns the bytes
// written per stream id.
func runRecv(ctx context.Context, cfg config.Config, link transport.Link, outDir string, want int) (map[uint32]int64, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	s := newSink(outDir, want)
	defer s.close()

	d := depacketizer.New(cfg.Depacketizer(link.Recover()))
	demux := depacketizer.NewDemux()
	demux.HandleDefault(s.handle)
	d.OnUnit(func(u depacketizer.Unit) { demux.Deliver(u) })
	d.OnError(func(err error) { util.LogWarning("dropping packet: %v", err) })

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-runCtx.Done():
		}
	}()

	err := link.Run(runCtx, d)
	if s.err != nil {
		return s.written, s.err
	}
	if err != nil && !(errors.Is(err, context.Canceled) && s.complete()) {
		return s.written, err
	}

	if n := d.Buffered(); n > 0 {
		util.LogWarning("%d trailing bytes did not form a packet", n)
	}
	st, ds := d.Stats(), demux.Stats()
	if st.SkippedBytes > 0 || st.DroppedDatagrams > 0 || ds.Duplicates > 0 || ds.Missed > 0 {
		util.LogWarning("skipped %d garbage bytes, dropped %d datagrams, %d duplicate and %d missing packets",
			st.SkippedBytes, st.DroppedDatagrams, ds.Duplicates, ds.Missed)
	}
	return s.written, nil
}
