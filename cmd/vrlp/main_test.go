package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/1ureka/vrlp/internal/config"
	"github.com/1ureka/vrlp/internal/packetizer"
	"github.com/1ureka/vrlp/internal/transport"
)

// writeInput creates a file of n deterministic bytes.
func writeInput(t *testing.T, dir, name string, n int) string {
	t.Helper()
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + len(name))
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func assertSameFile(t *testing.T, got, want string) {
	t.Helper()
	a, err := os.ReadFile(got)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	b, err := os.ReadFile(want)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("%s differs from %s: %d vs %d bytes", got, want, len(a), len(b))
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MTU = 256
	cfg.ReadSize = 1000
	cfg.StatsInterval = 0
	cfg.Channels = []config.Channel{{ID: 0, ItemSize: 4}, {ID: 1, ItemSize: 8}, {ID: 2, ItemSize: 4}}
	return cfg
}

func TestSendRecvFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	inputs := []string{
		writeInput(t, dir, "a.bin", 4001), // not a whole number of items
		writeInput(t, dir, "b.bin", 2400),
		writeInput(t, dir, "empty.bin", 0),
	}
	capture := filepath.Join(dir, "capture.vrlp")
	cfg := testConfig()

	tx, err := openLink(ctx, endpoint{scheme: "file", addr: capture}, cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := runSend(ctx, cfg, tx, inputs); err != nil {
		t.Fatalf("runSend failed: %v", err)
	}
	tx.Close()

	rx, err := openLink(ctx, endpoint{scheme: "file", addr: capture}, cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	defer rx.Close()

	out := filepath.Join(dir, "out")
	written, err := runRecv(ctx, cfg, rx, out, len(inputs))
	if err != nil {
		t.Fatalf("runRecv failed: %v", err)
	}
	if written[0] != 4001 || written[1] != 2400 || written[2] != 0 {
		t.Fatalf("written = %v", written)
	}
	for i, in := range inputs {
		assertSameFile(t, filepath.Join(out, streamFileName(uint32(i))), in)
	}

	var report bytes.Buffer
	if err := runInspect(cfg, capture, &report); err != nil {
		t.Fatalf("runInspect failed: %v", err)
	}
	text := report.String()
	for _, want := range []string{"stream", "tag", "message", "0 structural errors", "0 garbage bytes skipped"} {
		if !strings.Contains(text, want) {
			t.Errorf("inspect output lacks %q:\n%s", want, text)
		}
	}
}

// TestSendRecvSubWordItems sends files whose lengths leave fewer items than
// one word-aligned group at the end.
func TestSendRecvSubWordItems(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	inputs := []string{
		writeInput(t, dir, "a.bin", 6),    // three 2-byte items
		writeInput(t, dir, "b.bin", 4003), // 1-byte items
		writeInput(t, dir, "c.bin", 7),    // partial 2-byte item
	}
	capture := filepath.Join(dir, "capture.vrlp")
	cfg := testConfig()
	cfg.Channels = []config.Channel{{ID: 0, ItemSize: 2}, {ID: 1, ItemSize: 1}, {ID: 2, ItemSize: 2}}

	tx, err := openLink(ctx, endpoint{scheme: "file", addr: capture}, cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := runSend(ctx, cfg, tx, inputs); err != nil {
		t.Fatalf("runSend failed: %v", err)
	}
	tx.Close()

	rx, err := openLink(ctx, endpoint{scheme: "file", addr: capture}, cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	defer rx.Close()

	out := filepath.Join(dir, "out")
	written, err := runRecv(ctx, cfg, rx, out, len(inputs))
	if err != nil {
		t.Fatalf("runRecv failed: %v", err)
	}
	if written[0] != 6 || written[1] != 4003 || written[2] != 7 {
		t.Fatalf("written = %v", written)
	}
	for i, in := range inputs {
		assertSameFile(t, filepath.Join(out, streamFileName(uint32(i))), in)
	}
}

func TestStallError(t *testing.T) {
	q := packetizer.NewQueue(1)
	q.Push([]byte{1, 2, 3})
	inputs := []*input{{name: "a.bin", q: q}, {name: "b.bin", q: packetizer.NewQueue(4)}}

	cfg := testConfig()
	err := stallError(cfg, inputs)
	if !strings.Contains(err.Error(), "stream 0: 3 items") || !strings.Contains(err.Error(), "aligned group") {
		t.Errorf("async stall error = %v", err)
	}
	cfg.Sync = true
	if err := stallError(cfg, inputs); !strings.Contains(err.Error(), "sync mode") {
		t.Errorf("sync stall error = %v", err)
	}
}

func TestSendSync(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Sync = true
	cfg.Channels = cfg.Channels[:2]

	// 100 items on each channel.
	equal := []string{writeInput(t, dir, "a.bin", 400), writeInput(t, dir, "b.bin", 800)}
	var buf bytes.Buffer
	if err := runSend(ctx, cfg, transport.NewStreamLink(&buf), equal); err != nil {
		t.Fatalf("runSend failed: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("nothing sent")
	}

	unequal := []string{writeInput(t, dir, "c.bin", 400), writeInput(t, dir, "d.bin", 80)}
	err := runSend(ctx, cfg, transport.NewStreamLink(&bytes.Buffer{}), unequal)
	if err == nil || !strings.Contains(err.Error(), "sync mode") {
		t.Fatalf("runSend with unequal inputs = %v, want a stall error", err)
	}
}

// TestSendRecvChunkedUDP re-slices packets into 40-byte datagrams, which the
// receiver must then recover.
func TestSendRecvChunkedUDP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dir := t.TempDir()
	input := writeInput(t, dir, "a.bin", 3000)
	cfg := testConfig()
	cfg.Chunk = 40

	rx, err := openLink(ctx, endpoint{scheme: "udp-listen", addr: "127.0.0.1:0"}, cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	defer rx.Close()
	if !cfg.Depacketizer(rx.Recover()).Recover {
		t.Fatal("chunking must turn on recovery")
	}

	out := filepath.Join(dir, "out")
	type result struct {
		written map[uint32]int64
		err     error
	}
	done := make(chan result, 1)
	go func() {
		w, err := runRecv(ctx, cfg, rx, out, 1)
		done <- result{w, err}
	}()

	addr := rx.(*transport.DatagramLink).LocalAddr().String()
	tx, err := openLink(ctx, endpoint{scheme: "udp", addr: addr}, cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Close()
	if err := runSend(ctx, cfg, tx, []string{input}); err != nil {
		t.Fatalf("runSend failed: %v", err)
	}

	r := <-done
	if r.err != nil {
		t.Fatalf("runRecv failed: %v", r.err)
	}
	assertSameFile(t, filepath.Join(out, streamFileName(0)), input)
}
