package transport_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/vrlp/internal/depacketizer"
	"github.com/1ureka/vrlp/internal/packetizer"
	"github.com/1ureka/vrlp/internal/protocol"
	"github.com/1ureka/vrlp/internal/transport"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// collector gathers units delivered by a Depacketizer's Write path.
type collector struct {
	mu    sync.Mutex
	units []depacketizer.Unit
	errs  []error
	got   chan struct{}
}

func newCollector(link transport.Link) (*collector, *depacketizer.Depacketizer) {
	c := &collector{got: make(chan struct{}, 1024)}
	d := depacketizer.New(depacketizer.Config{Recover: link.Recover()})
	d.OnUnit(func(u depacketizer.Unit) {
		c.mu.Lock()
		c.units = append(c.units, u.Clone())
		c.mu.Unlock()
		c.got <- struct{}{}
	})
	d.OnError(func(err error) {
		c.mu.Lock()
		c.errs = append(c.errs, err)
		c.mu.Unlock()
	})
	return c, d
}

func (c *collector) wait(t *testing.T, n int) []depacketizer.Unit {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for range n {
		select {
		case <-c.got:
		case <-timeout:
			c.mu.Lock()
			defer c.mu.Unlock()
			t.Fatalf("timed out: got %d of %d units", len(c.units), n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.errs) > 0 {
		t.Fatalf("structural errors: %v", c.errs)
	}
	return append([]depacketizer.Unit(nil), c.units...)
}

// testPackets encodes n stream packets on stream 0 with distinct payloads.
func testPackets(t *testing.T, n int) [][]byte {
	t.Helper()
	var out [][]byte
	for i := range n {
		payload := bytes.Repeat([]byte{byte(i)}, 4*(1+i%9))
		b, err := protocol.Encode(&protocol.Packet{Seq: uint16(i), Payload: payload})
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		out = append(out, b)
	}
	return out
}

func checkUnits(t *testing.T, got []depacketizer.Unit, n int) {
	t.Helper()
	if len(got) != n {
		t.Fatalf("got %d units, want %d", len(got), n)
	}
	for i, u := range got {
		want := bytes.Repeat([]byte{byte(i)}, 4*(1+i%9))
		if u.Seq != uint16(i) || !bytes.Equal(u.Body, want) {
			t.Fatalf("unit %d: seq=%d body=%x", i, u.Seq, u.Body)
		}
	}
}

func runLink(ctx context.Context, link transport.Link, d *depacketizer.Depacketizer) <-chan error {
	done := make(chan error, 1)
	go func() { done <- link.Run(ctx, d) }()
	return done
}

func waitRun(t *testing.T, done <-chan error, want error) {
	t.Helper()
	select {
	case err := <-done:
		if !errors.Is(err, want) {
			t.Fatalf("Run returned %v, want %v", err, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestStreamLinkPipe(t *testing.T) {
	a, b := net.Pipe()
	tx := transport.NewStreamLink(a)
	rx := transport.NewStreamLink(b)
	c, d := newCollector(rx)
	done := runLink(context.Background(), rx, d)

	pkts := testPackets(t, 50)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, p := range pkts {
			if err := tx.Send(p); err != nil {
				t.Errorf("Send failed: %v", err)
				return
			}
		}
	}()

	checkUnits(t, c.wait(t, len(pkts)), len(pkts))
	wg.Wait()

	tx.Close()
	waitRun(t, done, nil)
}

func TestStreamLinkTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	tx := transport.NewStreamLink(conn)
	rx := transport.NewStreamLink(<-accepted)
	defer rx.Close()

	c, d := newCollector(rx)
	ctx, cancel := context.WithCancel(context.Background())
	done := runLink(ctx, rx, d)

	pkts := testPackets(t, 200)
	for _, p := range pkts {
		if err := tx.Send(p); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	checkUnits(t, c.wait(t, len(pkts)), len(pkts))

	cancel()
	waitRun(t, done, context.Canceled)
	tx.Close()
}

func TestDatagramLinkUDP(t *testing.T) {
	server, err := transport.ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	defer server.Close()
	client, err := transport.DialUDP(server.LocalAddr().String())
	if err != nil {
		t.Fatalf("DialUDP failed: %v", err)
	}
	defer client.Close()

	if err := server.Send([]byte("x")); !errors.Is(err, transport.ErrNoPeer) {
		t.Fatalf("Send before any peer = %v, want ErrNoPeer", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc, sd := newCollector(server)
	serverDone := runLink(ctx, server, sd)
	cc, cd := newCollector(client)
	clientDone := runLink(ctx, client, cd)

	pkts := testPackets(t, 5)
	for _, p := range pkts {
		if err := client.Send(p); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	checkUnits(t, sc.wait(t, len(pkts)), len(pkts))

	// The server learned the client's address from its first datagram.
	if err := server.Send(pkts[0]); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	checkUnits(t, cc.wait(t, 1), 1)

	cancel()
	waitRun(t, serverDone, context.Canceled)
	waitRun(t, clientDone, context.Canceled)
}

func TestWSLink(t *testing.T) {
	links := make(chan *transport.WSLink, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l, err := transport.Upgrade(w, r)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		links <- l
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	tx, err := transport.DialWS(context.Background(), url)
	if err != nil {
		t.Fatalf("DialWS failed: %v", err)
	}
	rx := <-links

	c, d := newCollector(rx)
	done := runLink(context.Background(), rx, d)

	pkts := testPackets(t, 30)
	for _, p := range pkts {
		if err := tx.Send(p); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	checkUnits(t, c.wait(t, len(pkts)), len(pkts))

	tx.Close()
	waitRun(t, done, nil)
	rx.Close()
}

func TestAcceptWS(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan *transport.WSLink, 1)
	go func() {
		l, err := transport.AcceptWS(ctx, addr, "/vrlp")
		if err != nil {
			t.Errorf("AcceptWS failed: %v", err)
		}
		accepted <- l
	}()

	var tx *transport.WSLink
	for tx == nil {
		tx, err = transport.DialWS(ctx, "ws://"+addr+"/vrlp")
		if err != nil {
			if ctx.Err() != nil {
				t.Fatalf("DialWS failed: %v", err)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	defer tx.Close()

	rx := <-accepted
	if rx == nil {
		t.FailNow()
	}
	defer rx.Close()

	c, d := newCollector(rx)
	done := runLink(ctx, rx, d)
	if err := tx.Send(testPackets(t, 1)[0]); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	checkUnits(t, c.wait(t, 1), 1)
	tx.Close()
	waitRun(t, done, nil)
}

func TestWSLinkCancel(t *testing.T) {
	links := make(chan *transport.WSLink, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l, err := transport.Upgrade(w, r)
		if err == nil {
			links <- l
		}
	}))
	defer srv.Close()

	tx, err := transport.DialWS(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("DialWS failed: %v", err)
	}
	defer tx.Close()
	rx := <-links
	defer rx.Close()

	ctx, cancel := context.WithCancel(context.Background())
	_, d := newCollector(rx)
	done := runLink(ctx, rx, d)
	cancel()
	waitRun(t, done, context.Canceled)
}

// TestChunkerRecovery packetizes two streams, re-slices the packet stream
// into 40-byte deliveries and recovers every item, tag and message.
func TestChunkerRecovery(t *testing.T) {
	const items = 1000
	q0 := packetizer.NewQueue(4)
	q1 := packetizer.NewQueue(8)
	var want0, want1 []byte
	for i := range items {
		b0 := []byte{byte(i), byte(i >> 8), 0xA0, 0xA1}
		b1 := []byte(fmt.Sprintf("%08d", i))
		want0 = append(want0, b0...)
		want1 = append(want1, b1...)
	}
	q0.TagNext([]byte("start"))
	if err := q0.Push(want0); err != nil {
		t.Fatal(err)
	}
	if err := q1.Push(want1); err != nil {
		t.Fatal(err)
	}
	q0.PushTag(500, []byte("middle"))
	q1.PushMessage([]byte("16.2"))

	p, err := packetizer.New(packetizer.Config{MTU: 200}, q0, q1)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var deliveries [][]byte
	chunker := transport.NewChunker(40, packetizer.SenderFunc(func(b []byte) error {
		deliveries = append(deliveries, b)
		return nil
	}))
	for {
		n, err := p.Work(chunker)
		if err != nil {
			t.Fatalf("Work failed: %v", err)
		}
		if n == 0 {
			break
		}
	}
	if err := chunker.Flush(); err != nil {
		t.Fatal(err)
	}
	for i, b := range deliveries[:len(deliveries)-1] {
		if len(b) != 40 {
			t.Fatalf("delivery %d is %d bytes, want 40", i, len(b))
		}
	}

	d := depacketizer.New(depacketizer.Config{
		Recover:   true,
		ItemSizes: map[uint32]int{0: 4, 1: 8},
	})
	var got0, got1 []byte
	var tags, msgs []string
	for _, b := range deliveries {
		for u, err := range d.Feed(b) {
			if err != nil {
				t.Fatalf("structural error: %v", err)
			}
			switch {
			case u.Kind == depacketizer.KindStream && u.StreamID == 0:
				got0 = append(got0, u.Body...)
			case u.Kind == depacketizer.KindStream && u.StreamID == 1:
				got1 = append(got1, u.Body...)
			case u.Kind == depacketizer.KindTag:
				tags = append(tags, fmt.Sprintf("%d@%d:%s", u.StreamID, u.TagOffset(), u.Body))
			case u.Kind == depacketizer.KindMessage:
				msgs = append(msgs, fmt.Sprintf("%d:%s", u.StreamID, u.Body))
			}
		}
	}

	if !bytes.Equal(got0, want0) || !bytes.Equal(got1, want1) {
		t.Fatalf("stream bytes differ: got %d/%d bytes, want %d/%d", len(got0), len(got1), len(want0), len(want1))
	}
	if len(tags) != 2 || tags[0] != "0@0:start" || tags[1] != "0@500:middle" {
		t.Errorf("tags = %v", tags)
	}
	if len(msgs) != 1 || msgs[0] != "1:16.2" {
		t.Errorf("messages = %v", msgs)
	}
	if s := d.Stats(); s.SkippedBytes != 0 || d.Buffered() != 0 {
		t.Errorf("stats = %+v, buffered = %d", s, d.Buffered())
	}
}

func TestChunkerPassthrough(t *testing.T) {
	var got [][]byte
	c := transport.NewChunker(0, packetizer.SenderFunc(func(b []byte) error {
		got = append(got, b)
		return nil
	}))
	c.Send([]byte("abcd"))
	c.Send([]byte("ef"))
	if len(got) != 2 || c.Buffered() != 0 {
		t.Fatalf("passthrough = %q", got)
	}
}
