package signaling

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/1ureka/vrlp/internal/transport"
)

func TestGeneratePIN(t *testing.T) {
	for range 20 {
		pin := GeneratePIN(6)
		if len(pin) != 6 {
			t.Fatalf("PIN %q has length %d", pin, len(pin))
		}
		for _, r := range pin {
			if r < '0' || r > '9' {
				t.Fatalf("PIN %q has non-digit %q", pin, r)
			}
		}
	}
}

type hosted struct {
	port int
	pin  string
}

func startHost(t *testing.T, ctx context.Context, pin string) (<-chan hosted, <-chan *transport.DataChannelLink, <-chan error) {
	t.Helper()
	announced := make(chan hosted, 1)
	links := make(chan *transport.DataChannelLink, 1)
	errs := make(chan error, 1)
	go func() {
		link, err := EstablishAsHost(ctx, HostOptions{
			Addr:     "127.0.0.1:0",
			PIN:      pin,
			Peer:     transport.PeerOptions{ICEServers: []string{}, IncludeLoopback: true},
			Announce: func(port int, pin string) { announced <- hosted{port, pin} },
		})
		if err != nil {
			errs <- err
			return
		}
		links <- link
	}()
	return announced, links, errs
}

func TestEstablish(t *testing.T) {
	if testing.Short() {
		t.Skip("starts two WebRTC peers")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	announced, hostLinks, hostErrs := startHost(t, ctx, "")
	h := <-announced
	if len(h.pin) != 4 {
		t.Fatalf("generated PIN %q, want 4 digits", h.pin)
	}

	url := fmt.Sprintf("ws://127.0.0.1:%d%s?pin=%s", h.port, Path, h.pin)
	client, err := EstablishAsClient(ctx, url, transport.PeerOptions{ICEServers: []string{}, IncludeLoopback: true})
	if err != nil {
		t.Fatalf("EstablishAsClient failed: %v", err)
	}
	defer client.Close()

	select {
	case host := <-hostLinks:
		defer host.Close()
		select {
		case <-host.Ready():
		default:
			t.Fatal("host link returned before opening")
		}
	case err := <-hostErrs:
		t.Fatalf("EstablishAsHost failed: %v", err)
	case <-ctx.Done():
		t.Fatal("host did not finish")
	}
}

func TestEstablishWrongPIN(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	announced, _, hostErrs := startHost(t, ctx, "1234")
	h := <-announced

	url := fmt.Sprintf("ws://127.0.0.1:%d%s?pin=0000", h.port, Path)
	if _, err := EstablishAsClient(ctx, url, transport.PeerOptions{ICEServers: []string{}}); err == nil {
		t.Fatal("client with the wrong PIN connected")
	}

	cancel()
	select {
	case err := <-hostErrs:
		if err == nil {
			t.Fatal("host returned no error after cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("host did not stop on cancellation")
	}
}
