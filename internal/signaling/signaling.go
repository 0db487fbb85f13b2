package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pterm/pterm"

	"github.com/1ureka/vrlp/internal/transport"
	"github.com/1ureka/vrlp/internal/util"
)

// settleTimeout is how long a link may take to open after the signaling
// connection drops.
const settleTimeout = 10 * time.Second

// HostOptions configures the host side of the exchange.
type HostOptions struct {
	Addr string // listen address, ":0" for a random port
	PIN  string // empty generates a 4-digit PIN
	Peer transport.PeerOptions

	// Announce is called with the bound port and PIN once the server is up.
	// Nil prints a banner to stdout.
	Announce func(port int, pin string)
}

func banner(port int, pin string) {
	pterm.DefaultBox.WithTitle("VRLP WebRTC Signaling").Println(
		fmt.Sprintf("Port : %d\nPIN  : %s\nURL  : webrtc://<host>:%d%s?pin=%s", port, pin, port, Path, pin))
}

// EstablishAsHost serves the signaling endpoint, waits for one client,
// sends the offer and returns once the DataChannel is open. The WebSocket
// server and connection are closed before returning.
func EstablishAsHost(ctx context.Context, opts HostOptions) (*transport.DataChannelLink, error) {
	pin := opts.PIN
	if pin == "" {
		pin = GeneratePIN(4)
	}
	addr := opts.Addr
	if addr == "" {
		addr = ":0"
	}

	srv := newServer(pin)
	port, err := srv.start(addr)
	if err != nil {
		return nil, err
	}
	defer srv.close()

	announce := opts.Announce
	if announce == nil {
		announce = banner
	}
	announce(port, pin)

	wsConn, err := srv.waitForClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for client: %w", err)
	}
	defer wsConn.Close()
	util.LogInfo("signaling client connected")

	link, err := transport.NewDataChannelLink(ctx, opts.Peer)
	if err != nil {
		return nil, fmt.Errorf("failed to create DataChannel link: %w", err)
	}

	s := &sender{link: link, conn: wsConn}
	s.trickle()
	errCh := watch(link, wsConn, s)

	// Host sends the offer first.
	if err := s.sendOffer(); err != nil {
		link.Close()
		return nil, fmt.Errorf("failed to send offer: %w", err)
	}
	return await(ctx, link, errCh)
}

// EstablishAsClient dials the host's signaling URL, answers its offer and
// returns once the DataChannel is open.
func EstablishAsClient(ctx context.Context, url string, peer transport.PeerOptions) (*transport.DataChannelLink, error) {
	wsConn, err := connect(ctx, url)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	util.LogDebug("signaling connected: %s", url)

	link, err := transport.NewDataChannelLink(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("failed to create DataChannel link: %w", err)
	}

	s := &sender{link: link, conn: wsConn}
	s.trickle()
	return await(ctx, link, watch(link, wsConn, s))
}

// watch runs the receiver until the WebSocket closes (deferred by the
// caller).
func watch(link *transport.DataChannelLink, conn *websocket.Conn, s *sender) <-chan error {
	r := &receiver{link: link, conn: conn, sender: s}
	errCh := make(chan error, 1)
	go func() { errCh <- r.watch() }()
	return errCh
}

func await(ctx context.Context, link *transport.DataChannelLink, errCh <-chan error) (*transport.DataChannelLink, error) {
	select {
	case <-link.Ready():
		util.LogInfo("WebRTC DataChannel established")
		return link, nil

	case err := <-errCh:
		// The peer closes the WebSocket as soon as its side opens, which can
		// be just before ours does.
		select {
		case <-link.Ready():
			return link, nil
		case <-time.After(settleTimeout):
		case <-ctx.Done():
		}
		link.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		link.Close()
		return nil, ctx.Err()
	}
}
