package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/1ureka/vrlp/internal/config"
	"github.com/1ureka/vrlp/internal/signaling"
	"github.com/1ureka/vrlp/internal/transport"
	"github.com/1ureka/vrlp/internal/util"
)

// endpoint is a parsed -link value.
type endpoint struct {
	scheme string // tcp, tcp-listen, udp, udp-listen, ws, wss, ws-listen, webrtc, webrtc-listen, file
	addr   string // host:port, or the path for file links
	path   string // HTTP path for ws and webrtc links
	pin    string // webrtc PIN
}

// parseLink parses URLs such as tcp://host:port, udp-listen://:9000,
// ws://host:port/vrlp, webrtc://host:port/ws?pin=1234 and file:capture.vrlp.
func parseLink(raw string) (endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return endpoint{}, fmt.Errorf("missing link")
	}

	if rest, ok := strings.CutPrefix(raw, "file:"); ok {
		rest = strings.TrimPrefix(rest, "//")
		if rest == "" {
			return endpoint{}, fmt.Errorf("file link %q has no path", raw)
		}
		return endpoint{scheme: "file", addr: rest}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, fmt.Errorf("invalid link %q: %w", raw, err)
	}
	ep := endpoint{scheme: u.Scheme, addr: u.Host, path: u.Path, pin: u.Query().Get("pin")}

	switch ep.scheme {
	case "tcp", "udp", "ws", "wss", "webrtc":
		if _, port, err := net.SplitHostPort(ep.addr); err != nil || port == "" {
			return endpoint{}, fmt.Errorf("link %q needs host:port", raw)
		}
	case "tcp-listen", "udp-listen", "ws-listen", "webrtc-listen":
		if _, _, err := net.SplitHostPort(ep.addr); err != nil {
			return endpoint{}, fmt.Errorf("link %q needs [host]:port", raw)
		}
	default:
		return endpoint{}, fmt.Errorf("unsupported link scheme %q", ep.scheme)
	}

	switch ep.scheme {
	case "ws", "wss", "ws-listen":
		if ep.path == "" {
			ep.path = "/vrlp"
		}
	case "webrtc":
		if ep.path == "" {
			ep.path = signaling.Path
		}
		if ep.pin == "" {
			return endpoint{}, fmt.Errorf("link %q needs ?pin=", raw)
		}
	}
	return ep, nil
}

// signalingURL returns the WebSocket URL a webrtc link dials.
func (s endpoint) signalingURL() string {
	return fmt.Sprintf("ws://%s%s?pin=%s", s.addr, s.path, url.QueryEscape(s.pin))
}

// openLink connects to or listens on ep. File links are created for
// sending and opened for receiving.
func openLink(ctx context.Context, ep endpoint, cfg config.Config, sending bool) (transport.Link, error) {
	peer := transport.PeerOptions{ICEServers: cfg.ICEServers}

	switch ep.scheme {
	case "file":
		var f *os.File
		var err error
		if sending {
			f, err = os.Create(ep.addr)
		} else {
			f, err = os.Open(ep.addr)
		}
		if err != nil {
			return nil, err
		}
		return transport.NewStreamLink(f), nil

	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", ep.addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", ep.addr, err)
		}
		return transport.NewStreamLink(conn), nil

	case "tcp-listen":
		conn, err := acceptTCP(ctx, ep.addr)
		if err != nil {
			return nil, err
		}
		return transport.NewStreamLink(conn), nil

	case "udp":
		return asLink(transport.DialUDP(ep.addr))

	case "udp-listen":
		return asLink(transport.ListenUDP(ep.addr))

	case "ws", "wss":
		return asLink(transport.DialWS(ctx, fmt.Sprintf("%s://%s%s", ep.scheme, ep.addr, ep.path)))

	case "ws-listen":
		return asLink(transport.AcceptWS(ctx, ep.addr, ep.path))

	case "webrtc":
		return asLink(signaling.EstablishAsClient(ctx, ep.signalingURL(), peer))

	case "webrtc-listen":
		return asLink(signaling.EstablishAsHost(ctx, signaling.HostOptions{Addr: ep.addr, PIN: ep.pin, Peer: peer}))
	}
	return nil, fmt.Errorf("unsupported link scheme %q", ep.scheme)
}

// asLink keeps a failed constructor from yielding a typed nil Link.
func asLink[L transport.Link](l L, err error) (transport.Link, error) {
	if err != nil {
		return nil, err
	}
	return l, nil
}

// acceptTCP waits for one connection on addr.
func acceptTCP(ctx context.Context, addr string) (net.Conn, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	defer ln.Close()
	util.LogInfo("waiting for TCP connection on %s", ln.Addr())

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	return conn, nil
}
