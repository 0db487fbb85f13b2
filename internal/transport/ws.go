package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/vrlp/internal/depacketizer"
	"github.com/1ureka/vrlp/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSLink carries one packet per binary WebSocket message.
type WSLink struct {
	conn *websocket.Conn
	mu   sync.Mutex // gorilla allows one concurrent writer
}

// NewWSLink wraps an established connection.
func NewWSLink(conn *websocket.Conn) *WSLink {
	return &WSLink{conn: conn}
}

// DialWS connects to a ws:// or wss:// URL.
func DialWS(ctx context.Context, url string) (*WSLink, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	return NewWSLink(conn), nil
}

// Upgrade turns an HTTP request into a WSLink.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WSLink, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWSLink(conn), nil
}

// AcceptWS serves path on addr until the first client connects, then stops
// listening and returns that client's link.
func AcceptWS(ctx context.Context, addr, path string) (*WSLink, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start WS server: %w", err)
	}
	defer listener.Close()
	util.LogInfo("waiting for WebSocket client on %s%s", listener.Addr(), path)

	linkCh := make(chan *WSLink, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		l, err := Upgrade(w, r)
		if err != nil {
			return
		}
		// Only accept the first client.
		select {
		case linkCh <- l:
		default:
			l.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
			l.conn.Close()
		}
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(listener)

	select {
	case l := <-linkCh:
		// Closing the listener leaves hijacked connections open.
		srv.Close()
		return l, nil
	case <-ctx.Done():
		srv.Close()
		return nil, ctx.Err()
	}
}

func (l *WSLink) Send(pkt []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.conn.WriteMessage(websocket.BinaryMessage, pkt); err != nil {
		return fmt.Errorf("ws send: %w", err)
	}
	util.Stats.AddSent(len(pkt))
	return nil
}

func (l *WSLink) Recover() bool { return false }

func (l *WSLink) Run(ctx context.Context, d *depacketizer.Depacketizer) error {
	// A past deadline unblocks ReadMessage on cancellation.
	stop := context.AfterFunc(ctx, func() {
		l.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	pub := newPublisher(d)
	for {
		mt, data, err := l.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ws read: %w", err)
		}
		if mt != websocket.BinaryMessage {
			util.LogDebug("ignoring non-binary WebSocket message (type %d)", mt)
			continue
		}

		util.Stats.AddRecv(len(data))
		d.Write(data)
		pub.publish(d)
	}
}

// Close sends a normal close frame and closes the connection.
func (l *WSLink) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return l.conn.Close()
}
