package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/1ureka/vrlp/internal/depacketizer"
	"github.com/1ureka/vrlp/internal/util"
)

// DatagramLink carries one packet per datagram over a net.PacketConn.
type DatagramLink struct {
	conn net.PacketConn

	mu     sync.RWMutex
	remote net.Addr // learned from the first datagram when nil
}

// NewDatagramLink wraps conn. A nil remote is filled in by the source of the
// first datagram Run receives.
func NewDatagramLink(conn net.PacketConn, remote net.Addr) *DatagramLink {
	return &DatagramLink{conn: conn, remote: remote}
}

// DialUDP opens an unconnected UDP socket that sends to addr.
func DialUDP(addr string) (*DatagramLink, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("udp socket: %w", err)
	}
	return NewDatagramLink(conn, raddr), nil
}

// ListenUDP binds addr and replies to whoever sends first.
func ListenUDP(addr string) (*DatagramLink, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return NewDatagramLink(conn, nil), nil
}

// LocalAddr returns the bound socket address.
func (l *DatagramLink) LocalAddr() net.Addr { return l.conn.LocalAddr() }

func (l *DatagramLink) peer() net.Addr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.remote
}

func (l *DatagramLink) Send(pkt []byte) error {
	remote := l.peer()
	if remote == nil {
		return ErrNoPeer
	}
	if _, err := l.conn.WriteTo(pkt, remote); err != nil {
		return fmt.Errorf("datagram send: %w", err)
	}
	util.Stats.AddSent(len(pkt))
	return nil
}

func (l *DatagramLink) Recover() bool { return false }

func (l *DatagramLink) Run(ctx context.Context, d *depacketizer.Depacketizer) error {
	buf := make([]byte, ReadBufferSize)
	pub := newPublisher(d)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.conn.SetReadDeadline(time.Now().Add(ReadTimeout))

		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("datagram read: %w", err)
		}

		l.mu.Lock()
		if l.remote == nil {
			l.remote = from
			util.LogDebug("datagram peer is %s", from)
		}
		l.mu.Unlock()

		util.Stats.AddRecv(n)
		d.Write(buf[:n])
		pub.publish(d)
	}
}

func (l *DatagramLink) Close() error { return l.conn.Close() }
