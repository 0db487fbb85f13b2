package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats is the process-wide VRLP traffic counter.
var Stats = &stats{}

type stats struct {
	PacketsSent      atomic.Int64
	BytesSent        atomic.Int64 // encoded bytes handed to the link
	PacketsRecv      atomic.Int64
	BytesRecv        atomic.Int64 // raw bytes read from the link
	SkippedBytes     atomic.Int64 // garbage discarded during resync
	DroppedDatagrams atomic.Int64
}

func (s *stats) AddSent(n int) {
	s.PacketsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int)       { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddPackets(n uint64) { s.PacketsRecv.Add(int64(n)) }
func (s *stats) AddSkipped(n uint64) { s.SkippedBytes.Add(int64(n)) }
func (s *stats) AddDropped(n uint64) { s.DroppedDatagrams.Add(int64(n)) }

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	PacketsSent, BytesSent, PacketsRecv, BytesRecv, SkippedBytes, DroppedDatagrams int64
}

func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		PacketsSent:      s.PacketsSent.Load(),
		BytesSent:        s.BytesSent.Load(),
		PacketsRecv:      s.PacketsRecv.Load(),
		BytesRecv:        s.BytesRecv.Load(),
		SkippedBytes:     s.SkippedBytes.Load(),
		DroppedDatagrams: s.DroppedDatagrams.Load(),
	}
}

// StartStatsReporter launches a goroutine that logs throughput every interval
// while traffic flows. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prev Snapshot
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				outS := float64(cur.BytesSent-prev.BytesSent) / secs
				inS := float64(cur.BytesRecv-prev.BytesRecv) / secs
				lost := (cur.SkippedBytes - prev.SkippedBytes) + (cur.DroppedDatagrams - prev.DroppedDatagrams)

				if inS > 10 || outS > 10 || lost > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, cur.PacketsSent-prev.PacketsSent, cur.PacketsRecv-prev.PacketsRecv, lost))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count in exactly 8 columns, e.g. "99.0   B" or
// " 1.5 KiB".
func formatBytes(b float64) string {
	unitIdx := 0
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}
	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

func formatStats(inS, outS float64, pktOut, pktIn, lost int64) string {
	s := fmt.Sprintf("In: %s/s | Out: %s/s | Pkts: %d↑ %d↓", formatBytes(inS), formatBytes(outS), pktOut, pktIn)
	if lost > 0 {
		s += fmt.Sprintf(" | Lost: %d", lost)
	}
	return s
}
