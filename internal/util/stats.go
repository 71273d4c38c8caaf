package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats counts signaling and peer traffic for one agent.
type Stats struct {
	ControlSent    atomic.Int64 // control-channel messages written
	ControlRecv    atomic.Int64 // control-channel messages read
	Reconnects     atomic.Int64 // reconnect attempts scheduled
	SessionsOpened atomic.Int64 // sessions that reached Connected
	SessionsClosed atomic.Int64 // sessions removed from the table
	BytesSent      atomic.Int64 // application bytes written to peers
	BytesRecv      atomic.Int64 // application bytes read from peers
}

func (s *Stats) AddControlSent()   { s.ControlSent.Add(1) }
func (s *Stats) AddControlRecv()   { s.ControlRecv.Add(1) }
func (s *Stats) AddReconnect()     { s.Reconnects.Add(1) }
func (s *Stats) AddSessionOpened() { s.SessionsOpened.Add(1) }
func (s *Stats) AddSessionClosed() { s.SessionsClosed.Add(1) }
func (s *Stats) AddSent(n int)     { s.BytesSent.Add(int64(n)) }
func (s *Stats) AddRecv(n int)     { s.BytesRecv.Add(int64(n)) }

// StartStatsReporter launches a goroutine that logs agent statistics every
// interval, skipping quiet periods. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, s *Stats, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := s.snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur.sub(prev), interval))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	ctrlOut, ctrlIn, reconnects, opened, closed, sent, recv int64
}

func (s *Stats) snapshot() snapshot {
	return snapshot{
		ctrlOut:    s.ControlSent.Load(),
		ctrlIn:     s.ControlRecv.Load(),
		reconnects: s.Reconnects.Load(),
		opened:     s.SessionsOpened.Load(),
		closed:     s.SessionsClosed.Load(),
		sent:       s.BytesSent.Load(),
		recv:       s.BytesRecv.Load(),
	}
}

func (a snapshot) sub(b snapshot) snapshot {
	return snapshot{
		ctrlOut:    a.ctrlOut - b.ctrlOut,
		ctrlIn:     a.ctrlIn - b.ctrlIn,
		reconnects: a.reconnects - b.reconnects,
		opened:     a.opened - b.opened,
		closed:     a.closed - b.closed,
		sent:       a.sent - b.sent,
		recv:       a.recv - b.recv,
	}
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a one-line summary of a reporting window.
func formatStats(d snapshot, interval time.Duration) string {
	secs := interval.Seconds()
	return fmt.Sprintf("In: %s/s | Out: %s/s | Ctrl: %3d↑ %3d↓ | Peers: %2d↑ %2d↓ | Reconnects: %d",
		formatBytes(float64(d.recv)/secs),
		formatBytes(float64(d.sent)/secs),
		d.ctrlOut,
		d.ctrlIn,
		d.opened,
		d.closed,
		d.reconnects,
	)
}
