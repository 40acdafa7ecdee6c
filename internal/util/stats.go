package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic counter.
var Stats = &stats{}

type stats struct {
	TotalConns    atomic.Int64 // peer channels opened since process start
	ClosedConns   atomic.Int64 // peer channels closed since process start
	EnvelopesSent atomic.Int64
	EnvelopesRecv atomic.Int64
	BytesSent     atomic.Int64 // bytes written to DataChannels
	BytesRecv     atomic.Int64 // bytes read from DataChannels and media tracks
}

func (s *stats) AddConn()      { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()   { s.ClosedConns.Add(1) }
func (s *stats) AddEnvSent()   { s.EnvelopesSent.Add(1) }
func (s *stats) AddEnvRecv()   { s.EnvelopesRecv.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// snapshot is one reading of the counters.
type snapshot struct {
	sent, recv       int64
	envSent, envRecv int64
	opened, closed   int64
}

func (s *stats) snapshot() snapshot {
	return snapshot{
		sent:    s.BytesSent.Load(),
		recv:    s.BytesRecv.Load(),
		envSent: s.EnvelopesSent.Load(),
		envRecv: s.EnvelopesRecv.Load(),
		opened:  s.TotalConns.Load(),
		closed:  s.ClosedConns.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StatsInterval is how often StartStatsReporter logs.
const StatsInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs traffic statistics
// every StatsInterval while there is activity. It stops when ctx is
// cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(StatsInterval)
		defer ticker.Stop()

		prev := Stats.snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				if line, ok := formatDelta(prev, cur, StatsInterval.Seconds()); ok {
					pterm.DefaultLogger.Info(line)
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatDelta renders the traffic between two snapshots. ok is false when
// nothing worth reporting happened.
func formatDelta(prev, cur snapshot, seconds float64) (string, bool) {
	inS := float64(cur.recv-prev.recv) / seconds
	outS := float64(cur.sent-prev.sent) / seconds
	envIn := cur.envRecv - prev.envRecv
	envOut := cur.envSent - prev.envSent
	opened := cur.opened - prev.opened
	closed := cur.closed - prev.closed

	if opened == 0 && closed == 0 && envIn == 0 && envOut == 0 && inS <= 10 && outS <= 10 {
		return "", false
	}
	return formatStats(inS, outS, envIn, envOut, opened, closed), true
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

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, envIn, envOut, opened, closed int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Msgs: %3d↓ %3d↑ | Peers: %d+ %d-",
		formatBytes(inS),
		formatBytes(outS),
		envIn,
		envOut,
		opened,
		closed,
	)
}
