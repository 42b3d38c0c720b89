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

// Stats is the process-wide signaling/peer counter.
var Stats = &stats{}

type stats struct {
	FramesSent   atomic.Int64 // envelopes written to the signaling socket
	FramesRecv   atomic.Int64 // envelopes read from the signaling socket
	FramesQueued atomic.Int64 // envelopes queued while disconnected
	Reconnects   atomic.Int64 // reconnect attempts started by the backoff timer
	PeersOpened  atomic.Int64 // peer connections created
	PeersClosed  atomic.Int64 // peer connections closed
}

func (s *stats) AddSent()       { s.FramesSent.Add(1) }
func (s *stats) AddRecv()       { s.FramesRecv.Add(1) }
func (s *stats) AddQueued()     { s.FramesQueued.Add(1) }
func (s *stats) AddReconnect()  { s.Reconnects.Add(1) }
func (s *stats) AddPeer()       { s.PeersOpened.Add(1) }
func (s *stats) RemovePeer()    { s.PeersClosed.Add(1) }
func (s *stats) OpenPeers() int { return int(s.PeersOpened.Load() - s.PeersClosed.Load()) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// snapshot is a point-in-time copy of the counters.
type snapshot struct {
	sent, recv, queued, reconnects, opened, closed int64
}

func (s *stats) snapshot() snapshot {
	return snapshot{
		sent:       s.FramesSent.Load(),
		recv:       s.FramesRecv.Load(),
		queued:     s.FramesQueued.Load(),
		reconnects: s.Reconnects.Load(),
		opened:     s.PeersOpened.Load(),
		closed:     s.PeersClosed.Load(),
	}
}

// StartStatsReporter launches a goroutine that logs signaling statistics
// every 10 seconds when anything changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		prev := Stats.snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.snapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(prev, cur))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns the delta between two snapshots for display in the logger.
func formatStats(prev, cur snapshot) string {
	return fmt.Sprintf("Frames: %3d↑ %3d↓ %3d queued | Reconnects: %2d | Peers: %2d open (%d↑ %d↓)",
		cur.sent-prev.sent,
		cur.recv-prev.recv,
		cur.queued-prev.queued,
		cur.reconnects-prev.reconnects,
		cur.opened-cur.closed,
		cur.opened-prev.opened,
		cur.closed-prev.closed,
	)
}
