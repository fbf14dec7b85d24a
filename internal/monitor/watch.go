package monitor

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/piwi3910/rdmamon/internal/metrics"
)

// WatchHeaderSize is the in-band header the watch protocol prepends to
// each buffer: a big-endian payload length at offset zero. A writer in
// watch mode writes the payload first, then the header; the monitor
// zeroes the header after reading to hand the buffer back.
const WatchHeaderSize = 4

// runWatch polls buffer memory for in-band length headers instead of
// completions. It cannot order messages across buffers, cannot detect a
// write the peer overwrites before a scan, and reads concurrently with
// the transport. It exists for transports without working completion
// signalling and should not be used otherwise.
func (m *Monitor) runWatch(ctx context.Context) error {
	m.log.Warn().Msg("memory watch mode is best-effort: no completion ordering, no delivery guarantee, reads race the writer")

	y := newYielder(m.cfg)
	for {
		if m.stopRequested(ctx) {
			return nil
		}
		m.applyDetaches()

		found := 0
		for _, t := range m.snapshotTargets() {
			found += m.scanTarget(t)
		}
		if found == 0 {
			m.emptyPolls.Add(1)
			metrics.AddEmptyPolls(1)
			y.wait()
			continue
		}
		y.reset()
	}
}

// scanTarget surfaces every buffer of one connection whose header holds a
// nonzero length, then zeroes the header.
func (m *Monitor) scanTarget(t *target) int {
	found := 0
	for _, r := range t.pool.Regions() {
		buf := r.Bytes()
		if len(buf) < WatchHeaderSize {
			continue
		}
		n := binary.BigEndian.Uint32(buf[:WatchHeaderSize])
		if n == 0 {
			continue
		}

		found++
		m.dispatched.Add(1)
		m.lastCompletion.Store(time.Now().UnixNano())

		capacity := len(buf) - WatchHeaderSize
		truncated := false
		if uint64(n) > uint64(capacity) {
			m.log.Warn().
				Uint32("length", n).
				Int("capacity", capacity).
				Int("slot", r.Slot()).
				Msg("advertised length exceeds buffer capacity, clamping")
			metrics.RecordMalformedLength()
			n = uint32(capacity) //nolint:gosec // G115: capacity is bounded by pool validation
			truncated = true
		}

		payload := make([]byte, n)
		copy(payload, buf[WatchHeaderSize:WatchHeaderSize+int(n)])
		t.handler.surface(payload, n, n, truncated, false)

		// Zeroing the header hands the buffer back to the writer.
		binary.BigEndian.PutUint32(buf[:WatchHeaderSize], 0)
	}
	return found
}

func (m *Monitor) snapshotTargets() []*target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	targets := make([]*target, 0, len(m.order))
	for _, qpn := range m.order {
		targets = append(targets, m.targets[qpn])
	}
	return targets
}
