package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/piwi3910/rdmamon/internal/transport/rdma"
)

func newTestPool(t *testing.T, count, size int) (*Pool, *rdma.Conn) {
	t.Helper()
	transport, err := rdma.NewTransport(rdma.NewSimulatedVerbsBackend(), nil)
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}
	server, client, err := transport.Loopback(rdma.ConnOptions{}, rdma.ConnOptions{})
	if err != nil {
		t.Fatalf("Loopback failed: %v", err)
	}
	pool, err := NewPool(server, count, size, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	t.Cleanup(func() {
		_ = pool.Close()
		_ = client.Close()
		_ = server.Close()
		_ = transport.Close()
	})
	return pool, server
}

func TestPoolRegistration(t *testing.T) {
	pool, _ := newTestPool(t, 4, 128)

	if pool.Count() != 4 {
		t.Errorf("expected 4 buffers, got %d", pool.Count())
	}
	if pool.Size() != 128 {
		t.Errorf("expected size 128, got %d", pool.Size())
	}

	stats := pool.Stats()
	if stats.Idle != 4 || stats.Armed != 0 || stats.Consumed != 0 {
		t.Errorf("unexpected initial stats: %+v", stats)
	}

	seen := make(map[uint64]bool)
	for i := 0; i < 4; i++ {
		r := pool.Region(i)
		if r == nil {
			t.Fatalf("Region(%d) returned nil", i)
		}
		if r.Slot() != i {
			t.Errorf("slot mismatch: got %d want %d", r.Slot(), i)
		}
		if r.Capacity() != 128 {
			t.Errorf("capacity mismatch: got %d", r.Capacity())
		}
		if r.Addr() == 0 || r.RKey() == 0 {
			t.Errorf("region %d missing registration: addr=%d rkey=%d", i, r.Addr(), r.RKey())
		}
		if seen[r.Addr()] {
			t.Errorf("region %d reuses address %d", i, r.Addr())
		}
		seen[r.Addr()] = true
	}

	if pool.Region(-1) != nil || pool.Region(4) != nil {
		t.Error("out-of-range Region lookups must return nil")
	}
}

func TestPoolValidation(t *testing.T) {
	transport, err := rdma.NewTransport(rdma.NewSimulatedVerbsBackend(), nil)
	if err != nil {
		t.Fatalf("NewTransport failed: %v", err)
	}
	defer transport.Close()
	server, client, err := transport.Loopback(rdma.ConnOptions{}, rdma.ConnOptions{})
	if err != nil {
		t.Fatalf("Loopback failed: %v", err)
	}
	defer client.Close()
	defer server.Close()

	if _, err := NewPool(server, 0, 128, zerolog.Nop()); err == nil {
		t.Error("expected error for zero buffer count")
	}
	if _, err := NewPool(server, 4, 0, zerolog.Nop()); err == nil {
		t.Error("expected error for zero buffer size")
	}
	if _, err := NewPool(server, maxPoolCount, 128, zerolog.Nop()); err == nil {
		t.Error("expected error for oversized buffer count")
	}
}

func TestWRIDCodec(t *testing.T) {
	cases := []struct {
		slot int
		gen  uint32
	}{
		{0, 1},
		{1, 7},
		{65534, 0xFFFFFFFF},
		{42, 0},
	}
	for _, tc := range cases {
		id := encodeWRID(tc.slot, tc.gen)
		slot, gen := decodeWRID(id)
		if slot != tc.slot || gen != tc.gen {
			t.Errorf("round trip (%d, %d) -> %d -> (%d, %d)", tc.slot, tc.gen, id, slot, gen)
		}
	}
}

func TestRegionLifecycle(t *testing.T) {
	pool, _ := newTestPool(t, 2, 64)
	r := pool.Region(0)

	if r.State() != RegionIdle {
		t.Fatalf("expected idle, got %s", r.State())
	}

	id, err := pool.MarkArmed(r)
	if err != nil {
		t.Fatalf("MarkArmed failed: %v", err)
	}
	slot, gen := decodeWRID(id)
	if slot != 0 || gen != 1 {
		t.Errorf("unexpected work request id: slot=%d gen=%d", slot, gen)
	}
	if r.State() != RegionArmed || r.Generation() != 1 {
		t.Errorf("expected armed gen 1, got %s gen %d", r.State(), r.Generation())
	}

	if _, err := pool.MarkArmed(r); !errors.Is(err, ErrAlreadyArmed) {
		t.Errorf("expected ErrAlreadyArmed, got %v", err)
	}

	if err := pool.MarkConsumed(r); err != nil {
		t.Fatalf("MarkConsumed failed: %v", err)
	}
	if r.State() != RegionConsumed {
		t.Errorf("expected consumed, got %s", r.State())
	}
	if err := pool.MarkConsumed(r); !errors.Is(err, ErrBufferNotArmed) {
		t.Errorf("expected ErrBufferNotArmed, got %v", err)
	}

	// Re-arming a consumed buffer bumps the generation.
	id, err = pool.MarkArmed(r)
	if err != nil {
		t.Fatalf("re-arm failed: %v", err)
	}
	if _, gen := decodeWRID(id); gen != 2 {
		t.Errorf("expected gen 2, got %d", gen)
	}

	pool.Disarm(r, RegionConsumed)
	if r.State() != RegionConsumed {
		t.Errorf("Disarm should restore consumed, got %s", r.State())
	}

	pool.Release(r)
	if r.State() != RegionIdle {
		t.Errorf("Release should idle the buffer, got %s", r.State())
	}
}

func TestAcquireIdleExhaustion(t *testing.T) {
	pool, _ := newTestPool(t, 2, 64)

	r, err := pool.AcquireIdle()
	if err != nil {
		t.Fatalf("AcquireIdle failed: %v", err)
	}
	if r.Slot() != 0 {
		t.Errorf("expected lowest slot first, got %d", r.Slot())
	}

	for _, r := range pool.Regions() {
		if _, err := pool.MarkArmed(r); err != nil {
			t.Fatalf("MarkArmed failed: %v", err)
		}
	}
	if _, err := pool.AcquireIdle(); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestOldestConsumed(t *testing.T) {
	pool, _ := newTestPool(t, 3, 64)

	if pool.OldestConsumed() != nil {
		t.Error("expected nil with nothing consumed")
	}

	first := pool.Region(1)
	if _, err := pool.MarkArmed(first); err != nil {
		t.Fatal(err)
	}
	if err := pool.MarkConsumed(first); err != nil {
		t.Fatal(err)
	}

	time.Sleep(2 * time.Millisecond)

	second := pool.Region(0)
	if _, err := pool.MarkArmed(second); err != nil {
		t.Fatal(err)
	}
	if err := pool.MarkConsumed(second); err != nil {
		t.Fatal(err)
	}

	oldest := pool.OldestConsumed()
	if oldest == nil || oldest.Slot() != 1 {
		t.Errorf("expected slot 1 as oldest consumed, got %v", oldest)
	}
}

func TestPoolCounters(t *testing.T) {
	pool, _ := newTestPool(t, 1, 64)

	pool.RecordExhausted()
	pool.RecordExhausted()
	pool.RecordStale()

	if pool.Exhausted() != 2 {
		t.Errorf("expected 2 exhausted, got %d", pool.Exhausted())
	}
	if pool.Stale() != 1 {
		t.Errorf("expected 1 stale, got %d", pool.Stale())
	}

	stats := pool.Stats()
	if stats.Exhausted != 2 || stats.Stale != 1 {
		t.Errorf("stats mismatch: %+v", stats)
	}
}

func TestPoolCloseIdempotent(t *testing.T) {
	pool, _ := newTestPool(t, 2, 64)

	if err := pool.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
