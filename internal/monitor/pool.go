package monitor

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/piwi3910/rdmamon/internal/metrics"
	"github.com/piwi3910/rdmamon/internal/transport/rdma"
)

// maxPoolCount bounds the slot index so it always fits the high half of a
// work request ID.
const maxPoolCount = 1 << 16

// RegionState tracks who owns a pool buffer at a given moment.
type RegionState int32

const (
	// RegionIdle means the buffer backs no receive and holds no pending data.
	RegionIdle RegionState = iota
	// RegionArmed means the buffer backs an outstanding receive work request.
	// The transport may write to it at any time; nothing else may touch it.
	RegionArmed
	// RegionConsumed means a completion was observed for the buffer and its
	// contents are stable until it is armed again.
	RegionConsumed
)

var regionStateNames = [...]string{"idle", "armed", "consumed"}

func (s RegionState) String() string {
	if s < 0 || int(s) >= len(regionStateNames) {
		return "unknown"
	}
	return regionStateNames[s]
}

// encodeWRID packs a slot index and an arm generation into a work request
// ID: the slot in the high 32 bits, the generation in the low 32.
func encodeWRID(slot int, gen uint32) uint64 {
	return uint64(slot)<<32 | uint64(gen)
}

// decodeWRID splits a work request ID back into slot index and generation.
func decodeWRID(id uint64) (slot int, gen uint32) {
	return int(id >> 32), uint32(id)
}

// Region is one registered receive buffer. State transitions are driven by
// the monitor goroutine; State and Generation may be read from any
// goroutine for stats.
type Region struct {
	slot int
	buf  []byte
	mr   rdma.VerbsMR
	addr uint64
	lkey uint32
	rkey uint32

	state      atomic.Int32
	gen        atomic.Uint32
	consumedAt atomic.Int64
}

// Slot returns the region's index within its pool.
func (r *Region) Slot() int {
	return r.slot
}

// Bytes returns the full backing buffer.
func (r *Region) Bytes() []byte {
	return r.buf
}

// Capacity returns the buffer size in bytes.
func (r *Region) Capacity() int {
	return len(r.buf)
}

// Addr returns the registered base address a peer targets with RDMA writes.
func (r *Region) Addr() uint64 {
	return r.addr
}

// RKey returns the remote key a peer needs to write this buffer.
func (r *Region) RKey() uint32 {
	return r.rkey
}

// State returns the region's current state.
func (r *Region) State() RegionState {
	return RegionState(r.state.Load())
}

// Generation returns the arm generation, incremented on every arm.
func (r *Region) Generation() uint32 {
	return r.gen.Load()
}

// Pool manages a fixed set of registered receive buffers for one
// connection. All state transitions happen on the monitor goroutine.
type Pool struct {
	conn    *rdma.Conn
	regions []*Region
	size    int

	exhausted atomic.Int64
	stale     atomic.Int64
	closed    atomic.Bool

	log zerolog.Logger
}

// PoolStats is a point-in-time snapshot of pool state.
type PoolStats struct {
	Count     int   `json:"count"`
	Size      int   `json:"size"`
	Idle      int   `json:"idle"`
	Armed     int   `json:"armed"`
	Consumed  int   `json:"consumed"`
	Exhausted int64 `json:"exhausted"`
	Stale     int64 `json:"stale"`
}

// NewPool allocates and registers count buffers of size bytes against the
// connection's protection domain.
func NewPool(conn *rdma.Conn, count, size int, logger zerolog.Logger) (*Pool, error) {
	if count < 1 || count >= maxPoolCount {
		return nil, fmt.Errorf("buffer count must be between 1 and %d, got %d", maxPoolCount-1, count)
	}
	if size < 1 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", size)
	}

	p := &Pool{
		conn:    conn,
		regions: make([]*Region, 0, count),
		size:    size,
		log:     logger.With().Str("component", "pool").Logger(),
	}

	for i := 0; i < count; i++ {
		buf := make([]byte, size)
		mr, err := conn.RegisterBuffer(buf, rdma.MRAccessLocalWrite|rdma.MRAccessRemoteWrite)
		if err != nil {
			p.deregister()
			return nil, fmt.Errorf("failed to register buffer %d: %w", i, err)
		}
		attr, err := conn.Backend().QueryMR(mr)
		if err != nil {
			p.deregister()
			return nil, fmt.Errorf("failed to query buffer %d registration: %w", i, err)
		}
		p.regions = append(p.regions, &Region{
			slot: i,
			buf:  buf,
			mr:   mr,
			addr: attr.Addr,
			lkey: attr.LKey,
			rkey: attr.RKey,
		})
	}

	p.log.Debug().Int("count", count).Int("size", size).Msg("buffer pool registered")
	return p, nil
}

// Count returns the number of buffers in the pool.
func (p *Pool) Count() int {
	return len(p.regions)
}

// Size returns the per-buffer capacity in bytes.
func (p *Pool) Size() int {
	return p.size
}

// Region returns the buffer at the given slot, or nil when out of range.
func (p *Pool) Region(slot int) *Region {
	if slot < 0 || slot >= len(p.regions) {
		return nil
	}
	return p.regions[slot]
}

// Regions returns all buffers in slot order.
func (p *Pool) Regions() []*Region {
	return p.regions
}

// AcquireIdle returns the lowest-slot idle buffer, or ErrPoolExhausted.
func (p *Pool) AcquireIdle() (*Region, error) {
	for _, r := range p.regions {
		if r.State() == RegionIdle {
			return r, nil
		}
	}
	return nil, ErrPoolExhausted
}

// MarkArmed transitions a buffer to armed and returns the work request ID
// to post with. The generation bump makes completions for earlier arms of
// the same slot detectable as stale.
func (p *Pool) MarkArmed(r *Region) (uint64, error) {
	if r.State() == RegionArmed {
		return 0, fmt.Errorf("%w: slot %d", ErrAlreadyArmed, r.slot)
	}
	gen := r.gen.Add(1)
	r.state.Store(int32(RegionArmed))
	return encodeWRID(r.slot, gen), nil
}

// Disarm rolls a buffer back to its previous state after a failed post.
func (p *Pool) Disarm(r *Region, prev RegionState) {
	r.state.Store(int32(prev))
}

// MarkConsumed records that a completion was observed for the buffer. Only
// armed buffers can be consumed.
func (p *Pool) MarkConsumed(r *Region) error {
	if r.State() != RegionArmed {
		return fmt.Errorf("%w: slot %d is %s", ErrBufferNotArmed, r.slot, r.State())
	}
	r.state.Store(int32(RegionConsumed))
	r.consumedAt.Store(time.Now().UnixNano())
	return nil
}

// Release returns a buffer to the idle state.
func (p *Pool) Release(r *Region) {
	r.state.Store(int32(RegionIdle))
}

// OldestConsumed returns the consumed buffer with the earliest completion
// time, or nil when none is consumed. Used to degrade gracefully when a
// completion arrives for a slot that cannot be read.
func (p *Pool) OldestConsumed() *Region {
	var oldest *Region
	var oldestAt int64
	for _, r := range p.regions {
		if r.State() != RegionConsumed {
			continue
		}
		at := r.consumedAt.Load()
		if oldest == nil || at < oldestAt {
			oldest = r
			oldestAt = at
		}
	}
	return oldest
}

// RecordExhausted counts a completion handled while the pool had no buffer
// ready for it.
func (p *Pool) RecordExhausted() {
	p.exhausted.Add(1)
	metrics.RecordPoolExhausted()
}

// RecordStale counts a completion dropped because no live buffer matched.
func (p *Pool) RecordStale() {
	p.stale.Add(1)
	metrics.RecordStaleCompletion()
}

// Exhausted returns the number of completions handled under exhaustion.
func (p *Pool) Exhausted() int64 {
	return p.exhausted.Load()
}

// Stale returns the number of dropped stale completions.
func (p *Pool) Stale() int64 {
	return p.stale.Load()
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	s := PoolStats{
		Count:     len(p.regions),
		Size:      p.size,
		Exhausted: p.exhausted.Load(),
		Stale:     p.stale.Load(),
	}
	for _, r := range p.regions {
		switch r.State() {
		case RegionIdle:
			s.Idle++
		case RegionArmed:
			s.Armed++
		case RegionConsumed:
			s.Consumed++
		}
	}
	return s
}

// Close deregisters all buffers. Buffers still armed are abandoned; their
// memory registrations are torn down with the pool.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.deregister()
}

func (p *Pool) deregister() error {
	var firstErr error
	backend := p.conn.Backend()
	for _, r := range p.regions {
		if r.mr == 0 {
			continue
		}
		if err := backend.DeregMR(r.mr); err != nil {
			p.log.Error().Err(err).Int("slot", r.slot).Msg("failed to deregister buffer")
			if firstErr == nil {
				firstErr = err
			}
		}
		r.mr = 0
	}
	return firstErr
}
