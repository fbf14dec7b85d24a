package monitor

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/piwi3910/rdmamon/internal/metrics"
	"github.com/piwi3910/rdmamon/internal/transport/rdma"
)

// Receiver posts receive work requests backed by pool buffers. Each posted
// request carries a work request ID encoding the slot and arm generation
// so the completion can be routed back to its buffer.
type Receiver struct {
	conn  *rdma.Conn
	pool  *Pool
	armed atomic.Int64
	log   zerolog.Logger
}

// NewReceiver creates a receiver for one connection and its pool.
func NewReceiver(conn *rdma.Conn, pool *Pool, logger zerolog.Logger) *Receiver {
	return &Receiver{
		conn: conn,
		pool: pool,
		log:  logger.With().Str("component", "receiver").Logger(),
	}
}

// Arm transitions the buffer to armed and posts a receive for it. On post
// failure the buffer is rolled back and the error wraps ErrArmFailed; the
// connection can no longer accept messages reliably after that.
func (rc *Receiver) Arm(r *Region) error {
	prev := r.State()
	wrid, err := rc.pool.MarkArmed(r)
	if err != nil {
		return err
	}

	wr := &rdma.VerbsRecvWR{
		WRID: wrid,
		SGList: []rdma.VerbsSGE{{
			Addr:   r.addr,
			Length: uint32(r.Capacity()), //nolint:gosec // G115: buffer sizes are bounded by pool validation
			LKey:   r.lkey,
		}},
	}
	if err := rc.conn.PostRecv(wr); err != nil {
		rc.pool.Disarm(r, prev)
		return fmt.Errorf("%w: slot %d: %s", ErrArmFailed, r.Slot(), err)
	}

	rc.armed.Add(1)
	metrics.RecordRearm()
	rc.log.Debug().Int("slot", r.Slot()).Uint32("gen", r.Generation()).Msg("receive armed")
	return nil
}

// ArmIdle arms every idle buffer in slot order. Used to prime the queue
// before the first message can arrive.
func (rc *Receiver) ArmIdle() (int, error) {
	n := 0
	for _, r := range rc.pool.Regions() {
		if r.State() != RegionIdle {
			continue
		}
		if err := rc.Arm(r); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ArmConsumed re-arms every consumed buffer in slot order. Called after a
// dispatch batch so every surfaced message is followed by a fresh receive.
func (rc *Receiver) ArmConsumed() (int, error) {
	n := 0
	for _, r := range rc.pool.Regions() {
		if r.State() != RegionConsumed {
			continue
		}
		if err := rc.Arm(r); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Armed returns the total number of receives posted by this receiver.
func (rc *Receiver) Armed() int64 {
	return rc.armed.Load()
}
