// Package monitor implements the receive-side message monitoring loop: a
// pool of registered buffers kept posted on a queue pair, a completion
// loop that observes client writes-with-immediate, and a handler that
// renders each payload for the application.
//
// A Monitor owns one completion queue and any number of connections that
// share it. Completions are matched back to pool buffers through work
// request IDs; after each dispatch batch every consumed buffer is posted
// again so the receive queue never runs dry while the monitor is running.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/piwi3910/rdmamon/internal/metrics"
	"github.com/piwi3910/rdmamon/internal/transport/rdma"
)

// Mode selects how the monitor learns about new completions.
type Mode string

const (
	// ModePoll busy-polls the completion queue.
	ModePoll Mode = "poll"
	// ModeEvent blocks on the completion channel and drains on wakeup.
	ModeEvent Mode = "event"
	// ModeWatch polls buffer memory for an in-band length header instead
	// of using completions. It has no delivery or ordering guarantees and
	// exists for transports without working completion signalling.
	ModeWatch Mode = "watch"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePoll, ModeEvent, ModeWatch:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown monitor mode %q", s)
}

// YieldPolicy controls what the poll loop does when the queue is empty.
type YieldPolicy string

const (
	// YieldNone yields the processor but never sleeps.
	YieldNone YieldPolicy = "none"
	// YieldSleep sleeps a fixed interval after every empty poll.
	YieldSleep YieldPolicy = "sleep"
	// YieldBackoff spins for a while, then sleeps with a doubling interval.
	YieldBackoff YieldPolicy = "backoff"
)

// ParseYieldPolicy parses a yield policy name.
func ParseYieldPolicy(s string) (YieldPolicy, error) {
	switch YieldPolicy(s) {
	case YieldNone, YieldSleep, YieldBackoff:
		return YieldPolicy(s), nil
	}
	return "", fmt.Errorf("unknown yield policy %q", s)
}

const (
	backoffInitial = time.Microsecond
	backoffMax     = time.Millisecond
)

// Config holds monitor loop settings.
type Config struct {
	// Mode selects poll, event, or watch operation.
	Mode Mode
	// PollBatch is the maximum completions taken per poll.
	PollBatch int
	// Yield controls idle behavior in poll and watch modes.
	Yield YieldPolicy
	// SleepInterval is the fixed sleep for YieldSleep.
	SleepInterval time.Duration
	// SpinCount is how many empty polls YieldBackoff spins before sleeping.
	SpinCount int
	// WaitTimeout bounds each event wait so stop requests are noticed.
	WaitTimeout time.Duration
	// IdleTimeout, when positive, fails the monitor if receives are
	// outstanding and no completion arrives within the window.
	IdleTimeout time.Duration
	// Transient names completion statuses to log and skip instead of
	// treating as fatal.
	Transient []string
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() *Config {
	return &Config{
		Mode:          ModeEvent,
		PollBatch:     16,
		Yield:         YieldBackoff,
		SleepInterval: 50 * time.Microsecond,
		SpinCount:     1024,
		WaitTimeout:   250 * time.Millisecond,
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if _, err := ParseYieldPolicy(string(c.Yield)); err != nil {
		return err
	}
	if c.PollBatch < 1 {
		return fmt.Errorf("poll batch must be positive, got %d", c.PollBatch)
	}
	if c.Yield == YieldSleep && c.SleepInterval <= 0 {
		return fmt.Errorf("sleep yield requires a positive sleep interval")
	}
	if c.SpinCount < 0 {
		return fmt.Errorf("spin count cannot be negative, got %d", c.SpinCount)
	}
	if c.Mode == ModeEvent && c.WaitTimeout <= 0 {
		return fmt.Errorf("event mode requires a positive wait timeout")
	}
	return nil
}

// Monitor run states.
const (
	stateIdle int32 = iota
	stateRunning
	stateStopping
	stateStopped
)

var monitorStateNames = [...]string{"idle", "running", "stopping", "stopped"}

// target is one monitored connection with its pool, receiver, and handler.
type target struct {
	conn    *rdma.Conn
	pool    *Pool
	recv    *Receiver
	handler *Handler
}

// Monitor drives the completion loop for one completion queue.
type Monitor struct {
	cfg       *Config
	transient map[rdma.WCStatus]bool

	mu      sync.RWMutex
	targets map[uint32]*target
	byID    map[uuid.UUID]uint32
	order   []uint32

	backend rdma.VerbsBackend
	cq      rdma.VerbsCQ
	channel rdma.VerbsCompChannel

	state          atomic.Int32
	done           chan struct{}
	detachCh       chan uuid.UUID
	runErr         error
	lastCompletion atomic.Int64

	dispatched atomic.Int64
	transientN atomic.Int64
	unroutable atomic.Int64
	wakeups    atomic.Int64
	emptyPolls atomic.Int64

	log zerolog.Logger
}

// MonitorStats is a point-in-time snapshot of the monitor.
type MonitorStats struct {
	State      string        `json:"state"`
	Mode       Mode          `json:"mode"`
	Dispatched int64         `json:"completions_dispatched"`
	Transient  int64         `json:"transient_errors"`
	Unroutable int64         `json:"unroutable_completions"`
	Wakeups    int64         `json:"event_wakeups"`
	EmptyPolls int64         `json:"empty_polls"`
	Targets    []TargetStats `json:"connections"`
}

// TargetStats is a snapshot of one monitored connection.
type TargetStats struct {
	Conn     rdma.ConnStats `json:"conn"`
	Pool     PoolStats      `json:"pool"`
	Armed    int64          `json:"receives_armed"`
	Surfaced uint64         `json:"messages_surfaced"`
}

// New creates a monitor. Connections are added with Attach before Run.
func New(cfg *Config, logger zerolog.Logger) (*Monitor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	transient := make(map[rdma.WCStatus]bool, len(cfg.Transient))
	for _, name := range cfg.Transient {
		status, err := rdma.ParseWCStatus(name)
		if err != nil {
			return nil, fmt.Errorf("invalid transient status %q: %w", name, err)
		}
		if status == rdma.WCSuccess {
			return nil, fmt.Errorf("success cannot be listed as a transient error status")
		}
		transient[status] = true
	}

	return &Monitor{
		cfg:       cfg,
		transient: transient,
		targets:   make(map[uint32]*target),
		byID:      make(map[uuid.UUID]uint32),
		done:      make(chan struct{}),
		detachCh:  make(chan uuid.UUID, 64),
		log:       logger.With().Str("component", "monitor").Logger(),
	}, nil
}

// Attach adds a connection to the monitor. All attached connections must
// share one receive completion queue; the first attach fixes which. Attach
// is only valid before Run.
func (m *Monitor) Attach(conn *rdma.Conn, pool *Pool, onMessage MessageFunc) error {
	if m.state.Load() != stateIdle {
		return ErrMonitorStarted
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.order) == 0 {
		m.backend = conn.Backend()
		m.cq = conn.RecvCQ()
		m.channel = conn.Channel()
	} else if conn.RecvCQ() != m.cq {
		return fmt.Errorf("%w: qp %d", ErrSharedCQRequired, conn.QPN())
	}
	if m.cfg.Mode == ModeEvent && m.channel == 0 {
		return fmt.Errorf("event mode requires a connection with a completion channel")
	}

	qpn := conn.QPN()
	if _, dup := m.targets[qpn]; dup {
		return fmt.Errorf("queue pair %d already attached", qpn)
	}

	clog := m.log.With().Str("conn_id", conn.ID().String()).Logger()
	m.targets[qpn] = &target{
		conn:    conn,
		pool:    pool,
		recv:    NewReceiver(conn, pool, clog),
		handler: NewHandler(conn, pool, onMessage, clog),
	}
	m.byID[conn.ID()] = qpn
	m.order = append(m.order, qpn)
	metrics.IncrementActiveConnections()

	m.log.Info().
		Str("conn_id", conn.ID().String()).
		Uint32("qpn", qpn).
		Int("buffers", pool.Count()).
		Msg("connection attached")
	return nil
}

// Detach asks the loop to stop monitoring a connection. Outstanding
// receives for it are abandoned; later completions for its queue pair are
// dropped as unroutable.
func (m *Monitor) Detach(id uuid.UUID) {
	select {
	case m.detachCh <- id:
	default:
		m.log.Warn().Str("conn_id", id.String()).Msg("detach queue full, request dropped")
	}
}

// Run primes every attached connection and drives the completion loop
// until a stop is requested, the context is cancelled, or a fatal error
// occurs. A monitor runs at most once.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.RLock()
	empty := len(m.order) == 0
	m.mu.RUnlock()
	if empty {
		return ErrNoConnections
	}

	if !m.state.CompareAndSwap(stateIdle, stateRunning) {
		if s := m.state.Load(); s == stateRunning || s == stateStopping {
			return ErrAlreadyRunning
		}
		return ErrMonitorStarted
	}

	metrics.MonitorsRunning.Inc()
	m.lastCompletion.Store(time.Now().UnixNano())
	m.log.Info().Str("mode", string(m.cfg.Mode)).Msg("monitor starting")

	var err error
	if m.cfg.Mode != ModeWatch {
		err = m.prime()
	}
	if err == nil {
		switch m.cfg.Mode {
		case ModePoll:
			err = m.runPoll(ctx)
		case ModeEvent:
			err = m.runEvent(ctx)
		case ModeWatch:
			err = m.runWatch(ctx)
		}
	}

	m.runErr = err
	m.state.Store(stateStopped)
	metrics.MonitorsRunning.Dec()
	if err != nil {
		m.log.Error().Err(err).Int64("dispatched", m.dispatched.Load()).Msg("monitor stopped with error")
	} else {
		m.log.Info().Int64("dispatched", m.dispatched.Load()).Msg("monitor drained")
	}
	close(m.done)
	return err
}

// RequestStop asks the loop to finish its current batch and drain. It is
// safe from any goroutine and idempotent.
func (m *Monitor) RequestStop() {
	m.state.CompareAndSwap(stateRunning, stateStopping)
}

// Done closes when the loop has fully drained.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Err returns the terminal error once the loop has drained, nil before.
func (m *Monitor) Err() error {
	select {
	case <-m.done:
		return m.runErr
	default:
		return nil
	}
}

// State returns the monitor's coarse run state.
func (m *Monitor) State() string {
	return monitorStateNames[m.state.Load()]
}

// Mode returns the configured completion detection mode.
func (m *Monitor) Mode() Mode {
	return m.cfg.Mode
}

// Stats returns a snapshot of the monitor and its connections.
func (m *Monitor) Stats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := MonitorStats{
		State:      m.State(),
		Mode:       m.cfg.Mode,
		Dispatched: m.dispatched.Load(),
		Transient:  m.transientN.Load(),
		Unroutable: m.unroutable.Load(),
		Wakeups:    m.wakeups.Load(),
		EmptyPolls: m.emptyPolls.Load(),
	}
	for _, qpn := range m.order {
		t := m.targets[qpn]
		s.Targets = append(s.Targets, TargetStats{
			Conn:     t.conn.Stats(),
			Pool:     t.pool.Stats(),
			Armed:    t.recv.Armed(),
			Surfaced: t.handler.Surfaced(),
		})
	}
	return s
}

// Lookup returns the attached connection with the given ID, or nil.
func (m *Monitor) Lookup(id uuid.UUID) *rdma.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	qpn, ok := m.byID[id]
	if !ok {
		return nil
	}
	return m.targets[qpn].conn
}

func (m *Monitor) attachedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

func (m *Monitor) stopRequested(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return m.state.Load() != stateRunning
}

func (m *Monitor) prime() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, qpn := range m.order {
		t := m.targets[qpn]
		n, err := t.recv.ArmIdle()
		if err != nil {
			metrics.RecordConnectionError("arm")
			return err
		}
		m.log.Debug().Uint32("qpn", qpn).Int("buffers", n).Msg("receive queue primed")
	}
	return nil
}

func (m *Monitor) runPoll(ctx context.Context) error {
	y := newYielder(m.cfg)
	for {
		if m.stopRequested(ctx) {
			return nil
		}
		m.applyDetaches()

		wcs, err := m.backend.PollCQ(m.cq, m.cfg.PollBatch)
		if err != nil {
			metrics.RecordConnectionError("poll")
			return fmt.Errorf("%w: %s", ErrPollFailed, err)
		}
		if len(wcs) == 0 {
			m.emptyPolls.Add(1)
			metrics.AddEmptyPolls(1)
			if err := m.checkIdle(); err != nil {
				return err
			}
			y.wait()
			continue
		}
		y.reset()

		if err := m.dispatchBatch(ctx, wcs); err != nil {
			return err
		}
	}
}

func (m *Monitor) runEvent(ctx context.Context) error {
	if err := m.backend.ReqNotifyCQ(m.cq, false); err != nil {
		metrics.RecordConnectionError("notify")
		return fmt.Errorf("%w: %s", ErrNotifyFailed, err)
	}

	for {
		// Drain everything already queued. Completions that landed before
		// the notification was armed are only visible this way.
		for {
			if m.stopRequested(ctx) {
				return nil
			}
			m.applyDetaches()

			wcs, err := m.backend.PollCQ(m.cq, m.cfg.PollBatch)
			if err != nil {
				metrics.RecordConnectionError("poll")
				return fmt.Errorf("%w: %s", ErrPollFailed, err)
			}
			if len(wcs) == 0 {
				break
			}
			if err := m.dispatchBatch(ctx, wcs); err != nil {
				return err
			}
		}

		// Bounded wait so stop requests and the idle check get a look-in
		// even when no completion ever arrives.
		_, err := m.backend.GetCQEvent(m.channel, m.cfg.WaitTimeout)
		if err != nil {
			if errors.Is(err, rdma.ErrEventTimeout) {
				if err := m.checkIdle(); err != nil {
					return err
				}
				continue
			}
			metrics.RecordConnectionError("event")
			return fmt.Errorf("failed to wait for completion event: %w", err)
		}
		m.wakeups.Add(1)
		metrics.RecordEventWakeup()

		if err := m.backend.AckCQEvents(m.cq, 1); err != nil {
			m.log.Warn().Err(err).Msg("failed to ack completion event")
		}
		// Re-arm before draining so a completion landing mid-drain still
		// raises the next event.
		if err := m.backend.ReqNotifyCQ(m.cq, false); err != nil {
			metrics.RecordConnectionError("notify")
			return fmt.Errorf("%w: %s", ErrNotifyFailed, err)
		}
	}
}

func (m *Monitor) dispatchBatch(ctx context.Context, wcs []rdma.VerbsWorkCompletion) error {
	for i := range wcs {
		if err := m.dispatch(wcs[i]); err != nil {
			return err
		}
	}
	return m.rearm(ctx)
}

func (m *Monitor) dispatch(wc rdma.VerbsWorkCompletion) error {
	m.dispatched.Add(1)
	m.lastCompletion.Store(time.Now().UnixNano())
	metrics.RecordCompletion(wc.Status.String())

	if wc.Status != rdma.WCSuccess {
		return m.dispatchError(wc)
	}

	t := m.lookup(wc.QPN)
	if t == nil {
		m.unroutable.Add(1)
		metrics.RecordStaleCompletion()
		m.log.Warn().Uint32("qpn", wc.QPN).Uint64("wr_id", wc.WRID).Msg("completion for unknown queue pair, dropping")
		return nil
	}

	slot, gen := decodeWRID(wc.WRID)
	r := t.pool.Region(slot)

	if wc.Opcode != rdma.WCOpRecvRDMAWithImm {
		// A plain receive completion consumes its marker without a message.
		if r != nil && r.State() == RegionArmed && r.Generation() == gen {
			if err := t.pool.MarkConsumed(r); err != nil {
				return err
			}
		}
		m.log.Debug().Str("opcode", wc.Opcode.String()).Uint32("qpn", wc.QPN).Msg("non-message completion")
		return nil
	}

	if r == nil {
		t.pool.RecordStale()
		m.log.Warn().Int("slot", slot).Uint32("qpn", wc.QPN).Msg("completion for unknown buffer slot, dropping")
		return nil
	}

	switch {
	case r.State() == RegionArmed && r.Generation() == gen:
		if err := t.pool.MarkConsumed(r); err != nil {
			return err
		}
		_, err := t.handler.Handle(wc, r, false)
		return err

	case r.State() == RegionConsumed:
		// Delivery outran the arming path: the slot was consumed and not
		// yet re-armed, so its contents are stable and can be reused.
		t.pool.RecordExhausted()
		m.log.Warn().Int("slot", slot).Uint32("qpn", wc.QPN).Msg("buffer pool exhausted, reusing consumed buffer")
		_, err := t.handler.Handle(wc, r, true)
		return err

	default:
		// The slot is armed under a newer generation, or idle. Reading it
		// would race the transport, so degrade to the oldest consumed
		// buffer when one exists.
		t.pool.RecordExhausted()
		fallback := t.pool.OldestConsumed()
		if fallback == nil {
			t.pool.RecordStale()
			m.log.Warn().
				Int("slot", slot).
				Uint32("gen", gen).
				Uint32("current_gen", r.Generation()).
				Str("state", r.State().String()).
				Msg("stale completion with no readable buffer, dropping")
			return nil
		}
		m.log.Warn().
			Int("slot", slot).
			Int("fallback_slot", fallback.Slot()).
			Uint32("qpn", wc.QPN).
			Msg("buffer pool exhausted, degrading to oldest consumed buffer")
		_, err := t.handler.Handle(wc, fallback, true)
		return err
	}
}

func (m *Monitor) dispatchError(wc rdma.VerbsWorkCompletion) error {
	if wc.Status == rdma.WCWRFlushErr && m.state.Load() != stateRunning {
		m.log.Debug().Uint64("wr_id", wc.WRID).Msg("flushed completion during drain")
		return nil
	}
	if m.transient[wc.Status] {
		m.transientN.Add(1)
		metrics.RecordTransientError()
		m.log.Warn().
			Str("status", wc.Status.String()).
			Uint32("qpn", wc.QPN).
			Uint64("wr_id", wc.WRID).
			Uint32("vendor_err", wc.VendorErr).
			Msg("transient completion error, continuing")
		return nil
	}
	metrics.RecordConnectionError("completion")
	m.log.Error().
		Str("status", wc.Status.String()).
		Uint32("qpn", wc.QPN).
		Uint64("wr_id", wc.WRID).
		Uint32("vendor_err", wc.VendorErr).
		Msg("fatal completion error")
	return fmt.Errorf("%w: %s completion on qp %d", ErrConnectionLost, wc.Status, wc.QPN)
}

// rearm posts fresh receives for every consumed buffer. Skipped once a
// stop has been requested so draining never arms new receives.
func (m *Monitor) rearm(ctx context.Context) error {
	if m.stopRequested(ctx) {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, qpn := range m.order {
		if _, err := m.targets[qpn].recv.ArmConsumed(); err != nil {
			metrics.RecordConnectionError("arm")
			return err
		}
	}
	return nil
}

func (m *Monitor) lookup(qpn uint32) *target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.targets[qpn]
}

func (m *Monitor) applyDetaches() {
	for {
		select {
		case id := <-m.detachCh:
			m.removeTarget(id)
		default:
			return
		}
	}
}

func (m *Monitor) removeTarget(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qpn, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	delete(m.targets, qpn)
	for i, q := range m.order {
		if q == qpn {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	metrics.DecrementActiveConnections()
	m.log.Info().Str("conn_id", id.String()).Uint32("qpn", qpn).Msg("connection detached, outstanding receives abandoned")
}

func (m *Monitor) checkIdle() error {
	if m.cfg.IdleTimeout <= 0 {
		return nil
	}
	if !m.anyArmed() {
		return nil
	}
	idle := time.Since(time.Unix(0, m.lastCompletion.Load()))
	if idle < m.cfg.IdleTimeout {
		return nil
	}
	metrics.RecordConnectionError("idle-timeout")
	return fmt.Errorf("%w: %s since last completion", ErrIdleTimeout, idle.Round(time.Millisecond))
}

func (m *Monitor) anyArmed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, qpn := range m.order {
		for _, r := range m.targets[qpn].pool.Regions() {
			if r.State() == RegionArmed {
				return true
			}
		}
	}
	return false
}

// yielder applies the configured idle policy to a poll loop.
type yielder struct {
	policy  YieldPolicy
	sleep   time.Duration
	spin    int
	idle    int
	backoff time.Duration
}

func newYielder(cfg *Config) *yielder {
	return &yielder{
		policy:  cfg.Yield,
		sleep:   cfg.SleepInterval,
		spin:    cfg.SpinCount,
		backoff: backoffInitial,
	}
}

func (y *yielder) reset() {
	y.idle = 0
	y.backoff = backoffInitial
}

func (y *yielder) wait() {
	switch y.policy {
	case YieldSleep:
		time.Sleep(y.sleep)
	case YieldBackoff:
		y.idle++
		if y.idle <= y.spin {
			runtime.Gosched()
			return
		}
		time.Sleep(y.backoff)
		if y.backoff < backoffMax {
			y.backoff *= 2
			if y.backoff > backoffMax {
				y.backoff = backoffMax
			}
		}
	default:
		runtime.Gosched()
	}
}

// Run monitors a single connection until the context is cancelled or the
// connection fails, surfacing each message to onMessage.
func Run(ctx context.Context, conn *rdma.Conn, pool *Pool, cfg *Config, onMessage MessageFunc, logger zerolog.Logger) error {
	m, err := New(cfg, logger)
	if err != nil {
		return err
	}
	if err := m.Attach(conn, pool, onMessage); err != nil {
		return err
	}
	return m.Run(ctx)
}
