package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/rdmamon/internal/transport/rdma"
)

const (
	testPoolCount = 4
	testPoolSize  = 256
)

type monitorFixture struct {
	backend   *rdma.SimulatedVerbsBackend
	transport *rdma.Transport
	server    *rdma.Conn
	client    *rdma.Conn
	pool      *Pool

	srcSGE rdma.VerbsSGE
	srcBuf []byte
	writes int

	mu   sync.Mutex
	msgs []Message
}

func newMonitorFixture(t *testing.T, withChannel bool, poolCount, poolSize int) *monitorFixture {
	t.Helper()

	backend := rdma.NewSimulatedVerbsBackend()
	transport, err := rdma.NewTransport(backend, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })

	var serverOpts rdma.ConnOptions
	if withChannel {
		ch, err := transport.CreateCompChannel()
		require.NoError(t, err)
		cq, err := transport.CreateCQ(256, ch)
		require.NoError(t, err)
		serverOpts = rdma.ConnOptions{RecvCQ: cq, Channel: ch}
	}

	server, client, err := transport.Loopback(serverOpts, rdma.ConnOptions{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	pool, err := NewPool(server, poolCount, poolSize, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	sge, buf := registerSrc(t, client, poolSize)

	return &monitorFixture{
		backend:   backend,
		transport: transport,
		server:    server,
		client:    client,
		pool:      pool,
		srcSGE:    sge,
		srcBuf:    buf,
	}
}

func registerSrc(t *testing.T, conn *rdma.Conn, size int) (rdma.VerbsSGE, []byte) {
	t.Helper()
	buf := make([]byte, size)
	mr, err := conn.RegisterBuffer(buf, rdma.MRAccessLocalWrite)
	require.NoError(t, err)
	attr, err := conn.Backend().QueryMR(mr)
	require.NoError(t, err)
	return rdma.VerbsSGE{Addr: attr.Addr, LKey: attr.LKey}, buf
}

func (f *monitorFixture) onMessage(msg Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

func (f *monitorFixture) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func (f *monitorFixture) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.msgs))
	copy(out, f.msgs)
	return out
}

// write sends one message to the buffer backing the next receive in queue
// order, so the payload lands where the completion's work request points.
func (f *monitorFixture) write(t *testing.T, payload []byte) {
	t.Helper()
	target := f.pool.Region(f.writes % f.pool.Count())
	f.writes++

	n := copy(f.srcBuf, payload)
	sge := f.srcSGE
	sge.Length = uint32(n) //nolint:gosec // G115: test payloads are small

	imm := rdma.HostToNetwork32(uint32(n)) //nolint:gosec // G115: test payloads are small
	require.NoError(t, f.client.WriteImm(sge, target.Addr(), target.RKey(), imm))
}

func startMonitor(t *testing.T, m *Monitor) chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(context.Background()) }()
	return errCh
}

func stopMonitor(t *testing.T, m *Monitor, errCh chan error) error {
	t.Helper()
	m.RequestStop()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
		return nil
	}
}

func waitArmed(t *testing.T, m *Monitor, targetIdx, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := m.Stats()
		return len(s.Targets) > targetIdx && s.Targets[targetIdx].Pool.Armed == want
	}, 2*time.Second, time.Millisecond)
}

func waitMessages(t *testing.T, f *monitorFixture, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.count() >= n }, 2*time.Second, time.Millisecond)
}

func pollConfig() *Config {
	cfg := DefaultConfig()
	cfg.Mode = ModePoll
	cfg.Yield = YieldSleep
	cfg.SleepInterval = time.Millisecond
	return cfg
}

func eventConfig() *Config {
	cfg := DefaultConfig()
	cfg.WaitTimeout = 50 * time.Millisecond
	return cfg
}

func TestMonitorDeliversMessagesInOrder(t *testing.T) {
	f := newMonitorFixture(t, false, testPoolCount, testPoolSize)
	m, err := New(pollConfig(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Attach(f.server, f.pool, f.onMessage))

	errCh := startMonitor(t, m)
	waitArmed(t, m, 0, testPoolCount)

	const n = 5
	for i := 0; i < n; i++ {
		f.write(t, []byte(fmt.Sprintf("msg-%d", i)))
		waitMessages(t, f, i+1)
		waitArmed(t, m, 0, testPoolCount)
	}

	require.NoError(t, stopMonitor(t, m, errCh))

	msgs := f.messages()
	require.Len(t, msgs, n)
	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), msg.Rendered)
		assert.Equal(t, uint64(i+1), msg.Seq)
		assert.Equal(t, f.server.ID(), msg.ConnID)
		assert.False(t, msg.Truncated)
		assert.False(t, msg.Degraded)
	}

	// Each surfaced message is followed by exactly one re-arm on top of
	// the initial priming.
	s := m.Stats()
	require.Len(t, s.Targets, 1)
	assert.Equal(t, int64(testPoolCount+n), s.Targets[0].Armed)
	assert.Equal(t, uint64(n), s.Targets[0].Surfaced)
	assert.Equal(t, int64(0), s.Targets[0].Pool.Exhausted)
}

func TestMonitorEventModeDelivers(t *testing.T) {
	f := newMonitorFixture(t, true, testPoolCount, testPoolSize)
	m, err := New(eventConfig(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Attach(f.server, f.pool, f.onMessage))

	errCh := startMonitor(t, m)
	waitArmed(t, m, 0, testPoolCount)

	f.write(t, []byte("wakeup"))
	waitMessages(t, f, 1)

	require.NoError(t, stopMonitor(t, m, errCh))

	msgs := f.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "wakeup", msgs[0].Rendered)
	assert.Positive(t, m.Stats().Wakeups)
}

func runDeliverySequence(t *testing.T, cfg *Config, withChannel bool) []string {
	t.Helper()
	f := newMonitorFixture(t, withChannel, testPoolCount, testPoolSize)
	m, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Attach(f.server, f.pool, f.onMessage))

	errCh := startMonitor(t, m)
	waitArmed(t, m, 0, testPoolCount)

	payloads := [][]byte{
		[]byte("alpha"),
		[]byte("beta"),
		{0x48, 0x00, 0x7E, 0xFF},
		[]byte("delta"),
	}
	for i, p := range payloads {
		f.write(t, p)
		waitMessages(t, f, i+1)
		waitArmed(t, m, 0, testPoolCount)
	}

	require.NoError(t, stopMonitor(t, m, errCh))

	var rendered []string
	for _, msg := range f.messages() {
		rendered = append(rendered, msg.Rendered)
	}
	return rendered
}

func TestMonitorModeEquivalence(t *testing.T) {
	want := []string{"alpha", "beta", "H\\x00~\\xff", "delta"}

	polled := runDeliverySequence(t, pollConfig(), false)
	evented := runDeliverySequence(t, eventConfig(), true)

	assert.Equal(t, want, polled)
	assert.Equal(t, want, evented)
	assert.Equal(t, polled, evented)
}

func TestMonitorZeroLengthMessage(t *testing.T) {
	f := newMonitorFixture(t, false, testPoolCount, testPoolSize)
	m, err := New(pollConfig(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Attach(f.server, f.pool, f.onMessage))

	errCh := startMonitor(t, m)
	waitArmed(t, m, 0, testPoolCount)

	f.write(t, nil)
	waitMessages(t, f, 1)
	require.NoError(t, stopMonitor(t, m, errCh))

	msgs := f.messages()
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Rendered)
	assert.Empty(t, msgs[0].Payload)
	assert.Equal(t, uint32(0), msgs[0].ImmLen)
}

func TestMonitorCallbackSeesConsumedBuffer(t *testing.T) {
	f := newMonitorFixture(t, false, testPoolCount, testPoolSize)

	var mu sync.Mutex
	var states []RegionState

	// Seq n is the n-th write, which landed in slot (n-1) mod count. Its
	// receive marker must already be consumed when the callback runs; the
	// buffer is only re-armed afterwards.
	onMessage := func(msg Message) {
		r := f.pool.Region(int(msg.Seq-1) % f.pool.Count())
		mu.Lock()
		states = append(states, r.State())
		mu.Unlock()
		f.onMessage(msg)
	}

	m, err := New(pollConfig(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Attach(f.server, f.pool, onMessage))

	errCh := startMonitor(t, m)
	waitArmed(t, m, 0, testPoolCount)

	for i := 0; i < 3; i++ {
		f.write(t, []byte("stately"))
		waitMessages(t, f, i+1)
	}
	require.NoError(t, stopMonitor(t, m, errCh))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, states, 3)
	for i, s := range states {
		assert.Equal(t, RegionConsumed, s, "message %d", i)
	}
}

func TestMonitorIgnoresWriteWithoutImmediate(t *testing.T) {
	f := newMonitorFixture(t, false, testPoolCount, testPoolSize)
	m, err := New(pollConfig(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Attach(f.server, f.pool, f.onMessage))

	errCh := startMonitor(t, m)
	waitArmed(t, m, 0, testPoolCount)

	// A plain write lands data but raises no receive completion, so the
	// monitor must not surface anything.
	target := f.pool.Region(0)
	n := copy(f.srcBuf, []byte("silent"))
	sge := f.srcSGE
	sge.Length = uint32(n) //nolint:gosec // G115: test payloads are small
	require.NoError(t, f.client.Write(sge, target.Addr(), target.RKey()))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.count())

	require.NoError(t, stopMonitor(t, m, errCh))
}

func TestMonitorExhaustionBurst(t *testing.T) {
	f := newMonitorFixture(t, false, 2, testPoolSize)
	m, err := New(pollConfig(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Attach(f.server, f.pool, f.onMessage))

	// Arm both buffers up front, then queue five completions against the
	// two outstanding work requests before the loop ever polls. This is
	// the delivery-outruns-rearming burst.
	recv := NewReceiver(f.server, f.pool, zerolog.Nop())
	_, err = recv.ArmIdle()
	require.NoError(t, err)

	imm := rdma.HostToNetwork32(4)
	for i := 0; i < 5; i++ {
		slot := i % 2
		wc := rdma.VerbsWorkCompletion{
			WRID:    encodeWRID(slot, 1),
			Status:  rdma.WCSuccess,
			Opcode:  rdma.WCOpRecvRDMAWithImm,
			ByteLen: 4,
			ImmData: imm,
			QPN:     f.server.QPN(),
		}
		require.NoError(t, f.backend.InjectCompletion(f.server.RecvCQ(), wc))
	}

	errCh := startMonitor(t, m)
	waitMessages(t, f, 5)
	require.NoError(t, stopMonitor(t, m, errCh))

	msgs := f.messages()
	require.Len(t, msgs, 5)
	assert.False(t, msgs[0].Degraded)
	assert.False(t, msgs[1].Degraded)
	for _, msg := range msgs[2:] {
		assert.True(t, msg.Degraded)
	}
	assert.GreaterOrEqual(t, f.pool.Exhausted(), int64(3))
}

func TestMonitorDropsStaleGeneration(t *testing.T) {
	f := newMonitorFixture(t, false, testPoolCount, testPoolSize)
	m, err := New(pollConfig(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Attach(f.server, f.pool, f.onMessage))

	errCh := startMonitor(t, m)
	waitArmed(t, m, 0, testPoolCount)

	// A completion from a superseded arm generation cannot be matched to
	// readable bytes and must be dropped without surfacing anything.
	wc := rdma.VerbsWorkCompletion{
		WRID:    encodeWRID(0, 999),
		Status:  rdma.WCSuccess,
		Opcode:  rdma.WCOpRecvRDMAWithImm,
		ByteLen: 4,
		ImmData: rdma.HostToNetwork32(4),
		QPN:     f.server.QPN(),
	}
	require.NoError(t, f.backend.InjectCompletion(f.server.RecvCQ(), wc))

	require.Eventually(t, func() bool { return f.pool.Stale() >= 1 }, 2*time.Second, time.Millisecond)
	assert.Zero(t, f.count())

	// The loop keeps going: a real write still surfaces.
	f.write(t, []byte("after-stale"))
	waitMessages(t, f, 1)
	assert.Equal(t, "after-stale", f.messages()[0].Rendered)

	require.NoError(t, stopMonitor(t, m, errCh))
}

func TestMonitorFatalCompletionStopsLoop(t *testing.T) {
	f := newMonitorFixture(t, false, testPoolCount, testPoolSize)
	m, err := New(pollConfig(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Attach(f.server, f.pool, f.onMessage))

	errCh := startMonitor(t, m)
	waitArmed(t, m, 0, testPoolCount)

	wc := rdma.VerbsWorkCompletion{
		WRID:   encodeWRID(0, 1),
		Status: rdma.WCLocalProtErr,
		Opcode: rdma.WCOpRecvRDMAWithImm,
		QPN:    f.server.QPN(),
	}
	require.NoError(t, f.backend.InjectCompletion(f.server.RecvCQ(), wc))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop on fatal completion")
	}
	require.ErrorIs(t, m.Err(), ErrConnectionLost)
	assert.Equal(t, "stopped", m.State())
	assert.Zero(t, f.count())
}

func TestMonitorTransientCompletionContinues(t *testing.T) {
	f := newMonitorFixture(t, false, testPoolCount, testPoolSize)
	cfg := pollConfig()
	cfg.Transient = []string{"local-access-error"}
	m, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Attach(f.server, f.pool, f.onMessage))

	errCh := startMonitor(t, m)
	waitArmed(t, m, 0, testPoolCount)

	wc := rdma.VerbsWorkCompletion{
		WRID:   encodeWRID(0, 1),
		Status: rdma.WCLocalAccessErr,
		Opcode: rdma.WCOpRecvRDMAWithImm,
		QPN:    f.server.QPN(),
	}
	require.NoError(t, f.backend.InjectCompletion(f.server.RecvCQ(), wc))

	require.Eventually(t, func() bool { return m.Stats().Transient == 1 }, 2*time.Second, time.Millisecond)

	f.write(t, []byte("still-alive"))
	waitMessages(t, f, 1)
	assert.Equal(t, "still-alive", f.messages()[0].Rendered)

	require.NoError(t, stopMonitor(t, m, errCh))
}

func TestMonitorIdleTimeout(t *testing.T) {
	f := newMonitorFixture(t, false, testPoolCount, testPoolSize)
	cfg := pollConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	m, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Attach(f.server, f.pool, f.onMessage))

	errCh := startMonitor(t, m)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrIdleTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not report idle timeout")
	}
}

func TestMonitorMultiplexedConnections(t *testing.T) {
	f := newMonitorFixture(t, false, testPoolCount, testPoolSize)

	server2, err := f.transport.NewConn(rdma.ConnOptions{RecvCQ: f.server.RecvCQ()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server2.Close() })
	client2, err := f.transport.NewConn(rdma.ConnOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client2.Close() })
	require.NoError(t, rdma.Pair(server2, client2))

	pool2, err := NewPool(server2, testPoolCount, testPoolSize, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool2.Close() })

	m, err := New(pollConfig(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Attach(f.server, f.pool, f.onMessage))
	require.NoError(t, m.Attach(server2, pool2, f.onMessage))

	errCh := startMonitor(t, m)
	waitArmed(t, m, 0, testPoolCount)
	waitArmed(t, m, 1, testPoolCount)

	f.write(t, []byte("first-conn"))
	waitMessages(t, f, 1)

	sge2, buf2 := registerSrc(t, client2, testPoolSize)
	n := copy(buf2, []byte("second-conn"))
	sge2.Length = uint32(n) //nolint:gosec // G115: test payloads are small
	target := pool2.Region(0)
	imm := rdma.HostToNetwork32(uint32(n)) //nolint:gosec // G115: test payloads are small
	require.NoError(t, client2.WriteImm(sge2, target.Addr(), target.RKey(), imm))
	waitMessages(t, f, 2)

	msgs := f.messages()
	assert.Equal(t, "first-conn", msgs[0].Rendered)
	assert.Equal(t, f.server.ID(), msgs[0].ConnID)
	assert.Equal(t, "second-conn", msgs[1].Rendered)
	assert.Equal(t, server2.ID(), msgs[1].ConnID)

	// Detached connections stop routing: later completions are dropped.
	m.Detach(server2.ID())
	require.Eventually(t, func() bool {
		return len(m.Stats().Targets) == 1
	}, 2*time.Second, time.Millisecond)

	n = copy(buf2, []byte("orphaned"))
	sge2.Length = uint32(n) //nolint:gosec // G115: test payloads are small
	target = pool2.Region(1)
	imm = rdma.HostToNetwork32(uint32(n)) //nolint:gosec // G115: test payloads are small
	require.NoError(t, client2.WriteImm(sge2, target.Addr(), target.RKey(), imm))

	require.Eventually(t, func() bool { return m.Stats().Unroutable >= 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 2, f.count())

	require.NoError(t, stopMonitor(t, m, errCh))
}

func TestMonitorAttachValidation(t *testing.T) {
	f := newMonitorFixture(t, false, testPoolCount, testPoolSize)

	t.Run("event mode requires channel", func(t *testing.T) {
		m, err := New(eventConfig(), zerolog.Nop())
		require.NoError(t, err)
		// The fixture's server was built without a completion channel.
		require.Error(t, m.Attach(f.server, f.pool, nil))
	})

	t.Run("connections must share the completion queue", func(t *testing.T) {
		m, err := New(pollConfig(), zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, m.Attach(f.server, f.pool, nil))

		other, otherClient, err := f.transport.Loopback(rdma.ConnOptions{}, rdma.ConnOptions{})
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = otherClient.Close()
			_ = other.Close()
		})
		otherPool, err := NewPool(other, 1, 64, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = otherPool.Close() })

		require.ErrorIs(t, m.Attach(other, otherPool, nil), ErrSharedCQRequired)
	})

	t.Run("no attach after start", func(t *testing.T) {
		m, err := New(pollConfig(), zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, m.Attach(f.server, f.pool, f.onMessage))

		errCh := startMonitor(t, m)
		waitArmed(t, m, 0, testPoolCount)
		require.ErrorIs(t, m.Attach(f.server, f.pool, nil), ErrMonitorStarted)
		require.NoError(t, stopMonitor(t, m, errCh))
	})

	t.Run("run without connections", func(t *testing.T) {
		m, err := New(pollConfig(), zerolog.Nop())
		require.NoError(t, err)
		require.ErrorIs(t, m.Run(context.Background()), ErrNoConnections)
	})
}

func TestMonitorConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "turbo" }},
		{"bad yield", func(c *Config) { c.Yield = "never" }},
		{"zero poll batch", func(c *Config) { c.PollBatch = 0 }},
		{"sleep without interval", func(c *Config) { c.Yield = YieldSleep; c.SleepInterval = 0 }},
		{"negative spin", func(c *Config) { c.SpinCount = -1 }},
		{"event without wait timeout", func(c *Config) { c.Mode = ModeEvent; c.WaitTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			_, err := New(cfg, zerolog.Nop())
			require.Error(t, err)
		})
	}

	t.Run("unknown transient status", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Transient = []string{"not-a-status"}
		_, err := New(cfg, zerolog.Nop())
		require.Error(t, err)
	})

	t.Run("success cannot be transient", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Transient = []string{"success"}
		_, err := New(cfg, zerolog.Nop())
		require.Error(t, err)
	})
}

func TestMonitorRunTwice(t *testing.T) {
	f := newMonitorFixture(t, false, testPoolCount, testPoolSize)
	m, err := New(pollConfig(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Attach(f.server, f.pool, f.onMessage))

	errCh := startMonitor(t, m)
	waitArmed(t, m, 0, testPoolCount)
	require.ErrorIs(t, m.Run(context.Background()), ErrAlreadyRunning)
	require.NoError(t, stopMonitor(t, m, errCh))
	require.ErrorIs(t, m.Run(context.Background()), ErrMonitorStarted)
}

func TestRunSingleConnection(t *testing.T) {
	f := newMonitorFixture(t, false, testPoolCount, testPoolSize)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(ctx, f.server, f.pool, pollConfig(), f.onMessage, zerolog.Nop())
	}()

	require.Eventually(t, func() bool {
		return f.pool.Stats().Armed == testPoolCount
	}, 2*time.Second, time.Millisecond)

	f.write(t, []byte("one-shot"))
	waitMessages(t, f, 1)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.Equal(t, "one-shot", f.messages()[0].Rendered)
}

func TestMonitorStopLeavesBuffersArmed(t *testing.T) {
	f := newMonitorFixture(t, false, testPoolCount, testPoolSize)
	m, err := New(pollConfig(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Attach(f.server, f.pool, f.onMessage))

	errCh := startMonitor(t, m)
	waitArmed(t, m, 0, testPoolCount)
	require.NoError(t, stopMonitor(t, m, errCh))

	// Draining abandons outstanding receives rather than reclaiming them;
	// the markers stay posted until the connection is torn down.
	assert.Equal(t, testPoolCount, f.pool.Stats().Armed)
	assert.Equal(t, "stopped", m.State())
	assert.NoError(t, m.Err())
}
