package server

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmamon/internal/config"
	"github.com/piwi3910/rdmamon/internal/metrics"
	"github.com/piwi3910/rdmamon/internal/monitor"
	"github.com/piwi3910/rdmamon/internal/transport/rdma"
)

// startDemo builds the demo topology: one monitored loopback connection
// per writer, a registered buffer pool each, and a client-side traffic
// generator. With shared_cq all connections feed one completion queue
// and one monitor loop; otherwise each connection gets its own.
func (s *Server) startDemo(ctx context.Context) error {
	demo := s.cfg.Demo
	mode := monitor.Mode(s.cfg.Monitor.Mode)

	var (
		sharedCQ      rdma.VerbsCQ
		sharedChannel rdma.VerbsCompChannel
		sharedCtrl    *monitor.Controller
	)

	if s.cfg.Monitor.SharedCQ {
		var err error

		if mode == monitor.ModeEvent {
			sharedChannel, err = s.transport.CreateCompChannel()
			if err != nil {
				return fmt.Errorf("failed to create completion channel: %w", err)
			}
		}

		sharedCQ, err = s.transport.CreateCQ(s.cfg.RDMA.CQSize, sharedChannel)
		if err != nil {
			return fmt.Errorf("failed to create shared CQ: %w", err)
		}

		m, err := monitor.New(s.monitorConfig(), log.Logger)
		if err != nil {
			return err
		}

		sharedCtrl = monitor.NewController(m, log.Logger)
	}

	for i := 0; i < demo.Connections; i++ {
		name := fmt.Sprintf("writer-%d", i+1)

		var serverOpts rdma.ConnOptions

		switch {
		case s.cfg.Monitor.SharedCQ:
			serverOpts = rdma.ConnOptions{RecvCQ: sharedCQ, Channel: sharedChannel}
		case mode == monitor.ModeEvent:
			ch, err := s.transport.CreateCompChannel()
			if err != nil {
				return fmt.Errorf("failed to create completion channel: %w", err)
			}
			serverOpts = rdma.ConnOptions{Channel: ch}
		}

		serverConn, clientConn, err := s.transport.Loopback(serverOpts, rdma.ConnOptions{})
		if err != nil {
			return fmt.Errorf("failed to create loopback pair: %w", err)
		}

		pool, err := monitor.NewPool(serverConn, s.cfg.Monitor.BufferCount, s.cfg.Monitor.BufferSize, log.Logger)
		if err != nil {
			return fmt.Errorf("failed to allocate buffer pool: %w", err)
		}

		ctrl := sharedCtrl
		if ctrl == nil {
			m, err := monitor.New(s.monitorConfig(), log.Logger)
			if err != nil {
				return err
			}
			ctrl = monitor.NewController(m, log.Logger)
		}

		if err := ctrl.Monitor().Attach(serverConn, pool, s.onMessage); err != nil {
			return fmt.Errorf("failed to attach connection: %w", err)
		}

		s.registry.Add(serverConn, pool, ctrl)

		writer, err := newDemoWriter(name, clientConn, pool, demo)
		if err != nil {
			return fmt.Errorf("failed to create demo writer: %w", err)
		}

		s.writers = append(s.writers, writer)
	}

	// Start each monitor loop once all of its connections are attached.
	for _, ctrl := range s.registry.Controllers() {
		if err := ctrl.Start(ctx); err != nil {
			return fmt.Errorf("failed to start monitor: %w", err)
		}
	}

	log.Info().
		Int("connections", demo.Connections).
		Str("mode", string(mode)).
		Bool("shared_cq", s.cfg.Monitor.SharedCQ).
		Int("message_count", demo.MessageCount).
		Msg("Demo topology started")

	return nil
}

// demoWords seeds the generated text payloads.
var demoWords = []string{
	"telemetry", "heartbeat", "burst", "payload", "fabric",
	"queue", "verbs", "remote", "immediate", "lowlatency",
}

// demoWriter drives one client connection, issuing RDMA writes with
// immediate data against the monitored peer's buffer pool.
type demoWriter struct {
	name   string
	client *rdma.Conn
	pool   *monitor.Pool
	cfg    config.DemoConfig

	sge rdma.VerbsSGE
	buf []byte

	written atomic.Uint64
	done    chan struct{}

	log zerolog.Logger
}

// newDemoWriter registers a staging buffer on the client side large
// enough for the biggest generated payload.
func newDemoWriter(name string, client *rdma.Conn, pool *monitor.Pool, cfg config.DemoConfig) (*demoWriter, error) {
	buf := make([]byte, cfg.MaxPayload)

	mr, err := client.RegisterBuffer(buf, rdma.MRAccessLocalWrite)
	if err != nil {
		return nil, fmt.Errorf("failed to register staging buffer: %w", err)
	}

	attr, err := client.Backend().QueryMR(mr)
	if err != nil {
		return nil, fmt.Errorf("failed to query staging buffer: %w", err)
	}

	return &demoWriter{
		name:   name,
		client: client,
		pool:   pool,
		cfg:    cfg,
		sge:    rdma.VerbsSGE{Addr: attr.Addr, LKey: attr.LKey},
		buf:    buf,
		done:   make(chan struct{}),
		log:    log.With().Str("component", "demo").Str("writer", name).Logger(),
	}, nil
}

// run writes messages at the configured interval until the context is
// cancelled, the configured message count is reached, or a write fails.
func (w *demoWriter) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for i := 0; w.cfg.MessageCount == 0 || i < w.cfg.MessageCount; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := w.writeOne(i); err != nil {
			w.log.Error().Err(err).Int("write", i).Msg("Demo write failed")
			return
		}
	}

	w.log.Info().Uint64("written", w.written.Load()).Msg("Demo writer finished")
}

// writeOne stages a payload and posts it to the buffer backing the next
// receive in queue order, with the payload length as immediate data.
func (w *demoWriter) writeOne(i int) error {
	payload := w.nextPayload(i)
	n := copy(w.buf, payload)

	sge := w.sge
	sge.Length = uint32(n) //nolint:gosec // G115: bounded by MaxPayload

	target := w.pool.Region(i % w.pool.Count())
	imm := rdma.HostToNetwork32(uint32(n)) //nolint:gosec // G115: bounded by MaxPayload

	if err := w.client.WriteImm(sge, target.Addr(), target.RKey(), imm); err != nil {
		return err
	}

	w.written.Add(1)
	metrics.RecordDemoWrite()

	// Reap send completions so a receiver-not-ready failure surfaces
	// here instead of silently poisoning the queue pair.
	wcs, err := w.client.PollSend(16)
	if err != nil {
		return err
	}

	for _, wc := range wcs {
		if wc.Status != rdma.WCSuccess {
			return fmt.Errorf("send completion failed: %s", wc.Status)
		}
	}

	return nil
}

// nextPayload generates demo traffic, mixing readable text with binary
// blobs so both rendering paths are exercised.
func (w *demoWriter) nextPayload(i int) []byte {
	// Every fourth message is binary.
	if i%4 == 3 {
		b := make([]byte, 1+rand.IntN(w.cfg.MaxPayload))
		for j := range b {
			b[j] = byte(rand.UintN(256))
		}
		return b
	}

	words := make([]string, 2+rand.IntN(4))
	for j := range words {
		words[j] = demoWords[rand.IntN(len(demoWords))]
	}

	msg := fmt.Sprintf("%s #%d from %s", strings.Join(words, " "), i+1, w.name)
	if len(msg) > w.cfg.MaxPayload {
		msg = msg[:w.cfg.MaxPayload]
	}

	return []byte(msg)
}

// close releases the writer's client connection.
func (w *demoWriter) close() {
	_ = w.client.Close()
}
