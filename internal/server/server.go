package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/rdmamon/internal/api/admin"
	"github.com/piwi3910/rdmamon/internal/config"
	"github.com/piwi3910/rdmamon/internal/hardware"
	"github.com/piwi3910/rdmamon/internal/health"
	"github.com/piwi3910/rdmamon/internal/journal"
	"github.com/piwi3910/rdmamon/internal/metrics"
	"github.com/piwi3910/rdmamon/internal/monitor"
	"github.com/piwi3910/rdmamon/internal/transport/rdma"
)

// Server is the main rdmamon server
type Server struct {
	cfg *config.Config

	// Core services
	transport *rdma.Transport
	registry  *monitor.Registry
	ring      *monitor.Ring
	journal   *journal.Journal

	// Health checker
	healthChecker *health.Checker

	// Host hardware detection
	detector *hardware.Detector

	// Demo traffic generators
	writers []*demoWriter

	// HTTP servers
	adminServer *http.Server
}

// Version is the current version of rdmamon
const Version = "0.1.0"

// New creates a new rdmamon server
func New(cfg *config.Config) (*Server, error) {
	srv := &Server{
		cfg:  cfg,
		ring: monitor.NewRing(cfg.Admin.RecentMessages),
	}

	// Initialize metrics
	metrics.Init(cfg.NodeID)
	log.Info().Str("node_id", cfg.NodeID).Msg("Metrics initialized")

	// Initialize RDMA transport
	transportCfg := rdma.DefaultConfig()
	transportCfg.DeviceName = cfg.RDMA.DeviceName
	transportCfg.Port = cfg.RDMA.Port
	transportCfg.CQSize = cfg.RDMA.CQSize
	transportCfg.MaxSendWR = cfg.RDMA.MaxSendWR
	transportCfg.MaxRecvWR = cfg.RDMA.MaxRecvWR

	// The simulated backend is the only one built in; a nil backend
	// selects it.
	var err error

	srv.transport, err = rdma.NewTransport(nil, transportCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize transport: %w", err)
	}

	log.Info().
		Str("backend", cfg.RDMA.Backend).
		Str("device", srv.transport.Device()).
		Msg("Transport initialized")

	// Initialize connection registry
	srv.registry = monitor.NewRegistry(log.Logger)

	// Detect host RDMA hardware
	srv.detector = hardware.NewDetector()
	srv.detector.Refresh()

	if caps := srv.detector.Capabilities(); caps.Available {
		log.Info().Int("rdma_devices", len(caps.Devices)).Msg("RDMA hardware detected")
	} else {
		log.Info().Msg("No RDMA hardware detected")
	}

	// Initialize message journal
	if cfg.Journal.Enabled {
		srv.journal, err = journal.Open(journal.Config{
			Dir:            cfg.Journal.Dir,
			Compression:    cfg.JournalCompression(),
			RetainMessages: cfg.Journal.RetainMessages,
		}, log.Logger)
		if err != nil {
			_ = srv.transport.Close()
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}

		log.Info().Str("dir", cfg.Journal.Dir).Msg("Journal opened")
	}

	// Initialize health checker
	srv.healthChecker = health.NewChecker(srv.transport, srv.registry, srv.journal)

	// Setup HTTP server
	srv.setupAdminServer()

	return srv, nil
}

func (s *Server) setupAdminServer() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Admin.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check handlers
	healthHandler := health.NewHandler(s.healthChecker)
	r.Get("/health", healthHandler.HealthHandler)
	r.Get("/health/live", healthHandler.LivenessHandler)
	r.Get("/health/ready", healthHandler.ReadinessHandler)

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Admin API handlers
	adminHandler := admin.NewHandler(s.registry, s.ring, s.journal, s.detector, s.cfg.NodeID, Version)
	r.Route("/api/v1", func(r chi.Router) {
		adminHandler.RegisterRoutes(r)
		// Detailed health endpoint under the API
		r.Get("/health/detailed", healthHandler.DetailedHandler)
	})

	s.adminServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Admin.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// onMessage fans a surfaced message out to the in-memory ring and the
// journal. It runs on the monitor goroutine, so it must stay cheap.
func (s *Server) onMessage(msg monitor.Message) {
	s.ring.Add(msg)

	if s.journal != nil {
		if err := s.journal.Append(msg); err != nil {
			log.Error().Err(err).Uint64("seq", msg.Seq).Msg("Failed to journal message")
		}
	}
}

// monitorConfig maps the loaded configuration onto monitor loop settings.
func (s *Server) monitorConfig() *monitor.Config {
	mc := s.cfg.Monitor

	return &monitor.Config{
		Mode:          monitor.Mode(mc.Mode),
		PollBatch:     mc.PollBatch,
		Yield:         monitor.YieldPolicy(mc.Yield),
		SleepInterval: mc.SleepInterval,
		SpinCount:     mc.SpinCount,
		WaitTimeout:   mc.WaitTimeout,
		IdleTimeout:   mc.IdleTimeout,
		Transient:     mc.TransientStatuses,
	}
}

// Start starts the monitor loops, demo traffic, and the admin listener.
// It blocks until the context is cancelled, a component fails, or a
// bounded demo run completes.
func (s *Server) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.cfg.Demo.Enabled {
		if err := s.startDemo(ctx); err != nil {
			return fmt.Errorf("failed to start demo topology: %w", err)
		}
	}

	// Periodic hardware rescans
	s.detector.Start()

	g, ctx := errgroup.WithContext(ctx)

	// Start demo writers. A writer failure is logged, not fatal; the
	// monitors and the admin API keep serving.
	for _, w := range s.writers {
		w := w
		g.Go(func() error {
			w.run(ctx)
			return nil
		})
	}

	// A bounded demo run drains and then shuts the server down.
	if s.cfg.Demo.Enabled && s.cfg.Demo.MessageCount > 0 {
		g.Go(func() error {
			s.waitDemoDrained(ctx, cancel)
			return nil
		})
	}

	// Start Admin server
	if s.cfg.Admin.Enabled {
		g.Go(func() error {
			log.Info().Int("port", s.cfg.Admin.Port).Msg("Starting Admin API server")
			log.Info().Int("port", s.cfg.Admin.Port).Msg("Prometheus metrics available at /metrics")
			if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("Admin server error: %w", err)
			}
			return nil
		})
	}

	// Wait for shutdown signal
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if s.cfg.Admin.Enabled {
			if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Error shutting down Admin server")
			}
		}

		// Stop monitor loops and release receive buffers
		if err := s.registry.StopAll(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping monitors")
		}

		// Release demo client connections
		for _, w := range s.writers {
			w.close()
		}

		s.detector.Stop()

		if s.journal != nil {
			if err := s.journal.Close(); err != nil {
				log.Error().Err(err).Msg("Error closing journal")
			}
		}

		if err := s.transport.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing transport")
		}

		return nil
	})

	return g.Wait()
}

// waitDemoDrained ends the run once every demo writer has finished and
// all written messages have been surfaced, so a bounded demo exits on
// its own instead of idling forever.
func (s *Server) waitDemoDrained(ctx context.Context, cancel context.CancelFunc) {
	for _, w := range s.writers {
		select {
		case <-w.done:
		case <-ctx.Done():
			return
		}
	}

	var want uint64
	for _, w := range s.writers {
		want += w.written.Load()
	}

	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for s.ring.Total() < want {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			log.Warn().
				Uint64("written", want).
				Uint64("surfaced", s.ring.Total()).
				Msg("Demo drain timed out")
			cancel()
			return
		case <-ticker.C:
		}
	}

	log.Info().Uint64("messages", want).Msg("Demo complete")
	cancel()
}

// Registry returns the connection registry (for the admin API and tests)
func (s *Server) Registry() *monitor.Registry {
	return s.registry
}

// Ring returns the recent-messages ring
func (s *Server) Ring() *monitor.Ring {
	return s.ring
}

// Journal returns the message journal, nil when disabled
func (s *Server) Journal() *journal.Journal {
	return s.journal
}
