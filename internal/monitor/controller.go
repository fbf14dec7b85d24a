package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Controller runs a Monitor on its own goroutine and makes start and stop
// safe to drive from any goroutine.
type Controller struct {
	monitor *Monitor

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool

	log zerolog.Logger
}

// NewController wraps a monitor for lifecycle management.
func NewController(m *Monitor, logger zerolog.Logger) *Controller {
	return &Controller{
		monitor: m,
		log:     logger.With().Str("component", "controller").Logger(),
	}
}

// Monitor returns the wrapped monitor.
func (c *Controller) Monitor() *Monitor {
	return c.monitor
}

// Start launches the monitor loop. A controller starts its monitor at
// most once; later calls return ErrAlreadyRunning.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyRunning
	}
	if c.monitor.attachedCount() == 0 {
		return ErrNoConnections
	}
	if c.monitor.state.Load() != stateIdle {
		return ErrMonitorStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true

	go func() {
		defer cancel()
		// Run logs its own terminal status; callers read it via Err.
		_ = c.monitor.Run(runCtx)
	}()

	c.log.Debug().Msg("monitor started")
	return nil
}

// Stop asks the loop to finish its current batch and drain, then waits
// for it. Idempotent; a no-op when the monitor never started. The context
// bounds only the wait, the loop keeps draining regardless. The monitor's
// terminal status is read separately via Err.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	c.mu.Unlock()

	c.monitor.RequestStop()
	cancel()

	select {
	case <-c.monitor.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s", ErrStopTimeout, ctx.Err())
	}
}

// Done closes when the loop has fully drained.
func (c *Controller) Done() <-chan struct{} {
	return c.monitor.Done()
}

// Err returns the monitor's terminal error once drained, nil before.
func (c *Controller) Err() error {
	return c.monitor.Err()
}

// State returns the monitor's coarse run state.
func (c *Controller) State() string {
	return c.monitor.State()
}
