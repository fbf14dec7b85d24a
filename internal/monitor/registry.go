package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/piwi3910/rdmamon/internal/transport/rdma"
)

// detachPollInterval paces the wait for a running loop to apply a detach
// before the connection's buffers are torn down.
const detachPollInterval = 5 * time.Millisecond

// entry is one supervised connection with the resources it owns.
type entry struct {
	conn *rdma.Conn
	pool *Pool
	ctrl *Controller
}

// Registry tracks every monitored connection together with the controller
// driving it, so connections can be inspected and stopped individually.
// Connections sharing one completion queue share a controller; stopping
// one of them detaches it from the running loop instead of ending the
// loop for its siblings.
type Registry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
	order   []uuid.UUID

	log zerolog.Logger
}

// ConnectionStatus describes one supervised connection.
type ConnectionStatus struct {
	ID           string         `json:"id"`
	MonitorState string         `json:"monitor_state"`
	Mode         Mode           `json:"mode"`
	Conn         rdma.ConnStats `json:"conn"`
	Pool         PoolStats      `json:"pool"`
	Surfaced     uint64         `json:"messages_surfaced"`
	Error        string         `json:"error,omitempty"`
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[uuid.UUID]*entry),
		log:     logger.With().Str("component", "registry").Logger(),
	}
}

// Add places a connection under supervision. The controller must be the
// one whose monitor the connection is attached to.
func (r *Registry) Add(conn *rdma.Conn, pool *Pool, ctrl *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	r.entries[id] = &entry{conn: conn, pool: pool, ctrl: ctrl}
	r.order = append(r.order, id)
}

// Len returns the number of supervised connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Controllers returns each distinct controller exactly once, in the
// order its first connection was added.
func (r *Registry) Controllers() []*Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[*Controller]bool, len(r.order))
	out := make([]*Controller, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		if e == nil || seen[e.ctrl] {
			continue
		}
		seen[e.ctrl] = true
		out = append(out, e.ctrl)
	}
	return out
}

// Connections returns the status of every supervised connection in
// insertion order.
func (r *Registry) Connections() []ConnectionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ConnectionStatus, 0, len(r.order))
	for _, id := range r.order {
		if e := r.entries[id]; e != nil {
			out = append(out, r.status(id, e))
		}
	}
	return out
}

// Connection returns the status of one supervised connection.
func (r *Registry) Connection(id uuid.UUID) (ConnectionStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return ConnectionStatus{}, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	return r.status(id, e), nil
}

// status builds a ConnectionStatus snapshot. Callers hold r.mu.
func (r *Registry) status(id uuid.UUID, e *entry) ConnectionStatus {
	m := e.ctrl.Monitor()
	s := ConnectionStatus{
		ID:           id.String(),
		MonitorState: m.State(),
		Mode:         m.Mode(),
		Conn:         e.conn.Stats(),
		Pool:         e.pool.Stats(),
	}
	for _, t := range m.Stats().Targets {
		if t.Conn.ID == s.ID {
			s.Surfaced = t.Surfaced
			break
		}
	}
	if err := e.ctrl.Err(); err != nil {
		s.Error = err.Error()
	}
	return s
}

// Stop removes one connection from monitoring and releases its buffers.
// When the connection shares its monitor with others it is detached and
// the loop keeps serving the rest; when it is the monitor's only
// connection the whole loop is stopped. The context bounds the wait for
// the loop to let go of the connection's buffer pool.
func (r *Registry) Stop(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		for i, oid := range r.order {
			if oid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}

	m := e.ctrl.Monitor()
	if m.attachedCount() > 1 {
		m.Detach(id)
		if err := r.waitDetached(ctx, m, id); err != nil {
			return err
		}
	} else {
		if err := e.ctrl.Stop(ctx); err != nil {
			return err
		}
	}

	_ = e.pool.Close()
	_ = e.conn.Close()
	r.log.Info().Str("conn_id", id.String()).Msg("connection stopped")
	return nil
}

// waitDetached blocks until the loop has applied the detach or finished
// outright, so the buffers are no longer reachable from it.
func (r *Registry) waitDetached(ctx context.Context, m *Monitor, id uuid.UUID) error {
	for m.Lookup(id) != nil {
		select {
		case <-m.Done():
			return nil
		case <-ctx.Done():
			return fmt.Errorf("waiting for detach: %w", ctx.Err())
		case <-time.After(detachPollInterval):
		}
	}
	return nil
}

// StopAll stops every controller and releases every connection. Used at
// shutdown; errors are collected and the first one is returned.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		if e := r.entries[id]; e != nil {
			entries = append(entries, e)
		}
	}
	r.entries = make(map[uuid.UUID]*entry)
	r.order = nil
	r.mu.Unlock()

	var firstErr error
	stopped := make(map[*Controller]bool, len(entries))
	for _, e := range entries {
		if !stopped[e.ctrl] {
			stopped[e.ctrl] = true
			if err := e.ctrl.Stop(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, e := range entries {
		_ = e.pool.Close()
		_ = e.conn.Close()
	}
	return firstErr
}
