package rdma

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config holds configuration for the verbs transport.
type Config struct {
	DeviceName string
	Port       int
	CQSize     int
	MaxSendWR  int
	MaxRecvWR  int
	MaxSGE     int
	QPType     QPType
}

// DefaultConfig returns default transport configuration.
func DefaultConfig() *Config {
	return &Config{
		DeviceName: simDeviceName,
		Port:       1,
		CQSize:     256,
		MaxSendWR:  128,
		MaxRecvWR:  128,
		MaxSGE:     4,
		QPType:     QPTypeRC,
	}
}

// Transport owns the device context and protection domain shared by all
// connections on one device.
type Transport struct {
	backend VerbsBackend
	config  *Config
	ctx     VerbsContext
	pd      VerbsPD
	mu      sync.Mutex
	closed  bool
}

// NewTransport initializes the backend, opens the configured device and
// allocates the protection domain. A nil backend selects the simulated
// one; a nil config selects defaults.
func NewTransport(backend VerbsBackend, config *Config) (*Transport, error) {
	if backend == nil {
		backend = NewSimulatedVerbsBackend()
	}

	if config == nil {
		config = DefaultConfig()
	}

	if err := backend.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize verbs backend: %w", err)
	}

	ctx, err := backend.OpenDevice(config.DeviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open device %s: %w", config.DeviceName, err)
	}

	pd, err := backend.AllocPD(ctx)
	if err != nil {
		_ = backend.CloseDevice(ctx)
		return nil, fmt.Errorf("failed to allocate PD: %w", err)
	}

	return &Transport{
		backend: backend,
		config:  config,
		ctx:     ctx,
		pd:      pd,
	}, nil
}

// Backend returns the underlying verbs backend.
func (t *Transport) Backend() VerbsBackend {
	return t.backend
}

// PD returns the transport's protection domain.
func (t *Transport) PD() VerbsPD {
	return t.pd
}

// Device returns the opened device name.
func (t *Transport) Device() string {
	return t.config.DeviceName
}

// CreateCompChannel creates a completion event channel on this device.
func (t *Transport) CreateCompChannel() (VerbsCompChannel, error) {
	return t.backend.CreateCompChannel(t.ctx)
}

// CreateCQ creates a completion queue, optionally bound to a channel.
func (t *Transport) CreateCQ(size int, channel VerbsCompChannel) (VerbsCQ, error) {
	if size <= 0 {
		size = t.config.CQSize
	}

	return t.backend.CreateCQ(t.ctx, size, channel)
}

// Close releases the protection domain, device context and backend.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true

	if t.pd != 0 {
		_ = t.backend.DeallocPD(t.pd)
	}

	if t.ctx != 0 {
		_ = t.backend.CloseDevice(t.ctx)
	}

	return t.backend.Close()
}

// ConnOptions selects how a connection's receive path is assembled.
type ConnOptions struct {
	// RecvCQ shares an existing receive CQ (multiplexed monitoring);
	// zero creates a dedicated CQ for this connection.
	RecvCQ VerbsCQ
	// Channel binds a dedicated receive CQ to a completion channel for
	// event-driven monitoring. Ignored when RecvCQ is set.
	Channel VerbsCompChannel
}

// Conn is an established transport endpoint: a queue pair with its send
// and receive completion queues. The monitor consumes its receive side;
// the write helpers exist for peers (demo traffic, tests).
type Conn struct {
	id           uuid.UUID
	transport    *Transport
	qp           VerbsQP
	sendCQ       VerbsCQ
	recvCQ       VerbsCQ
	channel      VerbsCompChannel
	ownsRecvCQ   bool
	qpn          uint32
	remoteQPN    uint32
	messagesRecv atomic.Int64
	bytesRecv    atomic.Int64
	lastActivity atomic.Int64
	closed       atomic.Bool
}

// NewConn creates a queue pair in the INIT state. Connect wires it to a
// peer; until then it cannot send or receive.
func (t *Transport) NewConn(opts ConnOptions) (*Conn, error) {
	sendCQ, err := t.CreateCQ(t.config.CQSize, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create send CQ: %w", err)
	}

	recvCQ := opts.RecvCQ
	ownsRecvCQ := false
	channel := opts.Channel

	if recvCQ == 0 {
		recvCQ, err = t.CreateCQ(t.config.CQSize, channel)
		if err != nil {
			_ = t.backend.DestroyCQ(sendCQ)
			return nil, fmt.Errorf("failed to create recv CQ: %w", err)
		}

		ownsRecvCQ = true
	}

	qp, err := t.backend.CreateQP(t.pd, sendCQ, recvCQ, t.config.QPType,
		t.config.MaxSendWR, t.config.MaxRecvWR, t.config.MaxSGE)
	if err != nil {
		if ownsRecvCQ {
			_ = t.backend.DestroyCQ(recvCQ)
		}

		_ = t.backend.DestroyCQ(sendCQ)

		return nil, fmt.Errorf("failed to create QP: %w", err)
	}

	if err := t.backend.ModifyQPToInit(qp, t.config.Port); err != nil {
		_ = t.backend.DestroyQP(qp)

		if ownsRecvCQ {
			_ = t.backend.DestroyCQ(recvCQ)
		}

		_ = t.backend.DestroyCQ(sendCQ)

		return nil, fmt.Errorf("failed to modify QP to Init: %w", err)
	}

	attr, err := t.backend.QueryQP(qp)
	if err != nil {
		_ = t.backend.DestroyQP(qp)

		if ownsRecvCQ {
			_ = t.backend.DestroyCQ(recvCQ)
		}

		_ = t.backend.DestroyCQ(sendCQ)

		return nil, fmt.Errorf("failed to query QP: %w", err)
	}

	c := &Conn{
		id:         uuid.New(),
		transport:  t,
		qp:         qp,
		sendCQ:     sendCQ,
		recvCQ:     recvCQ,
		channel:    channel,
		ownsRecvCQ: ownsRecvCQ,
		qpn:        attr.QPN,
	}
	c.lastActivity.Store(time.Now().UnixNano())

	return c, nil
}

// Connect transitions the QP to RTS against the remote endpoint.
func (c *Conn) Connect(remoteQPN uint32, remoteLID uint16, remoteGID []byte) error {
	backend := c.transport.backend

	if err := backend.ModifyQPToRTR(c.qp, remoteQPN, remoteLID, remoteGID, c.transport.config.Port); err != nil {
		return fmt.Errorf("failed to modify QP to RTR: %w", err)
	}

	if err := backend.ModifyQPToRTS(c.qp); err != nil {
		return fmt.Errorf("failed to modify QP to RTS: %w", err)
	}

	c.remoteQPN = remoteQPN

	return nil
}

// Pair connects two local endpoints to each other. On the simulated
// backend this yields a working loopback link.
func Pair(a, b *Conn) error {
	if err := a.Connect(b.qpn, 0, nil); err != nil {
		return fmt.Errorf("failed to connect first endpoint: %w", err)
	}

	if err := b.Connect(a.qpn, 0, nil); err != nil {
		return fmt.Errorf("failed to connect second endpoint: %w", err)
	}

	return nil
}

// Loopback creates a connected pair of endpoints on this transport.
func (t *Transport) Loopback(server, client ConnOptions) (*Conn, *Conn, error) {
	srv, err := t.NewConn(server)
	if err != nil {
		return nil, nil, err
	}

	cli, err := t.NewConn(client)
	if err != nil {
		_ = srv.Close()
		return nil, nil, err
	}

	if err := Pair(srv, cli); err != nil {
		_ = cli.Close()
		_ = srv.Close()

		return nil, nil, err
	}

	return srv, cli, nil
}

// ID returns the connection's identity.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// QPN returns the local queue pair number.
func (c *Conn) QPN() uint32 {
	return c.qpn
}

// RemoteQPN returns the connected peer's queue pair number.
func (c *Conn) RemoteQPN() uint32 {
	return c.remoteQPN
}

// RecvCQ returns the receive completion queue handle.
func (c *Conn) RecvCQ() VerbsCQ {
	return c.recvCQ
}

// Channel returns the completion channel bound to the receive CQ, or
// zero when the connection was built for polling.
func (c *Conn) Channel() VerbsCompChannel {
	return c.channel
}

// Backend returns the verbs backend this connection runs on.
func (c *Conn) Backend() VerbsBackend {
	return c.transport.backend
}

// RegisterBuffer registers buf in the transport's protection domain.
func (c *Conn) RegisterBuffer(buf []byte, access int) (VerbsMR, error) {
	return c.transport.backend.RegMR(c.transport.pd, buf, access)
}

// PostRecv posts a receive work request on this connection's QP.
func (c *Conn) PostRecv(wr *VerbsRecvWR) error {
	return c.transport.backend.PostRecv(c.qp, wr)
}

// PollRecv drains up to n completions from the receive CQ.
func (c *Conn) PollRecv(n int) ([]VerbsWorkCompletion, error) {
	return c.transport.backend.PollCQ(c.recvCQ, n)
}

// ArmRecvNotify requests a one-shot notification for the receive CQ.
func (c *Conn) ArmRecvNotify() error {
	return c.transport.backend.ReqNotifyCQ(c.recvCQ, false)
}

// WaitRecvEvent blocks until the receive CQ fires or timeout expires.
func (c *Conn) WaitRecvEvent(timeout time.Duration) (VerbsCQ, error) {
	return c.transport.backend.GetCQEvent(c.channel, timeout)
}

// AckRecvEvents acknowledges count receive CQ events.
func (c *Conn) AckRecvEvents(count int) error {
	return c.transport.backend.AckCQEvents(c.recvCQ, count)
}

// WriteImm posts an RDMA write with immediate data to the peer.
func (c *Conn) WriteImm(local VerbsSGE, remoteAddr uint64, rkey uint32, imm uint32) error {
	return c.transport.backend.PostRDMAWriteImm(c.qp, local, remoteAddr, rkey, imm)
}

// Write posts a plain RDMA write (no receive completion on the peer).
func (c *Conn) Write(local VerbsSGE, remoteAddr uint64, rkey uint32) error {
	return c.transport.backend.PostRDMAWrite(c.qp, local, remoteAddr, rkey)
}

// PollSend drains up to n completions from the send CQ.
func (c *Conn) PollSend(n int) ([]VerbsWorkCompletion, error) {
	return c.transport.backend.PollCQ(c.sendCQ, n)
}

// RecordMessage accounts one received message of n payload bytes.
func (c *Conn) RecordMessage(n int) {
	c.messagesRecv.Add(1)
	c.bytesRecv.Add(int64(n))
	c.lastActivity.Store(time.Now().UnixNano())
}

// ConnStats is a point-in-time snapshot of connection activity.
type ConnStats struct {
	ID           string    `json:"id"`
	QPN          uint32    `json:"qpn"`
	RemoteQPN    uint32    `json:"remote_qpn"`
	State        string    `json:"state"`
	Messages     int64     `json:"messages"`
	Bytes        int64     `json:"bytes"`
	LastActivity time.Time `json:"last_activity"`
}

var qpStateNames = [...]string{"reset", "init", "rtr", "rts", "sqd", "error"}

// Stats snapshots the connection counters and QP state.
func (c *Conn) Stats() ConnStats {
	state := "unknown"

	if attr, err := c.transport.backend.QueryQP(c.qp); err == nil {
		if attr.State >= 0 && attr.State < len(qpStateNames) {
			state = qpStateNames[attr.State]
		}
	}

	return ConnStats{
		ID:           c.id.String(),
		QPN:          c.qpn,
		RemoteQPN:    c.remoteQPN,
		State:        state,
		Messages:     c.messagesRecv.Load(),
		Bytes:        c.bytesRecv.Load(),
		LastActivity: time.Unix(0, c.lastActivity.Load()),
	}
}

// Close tears down the QP and the completion queues this connection
// owns. Shared receive CQs and completion channels belong to their
// creator and are left alone. Safe to call more than once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	backend := c.transport.backend

	_ = backend.DestroyQP(c.qp)
	_ = backend.DestroyCQ(c.sendCQ)

	if c.ownsRecvCQ {
		_ = backend.DestroyCQ(c.recvCQ)
	}

	return nil
}
