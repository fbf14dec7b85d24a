package monitor

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/piwi3910/rdmamon/internal/metrics"
	"github.com/piwi3910/rdmamon/internal/transport/rdma"
	"github.com/piwi3910/rdmamon/pkg/render"
)

// renderedLogLimit caps how much of a rendered payload lands in the log.
// The full rendering is always surfaced on the Message itself.
const renderedLogLimit = 128

// Message is one client write surfaced to the application.
type Message struct {
	ConnID     uuid.UUID `json:"conn_id"`
	Seq        uint64    `json:"seq"`
	Payload    []byte    `json:"-"`
	Rendered   string    `json:"rendered"`
	ImmLen     uint32    `json:"imm_len"`
	ByteLen    uint32    `json:"byte_len"`
	Truncated  bool      `json:"truncated,omitempty"`
	Degraded   bool      `json:"degraded,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// MessageFunc receives surfaced messages. It is called synchronously from
// the monitor goroutine, so a slow handler holds up the receive path.
type MessageFunc func(Message)

// Handler extracts, renders, and surfaces message payloads from buffers
// whose completions have been observed.
type Handler struct {
	conn      *rdma.Conn
	pool      *Pool
	onMessage MessageFunc
	seq       atomic.Uint64
	log       zerolog.Logger
}

// NewHandler creates a handler for one connection and its pool.
func NewHandler(conn *rdma.Conn, pool *Pool, onMessage MessageFunc, logger zerolog.Logger) *Handler {
	return &Handler{
		conn:      conn,
		pool:      pool,
		onMessage: onMessage,
		log:       logger.With().Str("component", "handler").Logger(),
	}
}

// Handle surfaces the message held in r for the given completion. The
// advertised length comes from the immediate field in network byte order;
// lengths beyond the buffer capacity are clamped and flagged. The buffer
// must be in the consumed state: handling a buffer the transport still
// owns would read bytes that can change underneath us.
func (h *Handler) Handle(wc rdma.VerbsWorkCompletion, r *Region, degraded bool) (Message, error) {
	if r.State() != RegionConsumed {
		return Message{}, fmt.Errorf("%w: slot %d is %s", ErrBufferNotArmed, r.Slot(), r.State())
	}

	immLen := rdma.NetworkToHost32(wc.ImmData)
	n := int(immLen)
	truncated := false
	if uint64(immLen) > uint64(r.Capacity()) {
		h.log.Warn().
			Uint32("imm_len", immLen).
			Int("capacity", r.Capacity()).
			Msg("advertised length exceeds buffer capacity, clamping")
		metrics.RecordMalformedLength()
		n = r.Capacity()
		truncated = true
	}

	payload := make([]byte, n)
	copy(payload, r.Bytes()[:n])

	return h.surface(payload, immLen, wc.ByteLen, truncated, degraded), nil
}

// surface builds, logs, and delivers a Message from an already-copied
// payload. The watch loop calls it directly since it has no completions.
func (h *Handler) surface(payload []byte, immLen, byteLen uint32, truncated, degraded bool) Message {
	msg := Message{
		ConnID:     h.conn.ID(),
		Seq:        h.seq.Add(1),
		Payload:    payload,
		Rendered:   render.Bytes(payload),
		ImmLen:     immLen,
		ByteLen:    byteLen,
		Truncated:  truncated,
		Degraded:   degraded,
		ReceivedAt: time.Now(),
	}

	h.conn.RecordMessage(len(payload))
	metrics.RecordMessage(len(payload))

	h.log.Info().
		Uint64("seq", msg.Seq).
		Int("bytes", len(payload)).
		Bool("degraded", degraded).
		Str("payload", preview(msg.Rendered)).
		Msg("message received")

	if h.onMessage != nil {
		h.onMessage(msg)
	}
	return msg
}

// Surfaced returns the number of messages this handler has surfaced.
func (h *Handler) Surfaced() uint64 {
	return h.seq.Load()
}

func preview(s string) string {
	if len(s) <= renderedLogLimit {
		return s
	}
	return s[:renderedLogLimit] + "..."
}
