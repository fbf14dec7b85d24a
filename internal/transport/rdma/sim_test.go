package rdma

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// simFixture builds an initialized backend with one device context,
// one PD, and two connected QPs sharing the given layout.
type simFixture struct {
	backend *SimulatedVerbsBackend
	ctx     VerbsContext
	pd      VerbsPD
	recvCQ  VerbsCQ
	sendCQA VerbsCQ
	sendCQB VerbsCQ
	channel VerbsCompChannel
	qpA     VerbsQP // writer
	qpB     VerbsQP // receiver
}

func newSimFixture(t *testing.T, withChannel bool) *simFixture {
	t.Helper()

	backend := NewSimulatedVerbsBackend()
	require.NoError(t, backend.Init())

	ctx, err := backend.OpenDevice("mlx5_0")
	require.NoError(t, err)

	pd, err := backend.AllocPD(ctx)
	require.NoError(t, err)

	var channel VerbsCompChannel
	if withChannel {
		channel, err = backend.CreateCompChannel(ctx)
		require.NoError(t, err)
	}

	recvCQ, err := backend.CreateCQ(ctx, 256, channel)
	require.NoError(t, err)

	sendCQA, err := backend.CreateCQ(ctx, 256, 0)
	require.NoError(t, err)

	sendCQB, err := backend.CreateCQ(ctx, 256, 0)
	require.NoError(t, err)

	qpA, err := backend.CreateQP(pd, sendCQA, sendCQB, QPTypeRC, 128, 128, 4)
	require.NoError(t, err)

	qpB, err := backend.CreateQP(pd, sendCQB, recvCQ, QPTypeRC, 128, 128, 4)
	require.NoError(t, err)

	attrA, err := backend.QueryQP(qpA)
	require.NoError(t, err)

	attrB, err := backend.QueryQP(qpB)
	require.NoError(t, err)

	for _, qp := range []VerbsQP{qpA, qpB} {
		require.NoError(t, backend.ModifyQPToInit(qp, 1))
	}

	require.NoError(t, backend.ModifyQPToRTR(qpA, attrB.QPN, 0, nil, 1))
	require.NoError(t, backend.ModifyQPToRTR(qpB, attrA.QPN, 0, nil, 1))
	require.NoError(t, backend.ModifyQPToRTS(qpA))
	require.NoError(t, backend.ModifyQPToRTS(qpB))

	return &simFixture{
		backend: backend,
		ctx:     ctx,
		pd:      pd,
		recvCQ:  recvCQ,
		sendCQA: sendCQA,
		sendCQB: sendCQB,
		channel: channel,
		qpA:     qpA,
		qpB:     qpB,
	}
}

// registerPair registers a source buffer holding payload and an empty
// destination buffer of size dstLen, returning the source SGE and the
// destination's remote address and rkey.
func (f *simFixture) registerPair(t *testing.T, payload []byte, dstLen int) (VerbsSGE, uint64, uint32, []byte) {
	t.Helper()

	src := make([]byte, len(payload))
	copy(src, payload)

	srcMR, err := f.backend.RegMR(f.pd, src, MRAccessLocalWrite)
	require.NoError(t, err)

	srcAttr, err := f.backend.QueryMR(srcMR)
	require.NoError(t, err)

	dst := make([]byte, dstLen)

	dstMR, err := f.backend.RegMR(f.pd, dst, MRAccessLocalWrite|MRAccessRemoteWrite)
	require.NoError(t, err)

	dstAttr, err := f.backend.QueryMR(dstMR)
	require.NoError(t, err)

	sge := VerbsSGE{
		Addr:   srcAttr.Addr,
		Length: uint32(len(payload)), //nolint:gosec // G115: test payloads are tiny
		LKey:   srcAttr.LKey,
	}

	return sge, dstAttr.Addr, dstAttr.RKey, dst
}

func TestSimulatedVerbsBackendInit(t *testing.T) {
	backend := NewSimulatedVerbsBackend()
	require.NotNil(t, backend)

	require.NoError(t, backend.Init())

	// Double init should be ok
	require.NoError(t, backend.Init())

	devices, err := backend.GetDeviceList()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "mlx5_0", devices[0].Name)
	assert.Equal(t, uint32(0x15b3), devices[0].VendorID) // Mellanox

	require.NoError(t, backend.Close())
}

func TestSimulatedVerbsBackendNotInitialized(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	_, err := backend.GetDeviceList()
	assert.ErrorIs(t, err, ErrVerbsNotInitialized)

	_, err = backend.OpenDevice("mlx5_0")
	assert.ErrorIs(t, err, ErrVerbsNotInitialized)
}

func TestSimulatedVerbsBackendOpenDeviceNotFound(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	_, err := backend.OpenDevice("nonexistent")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSimulatedVerbsBackendQPStateOrder(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	ctx, _ := backend.OpenDevice("mlx5_0")
	pd, _ := backend.AllocPD(ctx)
	cq, _ := backend.CreateCQ(ctx, 16, 0)
	qp, err := backend.CreateQP(pd, cq, cq, QPTypeRC, 16, 16, 1)
	require.NoError(t, err)

	// RTS before RTR must be rejected
	err = backend.ModifyQPToRTS(qp)
	assert.ErrorIs(t, err, ErrModifyQP)

	require.NoError(t, backend.ModifyQPToInit(qp, 1))

	err = backend.ModifyQPToInit(qp, 1)
	assert.ErrorIs(t, err, ErrModifyQP)

	require.NoError(t, backend.ModifyQPToRTR(qp, 99, 0, nil, 1))
	require.NoError(t, backend.ModifyQPToRTS(qp))

	attr, err := backend.QueryQP(qp)
	require.NoError(t, err)
	assert.Equal(t, qpStateRTS, attr.State)
	assert.Equal(t, uint32(99), attr.DestQPN)
}

func TestSimulatedVerbsBackendWriteWithImmDelivery(t *testing.T) {
	f := newSimFixture(t, false)
	defer f.backend.Close()

	payload := []byte("hello rdma")
	sge, remoteAddr, rkey, dst := f.registerPair(t, payload, 64)

	require.NoError(t, f.backend.PostRecv(f.qpB, &VerbsRecvWR{WRID: 42}))

	imm := HostToNetwork32(uint32(len(payload))) //nolint:gosec // G115: test payloads are tiny
	require.NoError(t, f.backend.PostRDMAWriteImm(f.qpA, sge, remoteAddr, rkey, imm))

	wcs, err := f.backend.PollCQ(f.recvCQ, 16)
	require.NoError(t, err)
	require.Len(t, wcs, 1)

	wc := wcs[0]
	assert.Equal(t, uint64(42), wc.WRID)
	assert.Equal(t, WCSuccess, wc.Status)
	assert.Equal(t, WCOpRecvRDMAWithImm, wc.Opcode)
	assert.Equal(t, uint32(len(payload)), wc.ByteLen)
	assert.Equal(t, uint32(len(payload)), NetworkToHost32(wc.ImmData))
	assert.Equal(t, payload, dst[:len(payload)])

	// Sender sees its own success completion.
	sent, err := f.backend.PollCQ(f.sendCQA, 16)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, WCSuccess, sent[0].Status)
	assert.Equal(t, WCOpRDMAWrite, sent[0].Opcode)
}

func TestSimulatedVerbsBackendWriteWithoutRecvIsRNR(t *testing.T) {
	f := newSimFixture(t, false)
	defer f.backend.Close()

	payload := []byte("dropped")
	sge, remoteAddr, rkey, dst := f.registerPair(t, payload, 64)

	// No receive posted: the post still succeeds.
	err := f.backend.PostRDMAWriteImm(f.qpA, sge, remoteAddr, rkey, HostToNetwork32(7))
	require.NoError(t, err)

	// Nothing lands on the receiver.
	wcs, err := f.backend.PollCQ(f.recvCQ, 16)
	require.NoError(t, err)
	assert.Empty(t, wcs)
	assert.Equal(t, make([]byte, 64), dst)

	// The failure surfaces on the sender's CQ afterwards.
	sent, err := f.backend.PollCQ(f.sendCQA, 16)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, WCRnrRetryExcErr, sent[0].Status)

	// The QP is now in error state and later posts flush.
	require.NoError(t, f.backend.PostRDMAWriteImm(f.qpA, sge, remoteAddr, rkey, HostToNetwork32(7)))

	sent, err = f.backend.PollCQ(f.sendCQA, 16)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, WCWRFlushErr, sent[0].Status)
}

func TestSimulatedVerbsBackendPlainWriteNoRecvCompletion(t *testing.T) {
	f := newSimFixture(t, false)
	defer f.backend.Close()

	payload := []byte{0x01, 0x02, 0x03}
	sge, remoteAddr, rkey, dst := f.registerPair(t, payload, 16)

	require.NoError(t, f.backend.PostRDMAWrite(f.qpA, sge, remoteAddr, rkey))

	// Payload lands silently; no receive completion, no posted recv
	// consumed.
	wcs, err := f.backend.PollCQ(f.recvCQ, 16)
	require.NoError(t, err)
	assert.Empty(t, wcs)
	assert.Equal(t, payload, dst[:3])
}

func TestSimulatedVerbsBackendBadRKey(t *testing.T) {
	f := newSimFixture(t, false)
	defer f.backend.Close()

	payload := []byte("x")
	sge, remoteAddr, _, _ := f.registerPair(t, payload, 16)

	require.NoError(t, f.backend.PostRecv(f.qpB, &VerbsRecvWR{WRID: 1}))
	require.NoError(t, f.backend.PostRDMAWriteImm(f.qpA, sge, remoteAddr, 0xdead, HostToNetwork32(1)))

	sent, err := f.backend.PollCQ(f.sendCQA, 16)
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, WCRemoteAccessErr, sent[0].Status)
}

func TestSimulatedVerbsBackendRecvQueueFull(t *testing.T) {
	backend := NewSimulatedVerbsBackend()

	backend.Init()
	defer backend.Close()

	ctx, _ := backend.OpenDevice("mlx5_0")
	pd, _ := backend.AllocPD(ctx)
	cq, _ := backend.CreateCQ(ctx, 16, 0)
	qp, _ := backend.CreateQP(pd, cq, cq, QPTypeRC, 2, 2, 1)

	require.NoError(t, backend.PostRecv(qp, &VerbsRecvWR{WRID: 1}))
	require.NoError(t, backend.PostRecv(qp, &VerbsRecvWR{WRID: 2}))

	err := backend.PostRecv(qp, &VerbsRecvWR{WRID: 3})
	assert.ErrorIs(t, err, ErrRecvQueueFull)
}

func TestSimulatedVerbsBackendNotification(t *testing.T) {
	f := newSimFixture(t, true)
	defer f.backend.Close()

	// Arming requires a bound channel.
	err := f.backend.ReqNotifyCQ(f.sendCQA, false)
	assert.ErrorIs(t, err, ErrReqNotify)

	require.NoError(t, f.backend.ReqNotifyCQ(f.recvCQ, false))

	// Nothing queued: the wait times out.
	_, err = f.backend.GetCQEvent(f.channel, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrEventTimeout)

	payload := []byte("wake")
	sge, remoteAddr, rkey, _ := f.registerPair(t, payload, 16)

	require.NoError(t, f.backend.PostRecv(f.qpB, &VerbsRecvWR{WRID: 5}))
	require.NoError(t, f.backend.PostRDMAWriteImm(f.qpA, sge, remoteAddr, rkey, HostToNetwork32(4)))

	cq, err := f.backend.GetCQEvent(f.channel, time.Second)
	require.NoError(t, err)
	assert.Equal(t, f.recvCQ, cq)

	// Arming is one-shot: a second completion does not fire again
	// until re-armed.
	require.NoError(t, f.backend.PostRecv(f.qpB, &VerbsRecvWR{WRID: 6}))
	require.NoError(t, f.backend.PostRDMAWriteImm(f.qpA, sge, remoteAddr, rkey, HostToNetwork32(4)))

	_, err = f.backend.GetCQEvent(f.channel, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrEventTimeout)

	// Destroying with the event unacknowledged is rejected.
	err = f.backend.DestroyCQ(f.recvCQ)
	assert.ErrorIs(t, err, ErrUnackedEvents)

	require.NoError(t, f.backend.AckCQEvents(f.recvCQ, 1))
	require.NoError(t, f.backend.DestroyCQ(f.recvCQ))
}

func TestSimulatedVerbsBackendAckTooMany(t *testing.T) {
	f := newSimFixture(t, true)
	defer f.backend.Close()

	err := f.backend.AckCQEvents(f.recvCQ, 1)
	assert.Error(t, err)
}

func TestSimulatedVerbsBackendInjectCompletion(t *testing.T) {
	f := newSimFixture(t, true)
	defer f.backend.Close()

	require.NoError(t, f.backend.ReqNotifyCQ(f.recvCQ, false))

	wc := VerbsWorkCompletion{WRID: 7, Status: WCSuccess, Opcode: WCOpRecvRDMAWithImm}
	require.NoError(t, f.backend.InjectCompletion(f.recvCQ, wc))

	cq, err := f.backend.GetCQEvent(f.channel, time.Second)
	require.NoError(t, err)
	assert.Equal(t, f.recvCQ, cq)
	require.NoError(t, f.backend.AckCQEvents(f.recvCQ, 1))

	wcs, err := f.backend.PollCQ(f.recvCQ, 16)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, uint64(7), wcs[0].WRID)
}

func TestSimulatedVerbsBackendMetrics(t *testing.T) {
	f := newSimFixture(t, false)
	defer f.backend.Close()

	metrics := f.backend.GetMetrics()
	assert.Equal(t, true, metrics["simulated"])
	assert.Equal(t, int64(1), metrics["devices_opened"])
	assert.Equal(t, int64(2), metrics["qps_created"])
}

func TestWCStatusNames(t *testing.T) {
	assert.Equal(t, "success", WCSuccess.String())
	assert.Equal(t, "rnr-retry-exceeded", WCRnrRetryExcErr.String())
	assert.Equal(t, "work-request-flushed", WCWRFlushErr.String())

	status, err := ParseWCStatus("retry-exceeded")
	require.NoError(t, err)
	assert.Equal(t, WCRetryExcErr, status)

	_, err = ParseWCStatus("no-such-status")
	assert.Error(t, err)
}

func TestByteOrderRoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 0x1234, 0xdeadbeef, 0xffffffff} {
		assert.Equal(t, v, NetworkToHost32(HostToNetwork32(v)))
	}

	// The in-memory bytes of the wire value are big-endian regardless
	// of host order.
	var b [4]byte

	binary.NativeEndian.PutUint32(b[:], HostToNetwork32(0x01020304))
	assert.Equal(t, [4]byte{0x01, 0x02, 0x03, 0x04}, b)
}
