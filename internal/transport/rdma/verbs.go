// Package rdma provides the libibverbs abstraction layer for the message monitor.
//
// This file defines the interface between rdmamon and the underlying RDMA
// transport. It provides:
// - Hardware abstraction for different RDMA implementations
// - CGo bindings interface for libibverbs (when built with hardware support)
// - Simulated mode for development and testing
//
// Build Tags:
// - Default: Uses simulated backend (no hardware required)
// - rdma_hw: Uses actual libibverbs bindings (requires RDMA hardware)
//
// To build with hardware support:
//
//	go build -tags rdma_hw ./...
package rdma

import (
	"errors"
	"fmt"
	"time"
)

// Verbs errors.
var (
	ErrVerbsNotInitialized = errors.New("verbs not initialized")
	ErrDeviceNotFound      = errors.New("RDMA device not found")
	ErrContextCreation     = errors.New("failed to create device context")
	ErrPDCreation          = errors.New("failed to create protection domain")
	ErrCQCreation          = errors.New("failed to create completion queue")
	ErrCompChannelCreation = errors.New("failed to create completion channel")
	ErrQPCreation          = errors.New("failed to create queue pair")
	ErrMRCreation          = errors.New("failed to create memory region")
	ErrPostRecv            = errors.New("failed to post receive request")
	ErrPostWrite           = errors.New("failed to post RDMA write")
	ErrPollCQ              = errors.New("failed to poll completion queue")
	ErrModifyQP            = errors.New("failed to modify queue pair state")
	ErrReqNotify           = errors.New("failed to request completion notification")
	ErrEventTimeout        = errors.New("completion event wait timed out")
	ErrUnackedEvents       = errors.New("completion queue has unacknowledged events")
	ErrRecvQueueFull       = errors.New("receive queue full")
)

// VerbsBackend defines the interface for RDMA verbs operations.
// This abstraction allows switching between simulated and hardware backends.
//
// The notification channel triple (ReqNotifyCQ, GetCQEvent, AckCQEvents)
// follows the libibverbs contract: arming is one-shot, an event must be
// acknowledged before its CQ can be destroyed, and the channel delivers
// which CQ fired so one channel can serve several queues.
type VerbsBackend interface {
	// Initialization
	Init() error
	Close() error

	// Device Management
	GetDeviceList() ([]VerbsDeviceInfo, error)
	OpenDevice(name string) (VerbsContext, error)
	CloseDevice(ctx VerbsContext) error

	// Protection Domain
	AllocPD(ctx VerbsContext) (VerbsPD, error)
	DeallocPD(pd VerbsPD) error

	// Completion Channel
	CreateCompChannel(ctx VerbsContext) (VerbsCompChannel, error)
	DestroyCompChannel(ch VerbsCompChannel) error

	// Completion Queue. A zero channel handle creates an unbound CQ
	// (polling only). GetCQEvent blocks for at most timeout when
	// timeout > 0 and returns ErrEventTimeout on expiry; timeout <= 0
	// blocks until an event arrives.
	CreateCQ(ctx VerbsContext, cqe int, channel VerbsCompChannel) (VerbsCQ, error)
	DestroyCQ(cq VerbsCQ) error
	PollCQ(cq VerbsCQ, numEntries int) ([]VerbsWorkCompletion, error)
	ReqNotifyCQ(cq VerbsCQ, solicitedOnly bool) error
	GetCQEvent(ch VerbsCompChannel, timeout time.Duration) (VerbsCQ, error)
	AckCQEvents(cq VerbsCQ, count int) error

	// Queue Pair
	CreateQP(pd VerbsPD, sendCQ, recvCQ VerbsCQ, qpType QPType, maxSend, maxRecv, maxSge int) (VerbsQP, error)
	DestroyQP(qp VerbsQP) error
	ModifyQPToInit(qp VerbsQP, port int) error
	ModifyQPToRTR(qp VerbsQP, destQPN uint32, destLID uint16, destGID []byte, port int) error
	ModifyQPToRTS(qp VerbsQP) error
	QueryQP(qp VerbsQP) (*VerbsQPAttr, error)

	// Memory Registration
	RegMR(pd VerbsPD, buf []byte, access int) (VerbsMR, error)
	QueryMR(mr VerbsMR) (*VerbsMRAttr, error)
	DeregMR(mr VerbsMR) error

	// Work Requests
	PostRecv(qp VerbsQP, wr *VerbsRecvWR) error

	// RDMA Operations. PostRDMAWriteImm delivers imm to the remote
	// peer's receive completion; PostRDMAWrite generates no receive
	// completion at all on the remote side.
	PostRDMAWrite(qp VerbsQP, local VerbsSGE, remoteAddr uint64, rkey uint32) error
	PostRDMAWriteImm(qp VerbsQP, local VerbsSGE, remoteAddr uint64, rkey uint32, imm uint32) error

	// Metrics
	GetMetrics() map[string]interface{}
}

// Handle types for verbs objects.
type VerbsContext uintptr
type VerbsPD uintptr
type VerbsCQ uintptr
type VerbsQP uintptr
type VerbsMR uintptr
type VerbsCompChannel uintptr

// QPType represents queue pair types.
type QPType int

const (
	QPTypeRC  QPType = iota // Reliable Connection
	QPTypeUC                // Unreliable Connection
	QPTypeUD                // Unreliable Datagram
	QPTypeXRC               // Extended Reliable Connection
)

// Memory region access flags.
const (
	MRAccessLocalWrite   = 1 << 0
	MRAccessRemoteWrite  = 1 << 1
	MRAccessRemoteRead   = 1 << 2
	MRAccessRemoteAtomic = 1 << 3
)

// Work completion status.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLenErr
	WCLocalQPOpErr
	WCLocalEECOpErr
	WCLocalProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocalAccessErr
	WCRemoteInvalidReqErr
	WCRemoteAccessErr
	WCRemoteOpErr
	WCRetryExcErr
	WCRnrRetryExcErr
	WCLocalRddViolErr
	WCRemoteInvalidRdReqErr
	WCRemoteAbortedErr
	WCInvEECNErr
	WCInvEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

var wcStatusNames = map[WCStatus]string{
	WCSuccess:               "success",
	WCLocalLenErr:           "local-length-error",
	WCLocalQPOpErr:          "local-qp-operation-error",
	WCLocalEECOpErr:         "local-eec-operation-error",
	WCLocalProtErr:          "local-protection-error",
	WCWRFlushErr:            "work-request-flushed",
	WCMWBindErr:             "memory-window-bind-error",
	WCBadRespErr:            "bad-response",
	WCLocalAccessErr:        "local-access-error",
	WCRemoteInvalidReqErr:   "remote-invalid-request",
	WCRemoteAccessErr:       "remote-access-error",
	WCRemoteOpErr:           "remote-operation-error",
	WCRetryExcErr:           "retry-exceeded",
	WCRnrRetryExcErr:        "rnr-retry-exceeded",
	WCLocalRddViolErr:       "local-rdd-violation",
	WCRemoteInvalidRdReqErr: "remote-invalid-rd-request",
	WCRemoteAbortedErr:      "remote-aborted",
	WCInvEECNErr:            "invalid-eecn",
	WCInvEECStateErr:        "invalid-eec-state",
	WCFatalErr:              "fatal-error",
	WCRespTimeoutErr:        "response-timeout",
	WCGeneralErr:            "general-error",
}

// String returns the lowercase dashed name used in logs and configuration.
func (s WCStatus) String() string {
	if name, ok := wcStatusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("unknown-status-%d", int(s))
}

// ParseWCStatus resolves a status name as produced by WCStatus.String.
func ParseWCStatus(name string) (WCStatus, error) {
	for status, n := range wcStatusNames {
		if n == name {
			return status, nil
		}
	}

	return WCGeneralErr, fmt.Errorf("unknown work completion status %q", name)
}

// Work completion opcode.
type WCOpcode int

const (
	WCOpSend WCOpcode = iota
	WCOpRDMAWrite
	WCOpRDMARead
	WCOpCompSwap
	WCOpFetchAdd
	WCOpBindMW
	WCOpLocalInv
	WCOpRecv
	WCOpRecvRDMAWithImm
)

var wcOpcodeNames = map[WCOpcode]string{
	WCOpSend:            "send",
	WCOpRDMAWrite:       "rdma-write",
	WCOpRDMARead:        "rdma-read",
	WCOpCompSwap:        "compare-swap",
	WCOpFetchAdd:        "fetch-add",
	WCOpBindMW:          "bind-mw",
	WCOpLocalInv:        "local-invalidate",
	WCOpRecv:            "recv",
	WCOpRecvRDMAWithImm: "recv-rdma-with-imm",
}

// String returns the opcode name used in logs.
func (o WCOpcode) String() string {
	if name, ok := wcOpcodeNames[o]; ok {
		return name
	}

	return fmt.Sprintf("unknown-opcode-%d", int(o))
}

// VerbsDeviceInfo contains RDMA device information.
type VerbsDeviceInfo struct {
	Name         string
	FWVer        string
	GUID         uint64
	NodeType     int
	Transport    int
	PhysPortCnt  int
	VendorID     uint32
	VendorPartID uint32
	HWVer        uint32
}

// VerbsWorkCompletion represents a work completion entry.
// ImmData carries the 32-bit immediate field exactly as it arrived on
// the wire (network byte order); use NetworkToHost32 to interpret it.
type VerbsWorkCompletion struct {
	WRID      uint64
	Status    WCStatus
	Opcode    WCOpcode
	VendorErr uint32
	ByteLen   uint32
	ImmData   uint32
	QPN       uint32
	SrcQP     uint32
	WCFlags   int
	PkeyIndex uint16
	SLID      uint16
	SL        uint8
	DLIDPath  uint8
}

// VerbsQPAttr contains queue pair attributes.
type VerbsQPAttr struct {
	State           int
	CurState        int
	Path            VerbsAHAttr
	AltPath         VerbsAHAttr
	QPN             uint32
	DestQPN         uint32
	QKey            uint32
	RQPsn           uint32
	SQPsn           uint32
	DestQKey        uint32
	QPAccessFlags   int
	Cap             VerbsQPCap
	MaxRdAtomic     uint8
	MaxDestRdAtomic uint8
	MinRnrTimer     uint8
	PortNum         uint8
	Timeout         uint8
	RetryCnt        uint8
	RnrRetry        uint8
	AltPortNum      uint8
	AltTimeout      uint8
}

// VerbsAHAttr contains address handle attributes.
type VerbsAHAttr struct {
	GRH         VerbsGlobalRoute
	DLID        uint16
	SL          uint8
	SrcPathBits uint8
	StaticRate  uint8
	IsGlobal    uint8
	PortNum     uint8
}

// VerbsGlobalRoute contains global routing info.
type VerbsGlobalRoute struct {
	DGID         [16]byte
	FlowLabel    uint32
	SGIDIX       uint8
	HopLimit     uint8
	TrafficClass uint8
}

// VerbsQPCap contains queue pair capabilities.
type VerbsQPCap struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSge    uint32
	MaxRecvSge    uint32
	MaxInlineData uint32
}

// VerbsMRAttr describes a registered memory region: the base address
// and keys a remote peer needs to target it.
type VerbsMRAttr struct {
	Addr   uint64
	Length int
	LKey   uint32
	RKey   uint32
}

// VerbsRecvWR represents a receive work request.
type VerbsRecvWR struct {
	Next   *VerbsRecvWR
	SGList []VerbsSGE
	WRID   uint64
}

// VerbsSGE represents a scatter/gather entry.
type VerbsSGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// QP state values as reported by QueryQP.
const (
	qpStateReset = iota
	qpStateInit
	qpStateRTR
	qpStateRTS
	qpStateSQD
	qpStateError
)
