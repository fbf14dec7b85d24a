package monitor

import "errors"

var (
	// ErrPoolExhausted indicates no idle buffer was available.
	ErrPoolExhausted = errors.New("no idle buffer available")

	// ErrAlreadyArmed indicates a buffer already backs an outstanding receive.
	ErrAlreadyArmed = errors.New("buffer already armed")

	// ErrBufferNotArmed indicates a handler was invoked for a buffer with no
	// observed completion.
	ErrBufferNotArmed = errors.New("buffer has no observed completion")

	// ErrArmFailed indicates a receive work request could not be posted.
	// Arm failures leave the connection unable to accept further messages
	// and are fatal for the monitor.
	ErrArmFailed = errors.New("failed to arm receive buffer")

	// ErrNotifyFailed indicates the completion channel could not be armed.
	ErrNotifyFailed = errors.New("failed to request completion notification")

	// ErrPollFailed indicates the completion queue could not be polled.
	ErrPollFailed = errors.New("failed to poll completion queue")

	// ErrConnectionLost indicates a completion reported a fatal status.
	ErrConnectionLost = errors.New("connection lost")

	// ErrIdleTimeout indicates no completion arrived within the configured
	// idle window while receives were outstanding.
	ErrIdleTimeout = errors.New("no completion within idle timeout")

	// ErrAlreadyRunning indicates the monitor loop is already active.
	ErrAlreadyRunning = errors.New("monitor already running")

	// ErrNoConnections indicates Run was called with nothing attached.
	ErrNoConnections = errors.New("monitor has no attached connections")

	// ErrSharedCQRequired indicates an attached connection does not share
	// the monitor's completion queue.
	ErrSharedCQRequired = errors.New("attached connections must share one completion queue")

	// ErrMonitorStarted indicates an attach or configuration change was
	// attempted after the loop started.
	ErrMonitorStarted = errors.New("monitor already started")

	// ErrStopTimeout indicates the loop did not drain before the stop
	// deadline expired.
	ErrStopTimeout = errors.New("timed out waiting for monitor to drain")

	// ErrUnknownConnection indicates a registry lookup for a connection
	// that is not under supervision.
	ErrUnknownConnection = errors.New("unknown connection")
)
