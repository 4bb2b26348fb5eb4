package connection

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected      = errors.New("not connected")
	ErrTimeout           = errors.New("operation timeout")
	ErrAlreadyClosed     = errors.New("already closed")
	ErrConnectionLost    = errors.New("connection lost")
	ErrDecode            = errors.New("decode error")
	ErrCapabilityMissing = errors.New("unsupported by current daemon version")
)

// ConnectError wraps a connection-establishment failure with its reason.
// Establishment failures are retryable.
type ConnectError struct {
	Reason string
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection failed: %s: %v", e.Reason, e.Err)
	}
	return "connection failed: " + e.Reason
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IsRetryable reports whether an error indicates a connection-level
// problem worth one transparent retry (or a close-and-rebuild under
// WithRecovery). Decode and capability errors are never retryable: they
// indicate a protocol or version mismatch, not a flaky socket.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrConnectionLost)
}

// State is the lifecycle state of the logical connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TimestampedLine wraps one newline-terminated frame with the local time
// it was read off the socket.
type TimestampedLine struct {
	Data       []byte
	ReceivedAt time.Time
}

// ClientConfig configures a single TCP client.
type ClientConfig struct {
	Addr         string        // daemon address (host:port)
	DialTimeout  time.Duration // TCP dial deadline
	WriteTimeout time.Duration // write deadline for sends
	BufferSize   int           // line channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Addr:         "127.0.0.1:37001",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}

// ManagerConfig configures the connection manager.
type ManagerConfig struct {
	Addr           string        // daemon address (host:port)
	ConnectTimeout time.Duration // bound on one connect+handshake attempt
	RequestTimeout time.Duration // default per-request deadline
	RetryBackoff   time.Duration // fixed sleep before the single retry
	PollInterval   time.Duration // wait interval for attempt-in-progress callers
	WriteTimeout   time.Duration // write deadline for sends
	BufferSize     int           // line channel buffer size
	ClientName     string        // identity sent in the handshake
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Addr:           "127.0.0.1:37001",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 5 * time.Second,
		RetryBackoff:   500 * time.Millisecond,
		PollInterval:   100 * time.Millisecond,
		WriteTimeout:   5 * time.Second,
		BufferSize:     1000,
		ClientName:     "keylink",
	}
}
