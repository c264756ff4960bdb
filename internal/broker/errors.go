package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrUnsupported marks a capability the broker does not implement.
var ErrUnsupported = errors.New("operation not supported by broker")

// NetworkError wraps transport-level failures. Always retryable.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error during %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ConnectionError signals an authentication/session problem. It triggers a
// re-auth, not an order retry.
type ConnectionError struct {
	Broker string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker %s connection error: %v", e.Broker, e.Err)
}
func (e *ConnectionError) Unwrap() error { return e.Err }

// ExecutionError is a failed place/cancel/exit. Retryable under the
// order-critical policy, then surfaced per broker.
type ExecutionError struct {
	Broker string
	Reason string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker %s order execution failed (%s): %v", e.Broker, e.Reason, e.Err)
	}
	return fmt.Sprintf("broker %s order execution failed: %s", e.Broker, e.Reason)
}
func (e *ExecutionError) Unwrap() error { return e.Err }

// ValidationError is a malformed request. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason) }

// Retryable reports whether an error class is worth another attempt.
// Validation and unsupported-capability errors are fatal; network timeouts and
// transient execution failures are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	if errors.Is(err, ErrUnsupported) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		// Session problems need a re-auth pass, not a blind retry.
		return false
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Err != nil && Retryable(ee.Err)
	}
	// Unknown errors from broker SDKs are treated as transient.
	return true
}
