package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the rstream library.
//
// These errors provide type-safe error checking using errors.Is() and errors.As().
// All components should use these sentinel errors for known error conditions
// and wrap external errors with context using fmt.Errorf("%s: %w", msg, err).

// Client errors - Public API errors returned by the Client.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrDialerRequired is returned when no Dialer is supplied to Connect.
	ErrDialerRequired = errors.New("dialer is required")

	// ErrClientClosed is returned when an operation is attempted on a closed client.
	ErrClientClosed = errors.New("client closed")

	// ErrPublisherNotFound is returned when a publisher id is unknown to the client.
	ErrPublisherNotFound = errors.New("publisher not found")

	// ErrConsumerNotFound is returned when a consumer id is unknown to the client.
	ErrConsumerNotFound = errors.New("consumer not found")

	// ErrReferenceRequired is returned when single active consumer is requested without a reference.
	ErrReferenceRequired = errors.New("consumer reference is required for single active consumer")

	// ErrMessageTooLarge is returned when a message body exceeds the negotiated frame size.
	ErrMessageTooLarge = errors.New("message exceeds max frame size")

	// ErrNoPartitions is returned when a super stream reports no partitions.
	ErrNoPartitions = errors.New("super stream has no partitions")

	// ErrNoRoute is returned when a routing key binds to no super-stream partition.
	ErrNoRoute = errors.New("no partition for routing key")
)

// Topology and capability errors - raised while selecting and opening connections.
var (
	// ErrNodeNotFound is returned when stream metadata names no usable leader or replica.
	ErrNodeNotFound = errors.New("no broker node found for stream")

	// ErrFilteringUnsupported is returned when a filter is requested on a broker without filtering.
	ErrFilteringUnsupported = errors.New("broker does not support filtering")

	// ErrBrokerNotReachable is returned when the address resolver retry budget is exhausted.
	ErrBrokerNotReachable = errors.New("broker not reachable")

	// ErrVersionUnsupported is returned when a feature needs a newer management version.
	ErrVersionUnsupported = errors.New("broker version does not support this operation")

	// ErrConnectionClosed is returned by connections after Close.
	ErrConnectionClosed = errors.New("connection closed")
)

// ProtocolError reports a non-OK response code returned by the broker for a command.
type ProtocolError struct {
	Command Command
	Code    ResponseCode
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s failed: %s (code %d)", e.Command, e.Code, uint16(e.Code))
}

// NewProtocolError builds a ProtocolError for the command and code.
func NewProtocolError(cmd Command, code ResponseCode) *ProtocolError {
	return &ProtocolError{Command: cmd, Code: code}
}

// IsResponseCode reports whether err is a ProtocolError carrying code.
func IsResponseCode(err error, code ResponseCode) bool {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Code == code
	}

	return false
}

// BrokerNotReachableError names the broker the address resolver could not reach
// and how many connection attempts were spent.
type BrokerNotReachableError struct {
	Host     string
	Port     int
	Attempts int
}

// Error implements the error interface.
func (e *BrokerNotReachableError) Error() string {
	return fmt.Sprintf("broker %s:%d not reachable after %d attempts", e.Host, e.Port, e.Attempts)
}

// Is makes errors.Is(err, ErrBrokerNotReachable) match.
func (e *BrokerNotReachableError) Is(target error) bool {
	return target == ErrBrokerNotReachable
}
