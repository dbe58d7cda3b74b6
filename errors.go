package rstream

import "github.com/arloliu/rstream/types"

// Sentinel errors returned by the Client.
//
// They are re-exported from the types package so callers can match them with
// errors.Is without importing types.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = types.ErrInvalidConfig

	// ErrDialerRequired is returned when Connect is called without a Dialer.
	ErrDialerRequired = types.ErrDialerRequired

	// ErrClientClosed is returned when an operation is attempted on a closed client.
	ErrClientClosed = types.ErrClientClosed

	// ErrPublisherNotFound is returned when a publisher id is unknown.
	ErrPublisherNotFound = types.ErrPublisherNotFound

	// ErrConsumerNotFound is returned when a consumer id is unknown.
	ErrConsumerNotFound = types.ErrConsumerNotFound

	// ErrReferenceRequired is returned when single active consumer or offset
	// tracking is requested without a reference.
	ErrReferenceRequired = types.ErrReferenceRequired

	// ErrMessageTooLarge is returned when a message body exceeds the max frame size.
	ErrMessageTooLarge = types.ErrMessageTooLarge

	// ErrNoPartitions is returned when a super stream reports no partitions.
	ErrNoPartitions = types.ErrNoPartitions

	// ErrNoRoute is returned when a routing key binds to no super-stream partition.
	ErrNoRoute = types.ErrNoRoute

	// ErrNodeNotFound is returned when stream metadata names no leader or replica.
	ErrNodeNotFound = types.ErrNodeNotFound

	// ErrFilteringUnsupported is returned when filtering is requested on a broker without it.
	ErrFilteringUnsupported = types.ErrFilteringUnsupported

	// ErrBrokerNotReachable is returned when the address resolver budget is exhausted.
	ErrBrokerNotReachable = types.ErrBrokerNotReachable

	// ErrVersionUnsupported is returned when a feature needs a newer management version.
	ErrVersionUnsupported = types.ErrVersionUnsupported

	// ErrConnectionClosed is returned by connections after Close.
	ErrConnectionClosed = types.ErrConnectionClosed
)
