package types

import (
	"fmt"
	"time"
)

// Message is a single record published to or delivered from a stream.
type Message struct {
	// Offset is the position of the message in its stream. Set on delivery.
	Offset uint64 `json:"offset"`

	// PublishingID is the publisher-scoped sequence used for confirms and deduplication.
	PublishingID uint64 `json:"publishingId"`

	// Body is the opaque message payload.
	Body []byte `json:"body"`

	// ApplicationProperties are user headers.
	ApplicationProperties map[string]string `json:"applicationProperties,omitempty"`

	// FilterValue is the value the broker indexes for server-side filtering.
	FilterValue string `json:"filterValue,omitempty"`

	// Timestamp is the chunk timestamp assigned by the broker.
	Timestamp time.Time `json:"timestamp"`
}

// OffsetType selects how a subscription start position is interpreted.
type OffsetType uint16

// Offset specification types, numbered as on the wire.
const (
	OffsetTypeFirst     OffsetType = 1
	OffsetTypeLast      OffsetType = 2
	OffsetTypeNext      OffsetType = 3
	OffsetTypeAbsolute  OffsetType = 4
	OffsetTypeTimestamp OffsetType = 5
)

// Offset is a subscription start position.
type Offset struct {
	Type  OffsetType `json:"type"`
	Value int64      `json:"value,omitempty"`
}

// OffsetFirst starts at the first message available in the stream.
func OffsetFirst() Offset { return Offset{Type: OffsetTypeFirst} }

// OffsetLast starts at the last chunk of the stream.
func OffsetLast() Offset { return Offset{Type: OffsetTypeLast} }

// OffsetNext starts with the next message written after subscribing.
func OffsetNext() Offset { return Offset{Type: OffsetTypeNext} }

// OffsetAt starts at an absolute offset.
func OffsetAt(offset uint64) Offset {
	return Offset{Type: OffsetTypeAbsolute, Value: int64(offset)} //nolint:gosec // stream offsets fit int64
}

// OffsetTimestamp starts at the first chunk written at or after t.
func OffsetTimestamp(t time.Time) Offset {
	return Offset{Type: OffsetTypeTimestamp, Value: t.UnixMilli()}
}

// IsAbsolute reports whether the offset names a concrete stream position.
func (o Offset) IsAbsolute() bool { return o.Type == OffsetTypeAbsolute }

// String renders the offset for logs.
func (o Offset) String() string {
	switch o.Type {
	case OffsetTypeFirst:
		return "first"
	case OffsetTypeLast:
		return "last"
	case OffsetTypeNext:
		return "next"
	case OffsetTypeAbsolute:
		return fmt.Sprintf("offset(%d)", o.Value)
	case OffsetTypeTimestamp:
		return fmt.Sprintf("timestamp(%d)", o.Value)
	default:
		return "unknown"
	}
}
