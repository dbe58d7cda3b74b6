package types

import (
	"net"
	"strconv"
)

// Broker is a stream broker node address.
type Broker struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Address returns host:port.
func (b Broker) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// StreamMetadata describes where a stream lives.
//
// Leader is nil when the stream currently has no leader. Metadata is not cached
// beyond the call that produced it.
type StreamMetadata struct {
	Stream   string       `json:"stream"`
	Code     ResponseCode `json:"code"`
	Leader   *Broker      `json:"leader,omitempty"`
	Replicas []Broker     `json:"replicas,omitempty"`
}

// HasLeader reports whether a leader is known.
func (m StreamMetadata) HasLeader() bool { return m.Leader != nil }

// HandleIDSpace is the number of publisher or consumer ids available per connection shard.
const HandleIDSpace = 255

// HandleID identifies a publisher or consumer within a client.
//
// Ids are single-byte values scoped to a connection; once a shard's 255 ids are used
// the client moves new handles to the next shard, which maps to a different pooled
// connection. HandleID encodes both as shard*255 + wire id.
type HandleID uint64

// NewHandleID builds a HandleID from a shard index and a wire id.
func NewHandleID(shard uint32, wire uint8) HandleID {
	return HandleID(uint64(shard)*HandleIDSpace + uint64(wire))
}

// Shard returns the connection shard index.
func (id HandleID) Shard() uint32 { return uint32(uint64(id) / HandleIDSpace) } //nolint:gosec // bounded by allocator

// Wire returns the per-connection id sent on the wire (0-254).
func (id HandleID) Wire() uint8 { return uint8(uint64(id) % HandleIDSpace) } //nolint:gosec // modulo 255
