package types

import (
	"context"
	"crypto/tls"
	"time"
)

// ConnectionInfo describes the broker a connection is attached to, as reported
// by the broker itself. Behind a load balancer it may differ from the dialed address.
type ConnectionInfo struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`

	// Readable and Writable report whether the connection is usable for
	// consuming and publishing respectively.
	Readable bool `json:"readable"`
	Writable bool `json:"writable"`
}

// CloseParams controls how a connection is closed.
type CloseParams struct {
	// Code and Reason are forwarded to the broker with the close request.
	Code   ResponseCode
	Reason string
}

// Connection is one physical link to a broker node.
//
// Implementations own framing, authentication and socket management. The session
// layer requires the operations below and treats connections as reference-counted
// shared resources.
//
// Concurrency: all methods must be safe for concurrent use.
type Connection interface {
	// ID returns an identifier unique within the process.
	ID() string

	// Send writes a request without waiting for a response.
	Send(ctx context.Context, req Request) error

	// SendAndWait writes a request and waits for its correlated response.
	// A non-OK response code is returned as a Response, not as an error; errors
	// are reserved for transport failures and connection closure.
	SendAndWait(ctx context.Context, req Request) (*Response, error)

	// IncrRefCount adds one holder.
	IncrRefCount()

	// DecrRefCount removes one holder and returns the remaining count.
	DecrRefCount() int

	// RefCount returns the current number of holders.
	RefCount() int

	// Restart re-establishes the underlying link, keeping the same Connection value
	// and event stream.
	Restart(ctx context.Context) error

	// Close terminates the connection and closes the event stream.
	Close(ctx context.Context, params CloseParams) error

	// IsOpen reports whether the connection can carry requests.
	IsOpen() bool

	// ConnectionInfo returns the self-reported broker address.
	ConnectionInfo() ConnectionInfo

	// IsFilteringEnabled reports whether the broker supports server-side filtering.
	IsFilteringEnabled() bool

	// MaxFrameSize returns the negotiated maximum frame size in bytes.
	MaxFrameSize() uint32

	// ServerVersions returns the protocol versions advertised by the broker.
	ServerVersions() []string

	// ManagementVersion returns the broker's management-plane version (e.g. "3.13.1").
	ManagementVersion() string

	// Events returns the ordered stream of asynchronous broker events. The channel
	// is closed when the connection is closed.
	Events() <-chan Event
}

// DialParams describes a connection to open.
type DialParams struct {
	Host string
	Port int

	Username string
	Password string
	VHost    string

	// ConnectionName is reported to the broker for diagnostics.
	ConnectionName string

	FrameMax  uint32
	Heartbeat time.Duration
	TLS       *tls.Config
}

// Dialer opens connections to broker nodes.
type Dialer interface {
	Dial(ctx context.Context, params DialParams) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, params DialParams) (Connection, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, params DialParams) (Connection, error) {
	return f(ctx, params)
}
