package rstream

import "github.com/arloliu/rstream/types"

// Re-export types from the types package.
//
// Type aliases give users rstream.Message, rstream.Offset and friends while
// internal packages depend only on types, avoiding an import cycle with the
// root package.
type (
	Message        = types.Message
	Offset         = types.Offset
	OffsetType     = types.OffsetType
	Broker         = types.Broker
	StreamMetadata = types.StreamMetadata
	HandleID       = types.HandleID
	ResponseCode   = types.ResponseCode
	Command        = types.Command

	ConnectionInfo  = types.ConnectionInfo
	CloseParams     = types.CloseParams
	DialParams      = types.DialParams
	PublishingError = types.PublishingError

	ProtocolError           = types.ProtocolError
	BrokerNotReachableError = types.BrokerNotReachableError
)

// Re-export interfaces from the types package for convenience.
type (
	Connection       = types.Connection
	Dialer           = types.Dialer
	DialerFunc       = types.DialerFunc
	MetricsCollector = types.MetricsCollector
	Logger           = types.Logger
	Hooks            = types.Hooks
)

// Offset constructors.
var (
	OffsetFirst     = types.OffsetFirst
	OffsetLast      = types.OffsetLast
	OffsetNext      = types.OffsetNext
	OffsetAt        = types.OffsetAt
	OffsetTimestamp = types.OffsetTimestamp
)

// Response codes callers commonly match on.
const (
	ResponseCodeOK                  = types.ResponseCodeOK
	ResponseCodeStreamDoesNotExist  = types.ResponseCodeStreamDoesNotExist
	ResponseCodeStreamAlreadyExists = types.ResponseCodeStreamAlreadyExists
	ResponseCodeAccessRefused       = types.ResponseCodeAccessRefused
	ResponseCodeNoOffset            = types.ResponseCodeNoOffset
)

// IsResponseCode reports whether err is a ProtocolError carrying code.
func IsResponseCode(err error, code ResponseCode) bool {
	return types.IsResponseCode(err, code)
}
