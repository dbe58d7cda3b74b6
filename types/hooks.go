package types

import "context"

// Hooks defines callbacks for client lifecycle events.
//
// All hooks are optional. Hooks run on the connection dispatch goroutine that
// observed the event, so they must return quickly: a slow hook delays delivery
// for every consumer sharing that connection.
//
// Hook errors are logged but never fail client operations.
//
// Example:
//
//	hooks := &rstream.Hooks{
//	    OnConnectionClosed: func(ctx context.Context, info rstream.ConnectionInfo, reason string) error {
//	        reconnects <- struct{}{}
//	        return nil
//	    },
//	}
type Hooks struct {
	// OnConnectionClosed is called when a connection used by the client is closed
	// by the broker or the transport (not when the client closes it).
	OnConnectionClosed func(ctx context.Context, info ConnectionInfo, reason string) error

	// OnRestart is called after Restart completes, with the restart error if any.
	OnRestart func(ctx context.Context, err error) error

	// OnError is called when a background error occurs (handler failure,
	// credit or consumer-update reply failure).
	OnError func(ctx context.Context, err error) error
}
