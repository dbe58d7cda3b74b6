// Package types provides core type definitions and interfaces for the rstream library.
//
// This package contains shared types that are used across multiple packages in the
// rstream library. By keeping these types in a separate package, we avoid import cycles
// between the main rstream package and its internal implementations.
//
// Key types:
//   - Connection, Dialer: the contract the session orchestrator consumes from a transport
//   - Request, Response, Event: typed protocol exchanges and asynchronous broker events
//   - Message, Offset: delivered records and subscription start positions
//   - StreamMetadata, Broker: stream topology as reported by the broker
//   - HandleID: sharded publisher/consumer identifier
//   - Logger, MetricsCollector, Hooks: observability interfaces
package types
