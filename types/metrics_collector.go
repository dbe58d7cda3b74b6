package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations should be non-blocking and handle failures gracefully.
// Methods are called from caller goroutines and from connection dispatch
// goroutines and must be thread-safe.
//
// This interface composes smaller, domain-focused interfaces for better modularity.
type MetricsCollector interface {
	HandleMetrics
	DeliveryMetrics
	ConnectionMetrics
}

// HandleMetrics defines metrics for publisher and consumer lifecycle.
type HandleMetrics interface {
	// RecordDeclare records a declare attempt.
	//
	// Parameters:
	//   - kind: "publisher" or "consumer"
	//   - success: true if the broker accepted the declaration
	RecordDeclare(kind string, success bool)

	// SetActiveHandles sets the number of live handles of a kind (gauge metric).
	SetActiveHandles(kind string, count int)
}

// DeliveryMetrics defines metrics for the delivery dispatch path.
type DeliveryMetrics interface {
	// RecordDelivery records one delivered chunk.
	//
	// Parameters:
	//   - messages: Number of messages in the chunk
	//   - filtered: Number of messages dropped by the client-side post-filter
	RecordDelivery(messages, filtered int)

	// RecordCredit records a credit grant sent to the broker.
	RecordCredit(credit int)

	// RecordDispatchMiss records an event whose subscription or publisher id was unknown.
	//
	// Parameters:
	//   - event: Event kind ("delivery", "consumer_update", "publish_confirm", "publish_error")
	RecordDispatchMiss(event string)
}

// ConnectionMetrics defines metrics for connection acquisition and recovery.
type ConnectionMetrics interface {
	// RecordPoolLookup records a connection pool lookup.
	RecordPoolLookup(hit bool)

	// RecordResolverAttempts records how many dials an address-resolved connection took.
	RecordResolverAttempts(attempts int, success bool)

	// RecordRestart records a client restart.
	//
	// Parameters:
	//   - duration: Time taken in seconds, including the settle delay
	//   - success: true if every connection and handle was restored
	RecordRestart(duration float64, success bool)
}
