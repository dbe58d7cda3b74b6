package types

// Event is an asynchronous broker event pushed by a Connection.
//
// The set of events is closed; use a type switch over the concrete types below.
type Event interface {
	isEvent()
}

// DeliveryEvent is a legacy (v1) chunk delivery for a subscription.
type DeliveryEvent struct {
	SubscriptionID uint8
	Messages       []Message
}

// FilteredDeliveryEvent is a v2 chunk delivery. Brokers that support filtering
// send this shape; the chunk may contain messages that only a client-side
// post-filter can exclude.
type FilteredDeliveryEvent struct {
	SubscriptionID   uint8
	CommittedChunkID uint64
	Messages         []Message
}

// ConsumerUpdateEvent asks whether a single-active-consumer subscription should
// become active. The client must answer with a ConsumerUpdateReply.
type ConsumerUpdateEvent struct {
	SubscriptionID uint8
	CorrelationID  uint32
	Active         bool
}

// PublishConfirmEvent acknowledges publishing ids.
type PublishConfirmEvent struct {
	PublisherID   uint8
	PublishingIDs []uint64
}

// PublishingError reports a rejected message.
type PublishingError struct {
	PublishingID uint64
	Code         ResponseCode
}

// PublishErrorEvent reports rejected publishing ids.
type PublishErrorEvent struct {
	PublisherID uint8
	Errors      []PublishingError
}

// ConnectionClosedEvent is emitted once when the broker or transport closes the connection.
type ConnectionClosedEvent struct {
	Code   ResponseCode
	Reason string
}

func (DeliveryEvent) isEvent()         {}
func (FilteredDeliveryEvent) isEvent() {}
func (ConsumerUpdateEvent) isEvent()   {}
func (PublishConfirmEvent) isEvent()   {}
func (PublishErrorEvent) isEvent()     {}
func (ConnectionClosedEvent) isEvent() {}
