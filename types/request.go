package types

// Request is a typed protocol request handed to a Connection.
//
// Encoding is owned by the Connection implementation; the session layer only
// builds requests and interprets responses.
type Request interface {
	Command() Command
}

// MetadataRequest asks for leader and replica placement of streams.
type MetadataRequest struct {
	Streams []string
}

// PartitionsQuery lists the partition streams of a super stream.
type PartitionsQuery struct {
	SuperStream string
}

// RouteQuery resolves the partition streams a routing key binds to.
type RouteQuery struct {
	RoutingKey  string
	SuperStream string
}

// DeclarePublisherRequest registers a publisher id on a connection.
type DeclarePublisherRequest struct {
	PublisherID uint8
	Reference   string
	Stream      string
}

// DeletePublisherRequest releases a publisher id on a connection.
type DeletePublisherRequest struct {
	PublisherID uint8
}

// PublishRequest carries a batch of messages for one publisher.
type PublishRequest struct {
	PublisherID uint8
	Messages    []Message
}

// QueryPublisherSequenceRequest asks for the last publishing id stored for a reference.
type QueryPublisherSequenceRequest struct {
	Reference string
	Stream    string
}

// SubscribeRequest opens a subscription with an initial credit.
type SubscribeRequest struct {
	SubscriptionID uint8
	Stream         string
	Offset         Offset
	Credit         uint16
	Properties     map[string]string
}

// UnsubscribeRequest closes a subscription.
type UnsubscribeRequest struct {
	SubscriptionID uint8
}

// CreditRequest grants the broker permission to push more chunks. Fire-and-forget.
type CreditRequest struct {
	SubscriptionID uint8
	Credit         uint16
}

// ConsumerUpdateReply answers a single-active-consumer update query. Fire-and-forget.
type ConsumerUpdateReply struct {
	CorrelationID uint32
	Code          ResponseCode
	Offset        Offset
}

// StoreOffsetRequest persists a consumer offset on the broker. Fire-and-forget.
type StoreOffsetRequest struct {
	Reference string
	Stream    string
	Offset    uint64
}

// QueryOffsetRequest reads the stored offset for a consumer reference.
type QueryOffsetRequest struct {
	Reference string
	Stream    string
}

// CreateStreamRequest creates a stream.
type CreateStreamRequest struct {
	Stream    string
	Arguments map[string]string
}

// DeleteStreamRequest deletes a stream.
type DeleteStreamRequest struct {
	Stream string
}

// CreateSuperStreamRequest creates a super stream with all of its partitions at once.
type CreateSuperStreamRequest struct {
	Name        string
	Partitions  []string
	BindingKeys []string
	Arguments   map[string]string
}

// DeleteSuperStreamRequest deletes a super stream and its partitions.
type DeleteSuperStreamRequest struct {
	Name string
}

// StreamStatsRequest fetches broker-side statistics for a stream.
type StreamStatsRequest struct {
	Stream string
}

func (MetadataRequest) Command() Command               { return CommandMetadata }
func (PartitionsQuery) Command() Command               { return CommandPartitions }
func (RouteQuery) Command() Command                    { return CommandRoute }
func (DeclarePublisherRequest) Command() Command       { return CommandDeclarePublisher }
func (DeletePublisherRequest) Command() Command        { return CommandDeletePublisher }
func (PublishRequest) Command() Command                { return CommandPublish }
func (QueryPublisherSequenceRequest) Command() Command { return CommandQueryPublisherSequence }
func (SubscribeRequest) Command() Command              { return CommandSubscribe }
func (UnsubscribeRequest) Command() Command            { return CommandUnsubscribe }
func (CreditRequest) Command() Command                 { return CommandCredit }
func (ConsumerUpdateReply) Command() Command           { return CommandConsumerUpdate }
func (StoreOffsetRequest) Command() Command            { return CommandStoreOffset }
func (QueryOffsetRequest) Command() Command            { return CommandQueryOffset }
func (CreateStreamRequest) Command() Command           { return CommandCreateStream }
func (DeleteStreamRequest) Command() Command           { return CommandDeleteStream }
func (CreateSuperStreamRequest) Command() Command      { return CommandCreateSuperStream }
func (DeleteSuperStreamRequest) Command() Command      { return CommandDeleteSuperStream }
func (StreamStatsRequest) Command() Command            { return CommandStreamStats }

// Response is the broker's answer to a request sent with SendAndWait.
//
// Only the fields relevant to the originating command are populated.
type Response struct {
	Code ResponseCode `json:"code"`

	// Metadata answers MetadataRequest.
	Metadata []StreamMetadata `json:"metadata,omitempty"`

	// Streams answers PartitionsQuery and RouteQuery.
	Streams []string `json:"streams,omitempty"`

	// Stats answers StreamStatsRequest.
	Stats map[string]int64 `json:"stats,omitempty"`

	// Value answers QueryOffsetRequest and QueryPublisherSequenceRequest.
	Value uint64 `json:"value,omitempty"`
}

// OK reports whether the response carries the OK code.
func (r *Response) OK() bool { return r != nil && r.Code.OK() }
