package rstream

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/arloliu/rstream/filter"
	"github.com/arloliu/rstream/internal/eventmux"
	"github.com/arloliu/rstream/types"
)

// Subscription property keys understood by the broker.
const (
	propSingleActive    = "single-active-consumer"
	propName            = "name"
	propSuperStream     = "super-stream"
	propFilterPrefix    = "filter."
	propMatchUnfiltered = "match-unfiltered"
)

// MessageHandler processes delivered messages.
//
// HandleMessage runs on the dispatch goroutine of the consumer's connection, in
// stream order. A returned error is logged and reported to Hooks.OnError; it
// does not stop delivery. ctx is cancelled when the client closes.
type MessageHandler interface {
	HandleMessage(ctx context.Context, consumer *Consumer, msg Message) error
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, consumer *Consumer, msg Message) error

// HandleMessage implements MessageHandler.
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, consumer *Consumer, msg Message) error {
	return f(ctx, consumer, msg)
}

// ConsumerFilter requests server-side filtering.
//
// The broker delivers whole chunks that contain at least one message with one
// of Values, so chunks can still carry other messages. PostFilter drops those
// on the client.
type ConsumerFilter struct {
	// Values the broker matches against message filter values.
	Values []string

	// MatchUnfiltered also delivers messages published without a filter value.
	MatchUnfiltered bool

	// PostFilter is applied to every message of a filtered delivery. Nil
	// passes every message.
	PostFilter filter.Predicate
}

// ConsumerParams configures a consumer.
type ConsumerParams struct {
	// Stream to consume. The consumer prefers a replica of the stream.
	Stream string

	// Reference names the consumer for offset tracking and single active consumer.
	Reference string

	// Offset is where consumption starts. Default: OffsetNext()
	Offset Offset

	// SingleActive joins the single-active-consumer group named by Reference.
	SingleActive bool

	// Filter requests server-side filtering. Declaring fails on brokers without it.
	Filter *ConsumerFilter

	// OnConsumerUpdate picks the offset to resume from when the broker promotes
	// or demotes this consumer. Without it the local offset is used.
	OnConsumerUpdate func(ctx context.Context, consumer *Consumer, active bool) Offset

	// Properties are extra subscription properties.
	Properties map[string]string
}

// deliveryFilter is the consumer's filter variant.
type deliveryFilter interface {
	accept(msg Message) bool
}

type noFilter struct{}

func (noFilter) accept(Message) bool { return true }

type postFilter struct {
	predicate filter.Predicate
}

func (f postFilter) accept(msg Message) bool { return f.predicate.Match(msg) }

func newDeliveryFilter(f *ConsumerFilter) deliveryFilter {
	if f == nil || f.PostFilter == nil {
		return noFilter{}
	}

	return postFilter{predicate: f.PostFilter}
}

// Consumer receives messages from one stream.
type Consumer struct {
	client  *Client
	id      HandleID
	params  ConsumerParams
	conn    Connection
	handler MessageHandler
	filter  deliveryFilter

	mu    sync.Mutex
	start Offset // offset of the current subscription
	local uint64 // next offset to consume, valid when seen
	seen  bool

	closed atomic.Bool
}

var _ eventmux.Sink = (*Consumer)(nil)

// DeclareConsumer subscribes to params.Stream and dispatches messages to handler.
//
// The consumer is registered before the subscribe request is sent, so
// deliveries racing the response are not lost. When the subscribe fails the
// registration is removed and the error returned.
//
// Parameters:
//   - ctx: Context bounding the declaration round trips
//   - params: Consumer configuration
//   - handler: Receives every delivered message
//
// Returns:
//   - *Consumer: Subscribed consumer
//   - error: ErrReferenceRequired for single active consumer without a
//     reference, ErrFilteringUnsupported, ErrNodeNotFound or ProtocolError
//
// Example:
//
//	consumer, err := client.DeclareConsumer(ctx, rstream.ConsumerParams{
//	    Stream:    "orders",
//	    Reference: "billing",
//	    Offset:    rstream.OffsetFirst(),
//	}, rstream.MessageHandlerFunc(func(ctx context.Context, c *rstream.Consumer, msg rstream.Message) error {
//	    return process(msg)
//	}))
func (c *Client) DeclareConsumer(ctx context.Context, params ConsumerParams, handler MessageHandler) (*Consumer, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: message handler is required", ErrInvalidConfig)
	}
	if params.SingleActive && params.Reference == "" {
		return nil, ErrReferenceRequired
	}
	if params.Offset.Type == 0 {
		params.Offset = OffsetNext()
	}

	cons := &Consumer{
		client:  c,
		params:  params,
		handler: handler,
		filter:  newDeliveryFilter(params.Filter),
		start:   params.Offset,
	}
	id, conn, err := c.reserve(ctx, params.Stream, false, eventmux.RoleConsumer, c.nextConsumerID, cons,
		func(id HandleID, conn Connection) {
			cons.id, cons.conn = id, conn
		})
	if err != nil {
		c.metrics.RecordDeclare(kindConsumer, false)
		return nil, err
	}

	if params.Filter != nil && !conn.IsFilteringEnabled() {
		eventmux.Attach(conn).Unregister(eventmux.RoleConsumer, id.Wire(), cons)
		_ = c.release(ctx, conn, CloseParams{Code: ResponseCodeOK, Reason: "filtering unsupported"})
		c.metrics.RecordDeclare(kindConsumer, false)

		return nil, fmt.Errorf("%w: stream %q", ErrFilteringUnsupported, params.Stream)
	}

	c.consumers.Store(id, cons)
	if err := c.subscribe(ctx, cons, params.Offset); err != nil {
		c.consumers.Delete(id)
		cons.closed.Store(true)
		_ = c.release(ctx, conn, CloseParams{Code: ResponseCodeOK, Reason: "subscribe failed"})
		c.metrics.RecordDeclare(kindConsumer, false)

		return nil, err
	}

	c.metrics.RecordDeclare(kindConsumer, true)
	c.metrics.SetActiveHandles(kindConsumer, c.consumers.Size())

	c.logger.Debug("consumer declared",
		"consumerID", uint64(id),
		"stream", params.Stream,
		"reference", params.Reference,
		"offset", params.Offset.String(),
		"connectionID", conn.ID(),
	)

	return cons, nil
}

// subscribe registers cons for deliveries and subscribes it at offset.
func (c *Client) subscribe(ctx context.Context, cons *Consumer, offset Offset) error {
	mux := eventmux.Attach(cons.conn)
	if err := mux.Register(eventmux.RoleConsumer, cons.id.Wire(), cons); err != nil {
		return err
	}

	cons.mu.Lock()
	cons.start = offset
	cons.mu.Unlock()

	req := types.SubscribeRequest{
		SubscriptionID: cons.id.Wire(),
		Stream:         cons.params.Stream,
		Offset:         offset,
		Credit:         c.cfg.InitialCredit,
		Properties:     cons.properties(),
	}
	if _, err := sendAndCheck(ctx, cons.conn, req); err != nil {
		mux.Unregister(eventmux.RoleConsumer, cons.id.Wire(), cons)
		return fmt.Errorf("stream %q: %w", cons.params.Stream, err)
	}

	return nil
}

// CloseConsumer unsubscribes the consumer with the given id.
//
// The consumer keeps receiving deliveries until the broker confirms the
// unsubscribe; on a broker error it stays registered.
//
// Parameters:
//   - ctx: Context bounding the round trip
//   - id: Consumer id
//
// Returns:
//   - error: ErrConsumerNotFound or ProtocolError
func (c *Client) CloseConsumer(ctx context.Context, id HandleID) error {
	cons, ok := c.consumers.Load(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrConsumerNotFound, uint64(id))
	}

	if _, err := sendAndCheck(ctx, cons.conn, types.UnsubscribeRequest{SubscriptionID: id.Wire()}); err != nil {
		return err
	}

	c.consumers.Delete(id)
	c.metrics.SetActiveHandles(kindConsumer, c.consumers.Size())
	if !cons.closed.CompareAndSwap(false, true) {
		return nil
	}
	if mux, ok := eventmux.Lookup(cons.conn); ok {
		mux.Unregister(eventmux.RoleConsumer, id.Wire(), cons)
	}

	c.logger.Debug("consumer closed", "consumerID", uint64(id), "stream", cons.params.Stream)

	return c.release(ctx, cons.conn, CloseParams{Code: ResponseCodeOK, Reason: "consumer closed"})
}

// forceCloseConsumer unsubscribes cons on a best-effort basis and releases its connection.
func (c *Client) forceCloseConsumer(ctx context.Context, cons *Consumer) error {
	if !cons.closed.CompareAndSwap(false, true) {
		return nil
	}
	if cons.conn.IsOpen() {
		_, _ = cons.conn.SendAndWait(ctx, types.UnsubscribeRequest{SubscriptionID: cons.id.Wire()})
	}
	if mux, ok := eventmux.Lookup(cons.conn); ok {
		mux.Unregister(eventmux.RoleConsumer, cons.id.Wire(), cons)
	}

	return c.release(ctx, cons.conn, CloseParams{Code: ResponseCodeOK, Reason: "consumer closed"})
}

// ID returns the consumer id.
func (cons *Consumer) ID() HandleID { return cons.id }

// Stream returns the consumed stream.
func (cons *Consumer) Stream() string { return cons.params.Stream }

// Reference returns the consumer reference, possibly empty.
func (cons *Consumer) Reference() string { return cons.params.Reference }

// LocalOffset returns the offset of the last message examined and whether any
// message has been examined yet.
func (cons *Consumer) LocalOffset() (uint64, bool) {
	cons.mu.Lock()
	defer cons.mu.Unlock()

	if !cons.seen {
		return 0, false
	}

	return cons.local - 1, true
}

// StoreOffset persists the offset of the last examined message on the broker
// under the consumer reference. It does nothing before the first message.
func (cons *Consumer) StoreOffset(ctx context.Context) error {
	if cons.params.Reference == "" {
		return ErrReferenceRequired
	}
	offset, ok := cons.LocalOffset()
	if !ok {
		return nil
	}

	return cons.conn.Send(ctx, types.StoreOffsetRequest{
		Reference: cons.params.Reference,
		Stream:    cons.params.Stream,
		Offset:    offset,
	})
}

// QueryOffset returns the offset stored on the broker for the consumer reference.
// A reference with no stored offset fails with ResponseCodeNoOffset.
func (cons *Consumer) QueryOffset(ctx context.Context) (uint64, error) {
	if cons.params.Reference == "" {
		return 0, ErrReferenceRequired
	}

	return queryOffset(ctx, cons.conn, cons.params.Reference, cons.params.Stream)
}

// Close unsubscribes the consumer. Closing twice is a no-op.
func (cons *Consumer) Close(ctx context.Context) error {
	if cons.closed.Load() {
		return nil
	}

	return cons.client.CloseConsumer(ctx, cons.id)
}

// HandleEvent implements eventmux.Sink.
func (cons *Consumer) HandleEvent(ev types.Event) {
	switch e := ev.(type) {
	case types.DeliveryEvent:
		cons.deliver(e.Messages, noFilter{})
	case types.FilteredDeliveryEvent:
		cons.deliver(e.Messages, cons.filter)
	case types.ConsumerUpdateEvent:
		cons.answerUpdate(e)
	}
}

// deliver grants one credit for the chunk, then hands each accepted message to
// the handler in order.
func (cons *Consumer) deliver(msgs []Message, accept deliveryFilter) {
	c := cons.client
	if cons.closed.Load() {
		return
	}

	credit := types.CreditRequest{SubscriptionID: cons.id.Wire(), Credit: 1}
	if err := cons.conn.Send(c.ctx, credit); err != nil {
		c.reportError("credit request failed", err, "consumerID", uint64(cons.id))
	} else {
		c.metrics.RecordCredit(1)
	}

	filtered := 0
	for _, msg := range msgs {
		if !cons.advance(msg.Offset) {
			continue
		}
		if !accept.accept(msg) {
			filtered++
			continue
		}
		if err := cons.handler.HandleMessage(c.ctx, cons, msg); err != nil {
			c.reportError("message handler failed", err,
				"consumerID", uint64(cons.id),
				"stream", cons.params.Stream,
				"offset", msg.Offset,
			)
		}
	}

	c.metrics.RecordDelivery(len(msgs), filtered)
}

// advance moves the local offset past offset. It reports false for messages
// before an absolute start offset, which chunk-aligned delivery repeats.
func (cons *Consumer) advance(offset uint64) bool {
	cons.mu.Lock()
	defer cons.mu.Unlock()

	if cons.start.IsAbsolute() && offset < uint64(cons.start.Value) { //nolint:gosec // absolute offsets are non-negative
		return false
	}
	cons.local = offset + 1
	cons.seen = true

	return true
}

// resumeOffset is where a new subscription continues from.
func (cons *Consumer) resumeOffset() Offset {
	cons.mu.Lock()
	defer cons.mu.Unlock()

	if cons.seen {
		return OffsetAt(cons.local)
	}

	return cons.start
}

func (cons *Consumer) answerUpdate(ev types.ConsumerUpdateEvent) {
	c := cons.client

	offset := cons.resumeOffset()
	if cons.params.OnConsumerUpdate != nil {
		offset = cons.params.OnConsumerUpdate(c.ctx, cons, ev.Active)
	}

	reply := types.ConsumerUpdateReply{
		CorrelationID: ev.CorrelationID,
		Code:          ResponseCodeOK,
		Offset:        offset,
	}
	if err := cons.conn.Send(c.ctx, reply); err != nil {
		c.reportError("consumer update reply failed", err, "consumerID", uint64(cons.id))
		return
	}

	c.logger.Info("consumer update answered",
		"consumerID", uint64(cons.id),
		"stream", cons.params.Stream,
		"active", ev.Active,
		"offset", offset.String(),
	)
}

func (cons *Consumer) properties() map[string]string {
	props := make(map[string]string, len(cons.params.Properties)+4)
	maps.Copy(props, cons.params.Properties)

	if cons.params.SingleActive {
		props[propSingleActive] = "true"
		props[propName] = cons.params.Reference
	}
	if f := cons.params.Filter; f != nil {
		for i, value := range f.Values {
			props[propFilterPrefix+strconv.Itoa(i)] = value
		}
		props[propMatchUnfiltered] = strconv.FormatBool(f.MatchUnfiltered)
	}

	return props
}

func queryOffset(ctx context.Context, conn Connection, reference, stream string) (uint64, error) {
	resp, err := sendAndCheck(ctx, conn, types.QueryOffsetRequest{Reference: reference, Stream: stream})
	if err != nil {
		return 0, err
	}

	return resp.Value, nil
}
