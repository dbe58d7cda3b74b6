package rstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/arloliu/rstream/internal/eventmux"
	"github.com/arloliu/rstream/types"
)

// DefaultMaxChunkLength is the number of messages sent per publish frame when
// PublisherParams.MaxChunkLength is unset.
const DefaultMaxChunkLength = 100

const (
	kindPublisher = "publisher"
	kindConsumer  = "consumer"
)

// PublisherParams configures a publisher.
type PublisherParams struct {
	// Stream to publish to. The publisher always lives on the stream leader.
	Stream string

	// Reference names the publisher for broker-side deduplication. Optional.
	Reference string

	// Boot resumes publishing ids from the last sequence the broker stored for
	// Reference. Without Boot, publishing ids start at 1.
	Boot bool

	// MaxChunkLength caps the messages per publish frame. Default: 100
	MaxChunkLength int

	// Filter derives the value the broker indexes for server-side filtering.
	// Declaring a filtered publisher fails on brokers without filtering.
	Filter func(msg Message) string

	// OnConfirm receives the publishing ids the broker has persisted.
	OnConfirm func(publishingIDs []uint64)

	// OnError receives the publishing ids the broker rejected.
	OnError func(errs []PublishingError)
}

// Publisher publishes messages to one stream.
//
// Confirms and errors are delivered through PublisherParams callbacks on the
// connection's dispatch goroutine.
type Publisher struct {
	client   *Client
	id       HandleID
	params   PublisherParams
	conn     Connection
	maxFrame uint32

	mu     sync.Mutex // serializes Send so publishing ids hit the wire in order
	nextID uint64

	closed atomic.Bool
}

var _ eventmux.Sink = (*Publisher)(nil)

// DeclarePublisher creates a publisher on the leader of params.Stream.
//
// Parameters:
//   - ctx: Context bounding the declaration round trips
//   - params: Publisher configuration
//
// Returns:
//   - *Publisher: Declared publisher
//   - error: ProtocolError for broker rejections, ErrNodeNotFound when the
//     stream has no leader, ErrFilteringUnsupported for a filter on a broker
//     without filtering
//
// Example:
//
//	pub, err := client.DeclarePublisher(ctx, rstream.PublisherParams{
//	    Stream:    "orders",
//	    Reference: "order-service",
//	    Boot:      true,
//	})
func (c *Client) DeclarePublisher(ctx context.Context, params PublisherParams) (*Publisher, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if params.MaxChunkLength <= 0 {
		params.MaxChunkLength = DefaultMaxChunkLength
	}

	p := &Publisher{
		client: c,
		params: params,
		nextID: 1,
	}
	id, conn, err := c.reserve(ctx, params.Stream, true, eventmux.RolePublisher, c.nextPublisherID, p,
		func(id HandleID, conn Connection) {
			p.id, p.conn, p.maxFrame = id, conn, conn.MaxFrameSize()
		})
	if err != nil {
		c.metrics.RecordDeclare(kindPublisher, false)
		return nil, err
	}

	if err := c.declarePublisherOn(ctx, p); err != nil {
		_ = c.release(ctx, conn, CloseParams{Code: ResponseCodeOK, Reason: "publisher declare failed"})
		c.metrics.RecordDeclare(kindPublisher, false)

		return nil, err
	}

	if params.Boot && params.Reference != "" {
		seq, err := p.QuerySequence(ctx)
		if err != nil {
			_ = c.forceClosePublisher(ctx, p)
			c.metrics.RecordDeclare(kindPublisher, false)

			return nil, err
		}
		p.nextID = seq + 1
	}

	c.publishers.Store(id, p)
	c.metrics.RecordDeclare(kindPublisher, true)
	c.metrics.SetActiveHandles(kindPublisher, c.publishers.Size())

	c.logger.Debug("publisher declared",
		"publisherID", uint64(id),
		"stream", params.Stream,
		"reference", params.Reference,
		"connectionID", conn.ID(),
	)

	return p, nil
}

// declarePublisherOn registers p for confirms and declares it on its connection.
func (c *Client) declarePublisherOn(ctx context.Context, p *Publisher) error {
	mux := eventmux.Attach(p.conn)
	if err := mux.Register(eventmux.RolePublisher, p.id.Wire(), p); err != nil {
		return err
	}

	req := types.DeclarePublisherRequest{
		PublisherID: p.id.Wire(),
		Reference:   p.params.Reference,
		Stream:      p.params.Stream,
	}
	if _, err := sendAndCheck(ctx, p.conn, req); err != nil {
		mux.Unregister(eventmux.RolePublisher, p.id.Wire(), p)
		return fmt.Errorf("stream %q: %w", p.params.Stream, err)
	}

	// filtering support is only known once a broker has accepted the publisher
	if p.params.Filter != nil && !p.conn.IsFilteringEnabled() {
		_, _ = p.conn.SendAndWait(ctx, types.DeletePublisherRequest{PublisherID: p.id.Wire()})
		mux.Unregister(eventmux.RolePublisher, p.id.Wire(), p)

		return fmt.Errorf("%w: stream %q", ErrFilteringUnsupported, p.params.Stream)
	}

	return nil
}

// DeletePublisher deletes the publisher with the given id.
//
// An id the client does not know is still deleted through the locator
// connection, so a publisher declared by an earlier session can be released.
//
// Parameters:
//   - ctx: Context bounding the round trip
//   - id: Publisher id
//
// Returns:
//   - error: ProtocolError when the broker rejects the delete
func (c *Client) DeletePublisher(ctx context.Context, id HandleID) error {
	p, known := c.publishers.Load(id)
	if !known {
		_, err := sendAndCheck(ctx, c.locator, types.DeletePublisherRequest{PublisherID: id.Wire()})
		return err
	}

	if _, err := sendAndCheck(ctx, p.conn, types.DeletePublisherRequest{PublisherID: id.Wire()}); err != nil {
		return err
	}

	c.publishers.Delete(id)
	c.metrics.SetActiveHandles(kindPublisher, c.publishers.Size())
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if mux, ok := eventmux.Lookup(p.conn); ok {
		mux.Unregister(eventmux.RolePublisher, id.Wire(), p)
	}

	c.logger.Debug("publisher deleted", "publisherID", uint64(id), "stream", p.params.Stream)

	return c.release(ctx, p.conn, CloseParams{Code: ResponseCodeOK, Reason: "publisher deleted"})
}

// forceClosePublisher deletes p on a best-effort basis and releases its connection.
func (c *Client) forceClosePublisher(ctx context.Context, p *Publisher) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.conn.IsOpen() {
		_, _ = p.conn.SendAndWait(ctx, types.DeletePublisherRequest{PublisherID: p.id.Wire()})
	}
	if mux, ok := eventmux.Lookup(p.conn); ok {
		mux.Unregister(eventmux.RolePublisher, p.id.Wire(), p)
	}

	return c.release(ctx, p.conn, CloseParams{Code: ResponseCodeOK, Reason: "publisher closed"})
}

// ID returns the publisher id.
func (p *Publisher) ID() HandleID { return p.id }

// Stream returns the stream the publisher writes to.
func (p *Publisher) Stream() string { return p.params.Stream }

// Reference returns the deduplication reference, possibly empty.
func (p *Publisher) Reference() string { return p.params.Reference }

// Send publishes msgs in order.
//
// Each message gets the next publishing id; the ids are returned in message
// order. Messages are split into frames of at most MaxChunkLength. No message
// is sent when any body exceeds the connection's max frame size.
//
// Parameters:
//   - ctx: Context for the send
//   - msgs: Messages to publish; PublishingID and FilterValue are overwritten
//
// Returns:
//   - []uint64: Publishing ids of the messages sent
//   - error: ErrMessageTooLarge, or the transport error of the failed frame
func (p *Publisher) Send(ctx context.Context, msgs ...Message) ([]uint64, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("%w: %d", ErrPublisherNotFound, uint64(p.id))
	}
	for i := range msgs {
		if uint64(len(msgs[i].Body)) > uint64(p.maxFrame) {
			return nil, fmt.Errorf("%w: message %d is %d bytes, limit %d", ErrMessageTooLarge, i, len(msgs[i].Body), p.maxFrame)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]uint64, 0, len(msgs))
	batch := make([]Message, 0, min(len(msgs), p.params.MaxChunkLength))
	sent := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := p.conn.Send(ctx, types.PublishRequest{PublisherID: p.id.Wire(), Messages: batch})
		if err != nil {
			return fmt.Errorf("publish to %q: %w", p.params.Stream, err)
		}
		sent += len(batch)
		batch = make([]Message, 0, cap(batch))

		return nil
	}

	for _, msg := range msgs {
		msg.PublishingID = p.nextID
		p.nextID++
		if p.params.Filter != nil {
			msg.FilterValue = p.params.Filter(msg)
		}
		ids = append(ids, msg.PublishingID)
		batch = append(batch, msg)

		if len(batch) == p.params.MaxChunkLength {
			if err := flush(); err != nil {
				return ids[:sent], err
			}
		}
	}
	if err := flush(); err != nil {
		return ids[:sent], err
	}

	return ids, nil
}

// QuerySequence returns the last publishing id the broker stored for the
// publisher's reference.
func (p *Publisher) QuerySequence(ctx context.Context) (uint64, error) {
	if p.params.Reference == "" {
		return 0, ErrReferenceRequired
	}

	return querySequence(ctx, p.conn, p.params.Reference, p.params.Stream)
}

// Close deletes the publisher. Closing twice is a no-op.
func (p *Publisher) Close(ctx context.Context) error {
	if p.closed.Load() {
		return nil
	}

	return p.client.DeletePublisher(ctx, p.id)
}

// HandleEvent implements eventmux.Sink.
func (p *Publisher) HandleEvent(ev types.Event) {
	switch e := ev.(type) {
	case types.PublishConfirmEvent:
		if p.params.OnConfirm != nil {
			p.params.OnConfirm(e.PublishingIDs)
		}
	case types.PublishErrorEvent:
		p.client.logger.Warn("messages rejected by broker",
			"publisherID", uint64(p.id),
			"stream", p.params.Stream,
			"count", len(e.Errors),
		)
		if p.params.OnError != nil {
			p.params.OnError(e.Errors)
		}
	}
}

func querySequence(ctx context.Context, conn Connection, reference, stream string) (uint64, error) {
	resp, err := sendAndCheck(ctx, conn, types.QueryPublisherSequenceRequest{Reference: reference, Stream: stream})
	if err != nil {
		return 0, err
	}

	return resp.Value, nil
}
