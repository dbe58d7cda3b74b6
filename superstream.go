package rstream

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/arloliu/rstream/internal/routing"
)

// RoutingStrategy selects how a super-stream publisher picks partitions.
type RoutingStrategy int

const (
	// RoutingHash routes by xxh3 hash of the routing key modulo the partition count.
	RoutingHash RoutingStrategy = iota

	// RoutingConsistent routes on a consistent-hash ring, so adding a partition
	// only moves the keys that land on it.
	RoutingConsistent

	// RoutingKey asks the broker which partitions the routing key is bound to.
	RoutingKey
)

// String returns the strategy name.
func (s RoutingStrategy) String() string {
	switch s {
	case RoutingHash:
		return "hash"
	case RoutingConsistent:
		return "consistent"
	case RoutingKey:
		return "key"
	default:
		return fmt.Sprintf("routing(%d)", int(s))
	}
}

// RoutingKeyExtractor returns the routing key of a message.
type RoutingKeyExtractor func(msg Message) string

// SuperStreamPublisherParams configures a super-stream publisher.
type SuperStreamPublisherParams struct {
	SuperStream string

	// Reference is used as the deduplication reference on every partition.
	Reference string

	Routing        RoutingStrategy
	MaxChunkLength int

	// OnConfirm receives confirmed publishing ids per partition.
	OnConfirm func(partition string, publishingIDs []uint64)
}

// SuperStreamPublisher publishes to the partitions of a super stream.
//
// Partition publishers are declared on first use.
type SuperStreamPublisher struct {
	client     *Client
	params     SuperStreamPublisherParams
	extract    RoutingKeyExtractor
	partitions []string
	route      func(key string) string

	mu         sync.Mutex
	publishers map[string]*Publisher
	closed     bool
}

// DeclareSuperStreamPublisher returns a publisher routing messages across the
// partitions of params.SuperStream by the key extract returns.
//
// Example:
//
//	pub, err := client.DeclareSuperStreamPublisher(ctx, rstream.SuperStreamPublisherParams{
//	    SuperStream: "invoices",
//	}, func(msg rstream.Message) string { return msg.ApplicationProperties["customer"] })
func (c *Client) DeclareSuperStreamPublisher(ctx context.Context, params SuperStreamPublisherParams, extract RoutingKeyExtractor) (*SuperStreamPublisher, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if extract == nil {
		return nil, fmt.Errorf("%w: routing key extractor is required", ErrInvalidConfig)
	}

	partitions, err := c.QueryPartitions(ctx, params.SuperStream)
	if err != nil {
		return nil, err
	}
	if len(partitions) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoPartitions, params.SuperStream)
	}

	sp := &SuperStreamPublisher{
		client:     c,
		params:     params,
		extract:    extract,
		partitions: partitions,
		publishers: make(map[string]*Publisher, len(partitions)),
	}
	switch params.Routing {
	case RoutingConsistent:
		sp.route = routing.NewRing(partitions, routing.DefaultVirtualNodes, 0).Route
	case RoutingKey:
		// resolved per message by the broker
	default:
		sp.route = routing.NewHash(partitions, 0).Route
	}

	return sp, nil
}

// SuperStream returns the super stream name.
func (sp *SuperStreamPublisher) SuperStream() string { return sp.params.SuperStream }

// Partitions returns the partition streams in broker order.
func (sp *SuperStreamPublisher) Partitions() []string {
	return append([]string(nil), sp.partitions...)
}

// Send routes each message and publishes it. Messages routed to the same
// partition keep their relative order.
//
// Returns:
//   - error: ErrNoRoute when a key binds to no partition, or the first
//     declare or publish failure
func (sp *SuperStreamPublisher) Send(ctx context.Context, msgs ...Message) error {
	var order []string
	byPartition := make(map[string][]Message)
	for _, msg := range msgs {
		targets, err := sp.targets(ctx, msg)
		if err != nil {
			return err
		}
		for _, partition := range targets {
			if _, seen := byPartition[partition]; !seen {
				order = append(order, partition)
			}
			byPartition[partition] = append(byPartition[partition], msg)
		}
	}

	for _, partition := range order {
		pub, err := sp.publisher(ctx, partition)
		if err != nil {
			return err
		}
		if _, err := pub.Send(ctx, byPartition[partition]...); err != nil {
			return err
		}
	}

	return nil
}

func (sp *SuperStreamPublisher) targets(ctx context.Context, msg Message) ([]string, error) {
	key := sp.extract(msg)
	if sp.route != nil {
		return []string{sp.route(key)}, nil
	}

	partitions, err := sp.client.RouteQuery(ctx, key, sp.params.SuperStream)
	if err != nil {
		return nil, err
	}
	if len(partitions) == 0 {
		return nil, fmt.Errorf("%w: %q in super stream %q", ErrNoRoute, key, sp.params.SuperStream)
	}

	return partitions, nil
}

// publisher returns the publisher of partition, declaring it on first use.
func (sp *SuperStreamPublisher) publisher(ctx context.Context, partition string) (*Publisher, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.closed {
		return nil, ErrClientClosed
	}
	if pub, ok := sp.publishers[partition]; ok {
		return pub, nil
	}

	params := PublisherParams{
		Stream:         partition,
		Reference:      sp.params.Reference,
		Boot:           sp.params.Reference != "",
		MaxChunkLength: sp.params.MaxChunkLength,
	}
	if onConfirm := sp.params.OnConfirm; onConfirm != nil {
		params.OnConfirm = func(ids []uint64) { onConfirm(partition, ids) }
	}

	pub, err := sp.client.DeclarePublisher(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("partition %q: %w", partition, err)
	}
	sp.publishers[partition] = pub

	return pub, nil
}

// Close deletes every partition publisher.
func (sp *SuperStreamPublisher) Close(ctx context.Context) error {
	sp.mu.Lock()
	publishers := maps.Clone(sp.publishers)
	sp.publishers = make(map[string]*Publisher)
	sp.closed = true
	sp.mu.Unlock()

	var errs []error
	for _, pub := range publishers {
		if err := pub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// SuperStreamConsumerParams configures a super-stream consumer.
type SuperStreamConsumerParams struct {
	SuperStream string

	// Reference is shared by the partition consumers. Generated from the
	// super stream name and client id when empty.
	Reference string

	// Offset is where every partition starts. Default: OffsetNext()
	Offset Offset

	// SingleActive makes each partition a single-active-consumer group, so
	// instances sharing Reference split the partitions between them.
	SingleActive bool

	OnConsumerUpdate func(ctx context.Context, consumer *Consumer, active bool) Offset
}

// SuperStreamConsumer consumes every partition of a super stream.
type SuperStreamConsumer struct {
	client    *Client
	params    SuperStreamConsumerParams
	consumers []*Consumer
}

// DeclareSuperStreamConsumer subscribes one consumer per partition of
// params.SuperStream, all dispatching to handler.
//
// If any partition fails, the consumers already declared are closed and the
// error is returned.
func (c *Client) DeclareSuperStreamConsumer(ctx context.Context, params SuperStreamConsumerParams, handler MessageHandler) (*SuperStreamConsumer, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	partitions, err := c.QueryPartitions(ctx, params.SuperStream)
	if err != nil {
		return nil, err
	}
	if len(partitions) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoPartitions, params.SuperStream)
	}
	if params.Reference == "" {
		params.Reference = params.SuperStream + "-" + c.id
	}

	sc := &SuperStreamConsumer{client: c, params: params}
	for _, partition := range partitions {
		cons, err := c.DeclareConsumer(ctx, ConsumerParams{
			Stream:           partition,
			Reference:        params.Reference,
			Offset:           params.Offset,
			SingleActive:     params.SingleActive,
			OnConsumerUpdate: params.OnConsumerUpdate,
			Properties:       map[string]string{propSuperStream: params.SuperStream},
		}, handler)
		if err != nil {
			_ = sc.Close(ctx)
			return nil, fmt.Errorf("partition %q: %w", partition, err)
		}
		sc.consumers = append(sc.consumers, cons)
	}

	return sc, nil
}

// SuperStream returns the super stream name.
func (sc *SuperStreamConsumer) SuperStream() string { return sc.params.SuperStream }

// Reference returns the reference shared by the partition consumers.
func (sc *SuperStreamConsumer) Reference() string { return sc.params.Reference }

// Consumers returns the partition consumers in partition order.
func (sc *SuperStreamConsumer) Consumers() []*Consumer {
	return append([]*Consumer(nil), sc.consumers...)
}

// Close closes every partition consumer.
func (sc *SuperStreamConsumer) Close(ctx context.Context) error {
	var errs []error
	for _, cons := range sc.consumers {
		if err := cons.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
