package rstream

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Masterminds/semver/v3"

	"github.com/arloliu/rstream/types"
)

// DefaultSuperStreamPartitions is the partition count of a super stream
// created without binding keys or an explicit count.
const DefaultSuperStreamPartitions = 3

// minSuperStreamVersion is the first management version with super-stream commands.
var minSuperStreamVersion = semver.MustParse("3.13.0")

// SuperStreamOptions shapes a new super stream.
type SuperStreamOptions struct {
	// BindingKeys name the partitions "<name>-<key>". When set, Partitions is ignored.
	BindingKeys []string

	// Partitions is the number of partitions "<name>-0" .. "<name>-<n-1>",
	// bound by their index. Default: 3
	Partitions int

	// Arguments are stream arguments applied to every partition
	// (e.g. "max-length-bytes").
	Arguments map[string]string
}

// QueryMetadata returns the placement of streams. Streams that do not exist
// are reported with their response code rather than as an error.
func (c *Client) QueryMetadata(ctx context.Context, streams ...string) ([]StreamMetadata, error) {
	resp, err := sendAndCheck(ctx, c.locator, types.MetadataRequest{Streams: streams})
	if err != nil {
		return nil, err
	}

	return resp.Metadata, nil
}

// QueryPartitions returns the partition streams of a super stream in broker order.
func (c *Client) QueryPartitions(ctx context.Context, superStream string) ([]string, error) {
	resp, err := sendAndCheck(ctx, c.locator, types.PartitionsQuery{SuperStream: superStream})
	if err != nil {
		return nil, fmt.Errorf("super stream %q: %w", superStream, err)
	}

	return resp.Streams, nil
}

// RouteQuery returns the partitions routingKey is bound to, possibly none.
func (c *Client) RouteQuery(ctx context.Context, routingKey, superStream string) ([]string, error) {
	resp, err := sendAndCheck(ctx, c.locator, types.RouteQuery{RoutingKey: routingKey, SuperStream: superStream})
	if err != nil {
		return nil, fmt.Errorf("super stream %q: %w", superStream, err)
	}

	return resp.Streams, nil
}

// StreamStats returns broker-side statistics of a stream, such as
// "first_chunk_id" and "committed_chunk_id".
func (c *Client) StreamStats(ctx context.Context, stream string) (map[string]int64, error) {
	resp, err := sendAndCheck(ctx, c.locator, types.StreamStatsRequest{Stream: stream})
	if err != nil {
		return nil, fmt.Errorf("stream %q: %w", stream, err)
	}

	return resp.Stats, nil
}

// QueryOffset returns the offset stored for reference on stream.
func (c *Client) QueryOffset(ctx context.Context, reference, stream string) (uint64, error) {
	if reference == "" {
		return 0, ErrReferenceRequired
	}

	return queryOffset(ctx, c.locator, reference, stream)
}

// QueryPublisherSequence returns the last publishing id stored for reference on stream.
func (c *Client) QueryPublisherSequence(ctx context.Context, reference, stream string) (uint64, error) {
	if reference == "" {
		return 0, ErrReferenceRequired
	}

	return querySequence(ctx, c.locator, reference, stream)
}

// CreateStream creates a stream. A stream that already exists is not an error.
//
// Parameters:
//   - ctx: Context bounding the round trip
//   - stream: Stream name
//   - arguments: Stream arguments (e.g. "max-age": "24h"), may be nil
//
// Returns:
//   - error: ProtocolError for any other broker rejection
func (c *Client) CreateStream(ctx context.Context, stream string, arguments map[string]string) error {
	_, err := sendAndCheck(ctx, c.locator, types.CreateStreamRequest{Stream: stream, Arguments: arguments})
	if types.IsResponseCode(err, ResponseCodeStreamAlreadyExists) {
		c.logger.Debug("stream already exists", "stream", stream)
		return nil
	}
	if err != nil {
		return fmt.Errorf("stream %q: %w", stream, err)
	}

	return nil
}

// DeleteStream deletes a stream.
func (c *Client) DeleteStream(ctx context.Context, stream string) error {
	if _, err := sendAndCheck(ctx, c.locator, types.DeleteStreamRequest{Stream: stream}); err != nil {
		return fmt.Errorf("stream %q: %w", stream, err)
	}

	return nil
}

// CreateSuperStream creates a super stream and all of its partitions in one
// request. A super stream that already exists is not an error.
//
// Requires management version 3.13.0 or later.
//
// Parameters:
//   - ctx: Context bounding the round trip
//   - name: Super stream name
//   - opts: Partition layout and arguments
//
// Returns:
//   - error: ErrVersionUnsupported on older brokers, ProtocolError otherwise
//
// Example:
//
//	err := client.CreateSuperStream(ctx, "invoices", rstream.SuperStreamOptions{
//	    BindingKeys: []string{"emea", "amer", "apac"},
//	})
func (c *Client) CreateSuperStream(ctx context.Context, name string, opts SuperStreamOptions) error {
	if err := c.requireManagementVersion(minSuperStreamVersion, "create super stream"); err != nil {
		return err
	}

	partitions, bindingKeys := superStreamLayout(name, opts)
	req := types.CreateSuperStreamRequest{
		Name:        name,
		Partitions:  partitions,
		BindingKeys: bindingKeys,
		Arguments:   opts.Arguments,
	}
	_, err := sendAndCheck(ctx, c.locator, req)
	if types.IsResponseCode(err, ResponseCodeStreamAlreadyExists) {
		c.logger.Debug("super stream already exists", "superStream", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("super stream %q: %w", name, err)
	}

	return nil
}

// DeleteSuperStream deletes a super stream and its partitions.
//
// Requires management version 3.13.0 or later.
func (c *Client) DeleteSuperStream(ctx context.Context, name string) error {
	if err := c.requireManagementVersion(minSuperStreamVersion, "delete super stream"); err != nil {
		return err
	}
	if _, err := sendAndCheck(ctx, c.locator, types.DeleteSuperStreamRequest{Name: name}); err != nil {
		return fmt.Errorf("super stream %q: %w", name, err)
	}

	return nil
}

// superStreamLayout names the partitions of a super stream and their binding keys.
func superStreamLayout(name string, opts SuperStreamOptions) ([]string, []string) {
	if len(opts.BindingKeys) > 0 {
		partitions := make([]string, len(opts.BindingKeys))
		for i, key := range opts.BindingKeys {
			partitions[i] = name + "-" + key
		}

		return partitions, append([]string(nil), opts.BindingKeys...)
	}

	n := opts.Partitions
	if n <= 0 {
		n = DefaultSuperStreamPartitions
	}
	partitions := make([]string, n)
	bindingKeys := make([]string, n)
	for i := range n {
		bindingKeys[i] = strconv.Itoa(i)
		partitions[i] = name + "-" + bindingKeys[i]
	}

	return partitions, bindingKeys
}

// requireManagementVersion fails when the locator's broker is older than minVersion.
func (c *Client) requireManagementVersion(minVersion *semver.Version, op string) error {
	raw := c.locator.ManagementVersion()
	v, err := semver.NewVersion(raw)
	if err != nil || v.LessThan(minVersion) {
		return fmt.Errorf("%w: %s requires management version %s or later, broker reports %q",
			ErrVersionUnsupported, op, minVersion, raw)
	}

	return nil
}
