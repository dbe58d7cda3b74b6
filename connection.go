package rstream

import (
	"context"
	"errors"
	"fmt"
	rand "math/rand/v2"

	"github.com/arloliu/rstream/internal/backoff"
	"github.com/arloliu/rstream/internal/eventmux"
	"github.com/arloliu/rstream/internal/nodeselect"
	"github.com/arloliu/rstream/internal/pool"
	"github.com/arloliu/rstream/types"
)

// acquire returns a held connection to a broker hosting stream.
//
// The target is the stream leader when leader is set, otherwise a random
// replica. A pooled connection for the same (role, stream, host, shard) is
// reused; otherwise a new one is dialed and pooled. Every successful call adds
// one reference that release must drop.
func (c *Client) acquire(ctx context.Context, stream string, leader bool, shard uint32) (Connection, error) {
	md, err := c.streamMetadata(ctx, stream)
	if err != nil {
		return nil, err
	}

	c.rngMu.Lock()
	node := nodeselect.ChooseNode(md, leader, c.rng)
	c.rngMu.Unlock()
	if node == nil {
		return nil, fmt.Errorf("%w: stream %q", ErrNodeNotFound, stream)
	}

	key := pool.Key{Leader: leader, Stream: stream, Host: node.Host, Shard: shard}
	if conn, ok := c.pool.Get(key); ok {
		conn.IncrRefCount()
		// a concurrent last release may have closed it between Get and IncrRefCount
		if conn.IsOpen() {
			c.metrics.RecordPoolLookup(true)
			c.track(conn)
			c.logger.Debug("reusing pooled connection", "key", key.String(), "connectionID", conn.ID())

			return conn, nil
		}
		conn.DecrRefCount()
	}
	c.metrics.RecordPoolLookup(false)

	conn, err := c.dialNode(ctx, *node, md)
	if err != nil {
		return nil, err
	}

	// held before it is visible in the pool, so a concurrent release cannot
	// drop it to zero and close it under us
	conn.IncrRefCount()
	for {
		actual := c.pool.Put(key, conn)
		if actual == conn {
			break
		}
		actual.IncrRefCount()
		if actual.IsOpen() {
			// another caller pooled a connection for the key first
			conn.DecrRefCount()
			_ = conn.Close(ctx, CloseParams{Code: ResponseCodeOK, Reason: "duplicate pooled connection"})
			conn = actual

			break
		}
		// Put evicts the closed entry on the next round
		actual.DecrRefCount()
	}
	c.track(conn)

	c.logger.Debug("opened connection",
		"key", key.String(),
		"connectionID", conn.ID(),
		"broker", node.Address(),
	)

	return conn, nil
}

// reserve acquires a connection for a new handle and binds sink to a wire id
// that is free on it.
//
// A pooled connection can be shared with other clients whose handles hold ids
// this client has not allocated; those ids are skipped by drawing the next one
// from next. bind runs before the sink becomes visible to dispatch.
func (c *Client) reserve(
	ctx context.Context,
	stream string,
	leader bool,
	role eventmux.Role,
	next func() HandleID,
	sink eventmux.Sink,
	bind func(id HandleID, conn Connection),
) (HandleID, Connection, error) {
	for range types.HandleIDSpace {
		id := next()
		conn, err := c.acquire(ctx, stream, leader, id.Shard())
		if err != nil {
			return 0, nil, err
		}

		bind(id, conn)
		err = eventmux.Attach(conn).Register(role, id.Wire(), sink)
		if err == nil {
			return id, conn, nil
		}

		_ = c.release(ctx, conn, CloseParams{Code: ResponseCodeOK, Reason: "handle id in use"})
		if !errors.Is(err, eventmux.ErrIDInUse) {
			return 0, nil, err
		}
		c.logger.Debug("skipping handle id held on shared connection",
			"role", role.String(),
			"id", uint64(id),
			"connectionID", conn.ID(),
		)
	}

	return 0, nil, fmt.Errorf("%s %w: no free id on stream %q", role, eventmux.ErrIDInUse, stream)
}

// release drops one reference to conn, closing it and evicting it from the
// pool once nobody holds it.
func (c *Client) release(ctx context.Context, conn Connection, params CloseParams) error {
	c.untrack(conn)
	if conn.DecrRefCount() > 0 {
		return nil
	}

	c.pool.Remove(conn)
	mux, attached := eventmux.Lookup(conn)
	err := conn.Close(ctx, params)
	if attached {
		c.connMu.Lock()
		c.released = append(c.released, mux)
		c.connMu.Unlock()
	}
	if err != nil {
		return fmt.Errorf("close connection %s: %w", conn.ID(), err)
	}

	return nil
}

// track starts dispatch for conn and watches it for as long as the client holds it.
func (c *Client) track(conn Connection) *eventmux.Mux {
	mux := eventmux.Attach(conn)

	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.connUse[conn]++
	if c.connUse[conn] == 1 {
		mux.Watch(c.id, c)
	}

	return mux
}

func (c *Client) untrack(conn Connection) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if n := c.connUse[conn] - 1; n > 0 {
		c.connUse[conn] = n
		return
	}
	delete(c.connUse, conn)
	if mux, ok := eventmux.Lookup(conn); ok {
		mux.Unwatch(c.id)
	}
}

// streamMetadata queries the locator for the placement of one stream.
func (c *Client) streamMetadata(ctx context.Context, stream string) (StreamMetadata, error) {
	resp, err := sendAndCheck(ctx, c.locator, types.MetadataRequest{Streams: []string{stream}})
	if err != nil {
		return StreamMetadata{}, err
	}
	if len(resp.Metadata) == 0 {
		return StreamMetadata{}, fmt.Errorf("%w: stream %q", ErrNodeNotFound, stream)
	}

	md := resp.Metadata[0]
	if md.Code != 0 && !md.Code.OK() {
		return StreamMetadata{}, fmt.Errorf("stream %q: %w", stream, types.NewProtocolError(types.CommandMetadata, md.Code))
	}

	return md, nil
}

// dialLocator opens the locator connection to the configured host, or to the
// resolver endpoint when address resolution is enabled.
func (c *Client) dialLocator(ctx context.Context) (Connection, error) {
	host, port := c.cfg.Host, c.cfg.Port
	if c.cfg.AddressResolver.Enabled {
		host, port = c.cfg.resolverEndpoint()
	}

	return c.dialer.Dial(ctx, c.dialParams(host, port))
}

// dialNode opens a connection to node.
//
// Behind an address resolver the broker that answers a dial is not under the
// client's control, so the resolver endpoint is dialed until the connection
// reports node as its address, at most nodeselect.MaxAttempts(md) times.
func (c *Client) dialNode(ctx context.Context, node Broker, md StreamMetadata) (Connection, error) {
	if !c.cfg.AddressResolver.Enabled {
		conn, err := c.dialer.Dial(ctx, c.dialParams(node.Host, node.Port))
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", node.Address(), err)
		}

		return conn, nil
	}

	host, port := c.cfg.resolverEndpoint()
	maxAttempts := nodeselect.MaxAttempts(md)
	bo := backoff.Backoff{
		Base: c.cfg.ResolverBackoff.Base,
		Max:  c.cfg.ResolverBackoff.Max,
		RNG:  c.jitterRNG(),
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conn, err := c.dialer.Dial(ctx, c.dialParams(host, port))
		if err == nil {
			info := conn.ConnectionInfo()
			if info.Host == node.Host && info.Port == node.Port {
				c.metrics.RecordResolverAttempts(attempt, true)
				return conn, nil
			}
			c.logger.Debug("address resolver landed on another broker",
				"want", node.Address(),
				"got", Broker{Host: info.Host, Port: info.Port}.Address(),
				"attempt", attempt,
			)
			_ = conn.Close(ctx, CloseParams{Code: ResponseCodeOK, Reason: "address resolver mismatch"})
		} else {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Debug("address resolver dial failed", "attempt", attempt, "error", err)
		}

		if attempt < maxAttempts {
			if err := bo.Wait(ctx); err != nil {
				return nil, err
			}
		}
	}

	c.metrics.RecordResolverAttempts(maxAttempts, false)

	return nil, &BrokerNotReachableError{Host: node.Host, Port: node.Port, Attempts: maxAttempts}
}

func (c *Client) dialParams(host string, port int) DialParams {
	return DialParams{
		Host:           host,
		Port:           port,
		Username:       c.cfg.Username,
		Password:       c.cfg.Password,
		VHost:          c.cfg.VHost,
		ConnectionName: c.cfg.ConnectionName,
		FrameMax:       c.cfg.FrameMax,
		Heartbeat:      c.cfg.Heartbeat,
	}
}

// jitterRNG returns a private generator seeded from the client source, or nil
// for the package-level one.
func (c *Client) jitterRNG() *rand.Rand {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()

	if c.rng == nil {
		return nil
	}

	return rand.New(rand.NewPCG(c.rng.Uint64(), c.rng.Uint64())) //nolint:gosec // backoff jitter
}
