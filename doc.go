// Package rstream is the session layer of a stream-broker client: publishers and
// consumers multiplexed over pooled broker connections, with credit-based flow
// control, single-active-consumer rebalancing, super streams and failover.
//
// rstream does not encode frames itself. It drives any transport that
// implements the Connection and Dialer interfaces; transport/natsconn carries
// the protocol over NATS request/reply and the testing package provides an
// in-memory cluster.
//
// # Quick Start
//
//	import (
//	    "github.com/arloliu/rstream"
//	    "github.com/arloliu/rstream/transport/natsconn"
//	)
//
//	cfg := rstream.DefaultConfig()
//	cfg.Host = "broker-0"
//
//	client, err := rstream.Connect(ctx, &cfg, natsconn.NewDialer(natsURL))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close(context.Background())
//
//	pub, _ := client.DeclarePublisher(ctx, rstream.PublisherParams{Stream: "orders"})
//	_, _ = pub.Send(ctx, rstream.Message{Body: []byte("hello")})
//
// # Key Features
//
//   - Connection pooling: handles on the same (role, stream, broker, shard) share a connection
//   - Leader/replica placement: publishers write to the leader, consumers read from a random replica
//   - Id sharding: past 255 handles the client moves to the next pooled connection
//   - Credit flow: exactly one credit is granted per delivered chunk
//   - Filtering: server-side filter values plus a client-side post-filter (see package filter)
//   - Super streams: hash, consistent-hash or broker-bound routing across partitions
//   - Failover: Restart resumes every consumer from its local offset
//
// # Architecture
//
// Every connection has one dispatch goroutine reading its event stream in
// order. Deliveries, consumer updates and publish confirms are routed by
// handle id to the owning Consumer or Publisher; events for unknown ids are
// logged and counted.
//
//	Client ── locator connection (metadata, admin, queries)
//	   ├── Publisher ─┐
//	   ├── Publisher ─┼── pooled connection to stream leader ── dispatcher
//	   └── Consumer ──┴── pooled connection to a replica ────── dispatcher
//
// # Failover
//
// Hooks.OnConnectionClosed fires when the broker drops a connection. Call
// Restart from a separate goroutine to re-establish connections:
//
//	hooks := &rstream.Hooks{
//	    OnConnectionClosed: func(ctx context.Context, info rstream.ConnectionInfo, reason string) error {
//	        go func() { _ = client.Restart(context.Background()) }()
//	        return nil
//	    },
//	}
//
// See the examples/ directory for a complete working example.
package rstream
