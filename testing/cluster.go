package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/arloliu/rstream/types"
)

// Cluster simulates a stream broker cluster in memory.
//
// It answers the session-layer protocol (metadata, publishers, subscriptions,
// stream and super-stream administration, offsets) and hands out FakeConns
// through Dialer. Deliveries are not generated; tests inject them with
// FakeConn.Push so that timing stays under test control.
//
// Cluster is safe for concurrent use.
type Cluster struct {
	mu sync.Mutex

	nodes        []types.Broker
	loadBalancer *types.Broker
	lbNext       int

	filtering   bool
	mgmtVersion string
	maxFrame    uint32

	streams      map[string]types.StreamMetadata
	logs         map[string][]types.Message
	superStreams map[string]superStream
	offsets      map[string]uint64
	sequences    map[string]uint64

	// per connection state, reset by Restart of the physical link
	publishers    map[string]map[uint8]publisherState
	subscriptions map[string]map[uint8]string

	failures map[types.Command][]types.ResponseCode
	dialErrs []error
	conns    []*FakeConn
}

type superStream struct {
	partitions []string
	bindings   map[string]string
}

type publisherState struct {
	stream    string
	reference string
}

// ClusterOption configures a Cluster.
type ClusterOption func(*Cluster)

// WithFiltering sets whether connections report filtering support.
func WithFiltering(enabled bool) ClusterOption {
	return func(c *Cluster) { c.filtering = enabled }
}

// WithManagementVersion sets the management version reported by connections.
func WithManagementVersion(version string) ClusterOption {
	return func(c *Cluster) { c.mgmtVersion = version }
}

// WithMaxFrameSize sets the frame size reported by connections.
func WithMaxFrameSize(size uint32) ClusterOption {
	return func(c *Cluster) { c.maxFrame = size }
}

// WithLoadBalancer adds a proxy address; each dial to it lands on the next node
// in round-robin order and reports that node in ConnectionInfo.
func WithLoadBalancer(host string, port int) ClusterOption {
	return func(c *Cluster) { c.loadBalancer = &types.Broker{Host: host, Port: port} }
}

// NewCluster creates a cluster with the given nodes. With no nodes a single
// node "localhost:5552" is used.
func NewCluster(nodes []types.Broker, opts ...ClusterOption) *Cluster {
	if len(nodes) == 0 {
		nodes = []types.Broker{{Host: "localhost", Port: 5552}}
	}
	c := &Cluster{
		nodes:         nodes,
		filtering:     true,
		mgmtVersion:   "3.13.0",
		maxFrame:      1 << 20,
		streams:       make(map[string]types.StreamMetadata),
		logs:          make(map[string][]types.Message),
		superStreams:  make(map[string]superStream),
		offsets:       make(map[string]uint64),
		sequences:     make(map[string]uint64),
		publishers:    make(map[string]map[uint8]publisherState),
		subscriptions: make(map[string]map[uint8]string),
		failures:      make(map[types.Command][]types.ResponseCode),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Nodes returns the cluster nodes.
func (c *Cluster) Nodes() []types.Broker {
	return append([]types.Broker(nil), c.nodes...)
}

// AddStream registers a stream with explicit placement.
func (c *Cluster) AddStream(name string, leader *types.Broker, replicas ...types.Broker) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.streams[name] = types.StreamMetadata{Stream: name, Code: types.ResponseCodeOK, Leader: leader, Replicas: replicas}
}

// HasStream reports whether the stream exists.
func (c *Cluster) HasStream(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.streams[name]

	return ok
}

// SuperStreamPartitions returns the partitions of a super stream.
func (c *Cluster) SuperStreamPartitions(name string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.superStreams[name].partitions...)
}

// Log returns the messages published to a stream.
func (c *Cluster) Log(stream string) []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]types.Message(nil), c.logs[stream]...)
}

// SetStoredOffset presets the stored offset for a consumer reference.
func (c *Cluster) SetStoredOffset(reference, stream string, offset uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.offsets[reference+"@"+stream] = offset
}

// FailNext makes the next request with cmd answer code.
func (c *Cluster) FailNext(cmd types.Command, code types.ResponseCode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures[cmd] = append(c.failures[cmd], code)
}

// FailDial makes the next dial return err.
func (c *Cluster) FailDial(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dialErrs = append(c.dialErrs, err)
}

// Conns returns every connection dialed so far, in dial order.
func (c *Cluster) Conns() []*FakeConn {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*FakeConn(nil), c.conns...)
}

// ConnsTo returns the connections attached to host.
func (c *Cluster) ConnsTo(host string) []*FakeConn {
	var out []*FakeConn
	for _, conn := range c.Conns() {
		if conn.ConnectionInfo().Host == host {
			out = append(out, conn)
		}
	}

	return out
}

// Dialer returns a types.Dialer producing FakeConns bound to this cluster.
func (c *Cluster) Dialer() types.Dialer {
	return types.DialerFunc(c.dial)
}

func (c *Cluster) dial(ctx context.Context, params types.DialParams) (types.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if len(c.dialErrs) > 0 {
		err := c.dialErrs[0]
		c.dialErrs = c.dialErrs[1:]
		c.mu.Unlock()

		return nil, err
	}

	var node *types.Broker
	if c.loadBalancer != nil && params.Host == c.loadBalancer.Host && params.Port == c.loadBalancer.Port {
		n := c.nodes[c.lbNext%len(c.nodes)]
		c.lbNext++
		node = &n
	} else {
		for i := range c.nodes {
			if c.nodes[i].Host == params.Host && c.nodes[i].Port == params.Port {
				node = &c.nodes[i]
				break
			}
		}
	}
	if node == nil {
		c.mu.Unlock()

		return nil, fmt.Errorf("dial %s:%d: connection refused", params.Host, params.Port)
	}

	conn := NewFakeConn(FakeConnConfig{
		Host:              node.Host,
		Port:              node.Port,
		Filtering:         c.filtering,
		MaxFrameSize:      c.maxFrame,
		ServerVersions:    []string{"1", "2"},
		ManagementVersion: c.mgmtVersion,
		Responder:         c.respond,
	})
	c.conns = append(c.conns, conn)
	c.mu.Unlock()

	return &clusterConn{FakeConn: conn, cluster: c}, nil
}

// clusterConn resets broker-side per-connection state when the link restarts.
type clusterConn struct {
	*FakeConn
	cluster *Cluster
}

// Restart drops the publishers and subscriptions held by the old link.
func (cc *clusterConn) Restart(ctx context.Context) error {
	if err := cc.FakeConn.Restart(ctx); err != nil {
		return err
	}
	cc.cluster.mu.Lock()
	delete(cc.cluster.publishers, cc.ID())
	delete(cc.cluster.subscriptions, cc.ID())
	cc.cluster.mu.Unlock()

	return nil
}

// Unwrap returns the underlying FakeConn.
func (cc *clusterConn) Unwrap() *FakeConn { return cc.FakeConn }

// AsFake returns the FakeConn behind a connection produced by a Cluster or NewFakeConn.
func AsFake(conn types.Connection) *FakeConn {
	switch c := conn.(type) {
	case *FakeConn:
		return c
	case *clusterConn:
		return c.FakeConn
	default:
		return nil
	}
}

func ok() *types.Response { return &types.Response{Code: types.ResponseCodeOK} }

func code(rc types.ResponseCode) *types.Response { return &types.Response{Code: rc} }

func (c *Cluster) respond(conn *FakeConn, req types.Request) *types.Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	if queued := c.failures[req.Command()]; len(queued) > 0 {
		c.failures[req.Command()] = queued[1:]

		return code(queued[0])
	}

	switch r := req.(type) {
	case types.MetadataRequest:
		resp := ok()
		for _, name := range r.Streams {
			md, exists := c.streams[name]
			if !exists {
				md = types.StreamMetadata{Stream: name, Code: types.ResponseCodeStreamDoesNotExist}
			}
			resp.Metadata = append(resp.Metadata, md)
		}

		return resp

	case types.PartitionsQuery:
		ss, exists := c.superStreams[r.SuperStream]
		if !exists {
			return code(types.ResponseCodeStreamDoesNotExist)
		}
		resp := ok()
		resp.Streams = append([]string(nil), ss.partitions...)

		return resp

	case types.RouteQuery:
		ss, exists := c.superStreams[r.SuperStream]
		if !exists {
			return code(types.ResponseCodeStreamDoesNotExist)
		}
		resp := ok()
		if partition, bound := ss.bindings[r.RoutingKey]; bound {
			resp.Streams = []string{partition}
		}

		return resp

	case types.DeclarePublisherRequest:
		if _, exists := c.streams[r.Stream]; !exists {
			return code(types.ResponseCodeStreamDoesNotExist)
		}
		pubs := c.publishers[conn.ID()]
		if pubs == nil {
			pubs = make(map[uint8]publisherState)
			c.publishers[conn.ID()] = pubs
		}
		if _, dup := pubs[r.PublisherID]; dup {
			return code(types.ResponseCodePreconditionFailed)
		}
		pubs[r.PublisherID] = publisherState{stream: r.Stream, reference: r.Reference}

		return ok()

	case types.DeletePublisherRequest:
		pubs := c.publishers[conn.ID()]
		if _, exists := pubs[r.PublisherID]; !exists {
			return code(types.ResponseCodePublisherDoesNotExist)
		}
		delete(pubs, r.PublisherID)

		return ok()

	case types.PublishRequest:
		pub, exists := c.publishers[conn.ID()][r.PublisherID]
		if !exists {
			return code(types.ResponseCodePublisherDoesNotExist)
		}
		ids := make([]uint64, 0, len(r.Messages))
		for _, msg := range r.Messages {
			msg.Offset = uint64(len(c.logs[pub.stream]))
			c.logs[pub.stream] = append(c.logs[pub.stream], msg)
			ids = append(ids, msg.PublishingID)
			if pub.reference != "" && msg.PublishingID > c.sequences[pub.reference+"@"+pub.stream] {
				c.sequences[pub.reference+"@"+pub.stream] = msg.PublishingID
			}
		}
		select {
		case conn.events <- types.PublishConfirmEvent{PublisherID: r.PublisherID, PublishingIDs: ids}:
		default:
		}

		return ok()

	case types.QueryPublisherSequenceRequest:
		resp := ok()
		resp.Value = c.sequences[r.Reference+"@"+r.Stream]

		return resp

	case types.SubscribeRequest:
		if _, exists := c.streams[r.Stream]; !exists {
			return code(types.ResponseCodeStreamDoesNotExist)
		}
		subs := c.subscriptions[conn.ID()]
		if subs == nil {
			subs = make(map[uint8]string)
			c.subscriptions[conn.ID()] = subs
		}
		if _, dup := subs[r.SubscriptionID]; dup {
			return code(types.ResponseCodeSubscriptionIDAlreadyExists)
		}
		subs[r.SubscriptionID] = r.Stream

		return ok()

	case types.UnsubscribeRequest:
		subs := c.subscriptions[conn.ID()]
		if _, exists := subs[r.SubscriptionID]; !exists {
			return code(types.ResponseCodeSubscriptionIDDoesNotExist)
		}
		delete(subs, r.SubscriptionID)

		return ok()

	case types.StoreOffsetRequest:
		c.offsets[r.Reference+"@"+r.Stream] = r.Offset

		return ok()

	case types.QueryOffsetRequest:
		offset, exists := c.offsets[r.Reference+"@"+r.Stream]
		if !exists {
			return code(types.ResponseCodeNoOffset)
		}
		resp := ok()
		resp.Value = offset

		return resp

	case types.CreateStreamRequest:
		if _, exists := c.streams[r.Stream]; exists {
			return code(types.ResponseCodeStreamAlreadyExists)
		}
		c.createStreamLocked(r.Stream)

		return ok()

	case types.DeleteStreamRequest:
		if _, exists := c.streams[r.Stream]; !exists {
			return code(types.ResponseCodeStreamDoesNotExist)
		}
		delete(c.streams, r.Stream)
		delete(c.logs, r.Stream)

		return ok()

	case types.CreateSuperStreamRequest:
		if _, exists := c.superStreams[r.Name]; exists {
			return code(types.ResponseCodeStreamAlreadyExists)
		}
		ss := superStream{partitions: append([]string(nil), r.Partitions...), bindings: make(map[string]string)}
		for i, partition := range r.Partitions {
			c.createStreamLocked(partition)
			if i < len(r.BindingKeys) {
				ss.bindings[r.BindingKeys[i]] = partition
			}
		}
		c.superStreams[r.Name] = ss

		return ok()

	case types.DeleteSuperStreamRequest:
		ss, exists := c.superStreams[r.Name]
		if !exists {
			return code(types.ResponseCodeStreamDoesNotExist)
		}
		for _, partition := range ss.partitions {
			delete(c.streams, partition)
			delete(c.logs, partition)
		}
		delete(c.superStreams, r.Name)

		return ok()

	case types.StreamStatsRequest:
		if _, exists := c.streams[r.Stream]; !exists {
			return code(types.ResponseCodeStreamDoesNotExist)
		}
		resp := ok()
		n := int64(len(c.logs[r.Stream]))
		resp.Stats = map[string]int64{"first_chunk_id": 0, "committed_chunk_id": max(n-1, 0)}

		return resp

	default:
		// credit and consumer-update replies are fire-and-forget
		return ok()
	}
}

// createStreamLocked places a new stream: leader on the first node, replicas on the rest.
func (c *Cluster) createStreamLocked(name string) {
	leader := c.nodes[0]
	c.streams[name] = types.StreamMetadata{
		Stream:   name,
		Code:     types.ResponseCodeOK,
		Leader:   &leader,
		Replicas: append([]types.Broker(nil), c.nodes[1:]...),
	}
}
