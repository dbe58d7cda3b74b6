// Package testing provides test utilities for rstream.
//
// It follows Go's convention of providing testing utilities in a dedicated
// package (similar to net/http/httptest).
//
// Key utilities:
//   - Cluster: in-memory broker cluster answering the session protocol, with a
//     Dialer producing FakeConns and an optional load-balancer address
//   - FakeConn: scriptable types.Connection recording every request
//   - StartEmbeddedNATS: in-process NATS server for the NATS transport
//   - NewTestLogger: types.Logger writing through testing.T
//
// Example usage:
//
//	import (
//	    "testing"
//	    rstesting "github.com/arloliu/rstream/testing"
//	)
//
//	func TestMyComponent(t *testing.T) {
//	    cluster := rstesting.NewCluster(nil)
//	    cluster.AddStream("orders", &cluster.Nodes()[0])
//	    cfg := rstream.TestConfig()
//	    client, err := rstream.Connect(t.Context(), &cfg, cluster.Dialer())
//	}
package testing
