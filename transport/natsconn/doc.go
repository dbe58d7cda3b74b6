// Package natsconn carries the stream session protocol over NATS.
//
// A Dialer produces types.Connection values whose requests and events travel
// as JSON envelopes on NATS subjects. A Gateway, running next to the broker,
// answers those subjects and forwards every session to a backend
// types.Dialer, typically one speaking the broker's native framing.
//
// Subjects, for the default prefix "rstream":
//
//	rstream.node.<host>.<port>.open   handshake, answered by the gateway queue group
//	rstream.conn.<id>.req             requests (request/reply or fire-and-forget)
//	rstream.conn.<id>.evt             broker events for the session
//	rstream.conn.<id>.close           session close
//
// Several gateways may list the same shared address (a load balancer
// address); the queue group makes exactly one of them answer each handshake,
// and the connection reports the node that actually served it.
package natsconn
