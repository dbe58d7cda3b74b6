package natsconn

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/arloliu/rstream/types"
)

// Subject suffixes of a connection session.
const (
	suffixRequest = "req"
	suffixEvents  = "evt"
	suffixClose   = "close"
)

// Event kinds carried in eventEnvelope.
const (
	kindDelivery         = "delivery"
	kindFilteredDelivery = "filtered_delivery"
	kindConsumerUpdate   = "consumer_update"
	kindPublishConfirm   = "publish_confirm"
	kindPublishError     = "publish_error"
	kindConnectionClosed = "connection_closed"
)

var (
	// ErrUnknownCommand is returned when a request envelope names a command
	// this package cannot decode.
	ErrUnknownCommand = errors.New("natsconn: unknown command")

	// ErrUnknownEvent is returned for an event envelope of unknown kind.
	ErrUnknownEvent = errors.New("natsconn: unknown event")
)

type requestEnvelope struct {
	Command types.Command   `json:"command"`
	Body    json.RawMessage `json:"body"`
}

type replyEnvelope struct {
	Response *types.Response `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
	Closed   bool            `json:"closed,omitempty"`
}

type eventEnvelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// openRequest is the handshake a client sends to a node subject. Restart
// re-attaches an existing session to a fresh broker link.
type openRequest struct {
	ConnectionID   string `json:"connectionId"`
	Restart        bool   `json:"restart,omitempty"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	VHost          string `json:"vhost,omitempty"`
	ConnectionName string `json:"connectionName,omitempty"`
	FrameMax       uint32 `json:"frameMax,omitempty"`
	HeartbeatMs    int64  `json:"heartbeatMs,omitempty"`
}

type openResponse struct {
	Error             string   `json:"error,omitempty"`
	Host              string   `json:"host"`
	Port              int      `json:"port"`
	MaxFrameSize      uint32   `json:"maxFrameSize"`
	Filtering         bool     `json:"filtering"`
	ServerVersions    []string `json:"serverVersions"`
	ManagementVersion string   `json:"managementVersion"`
}

var requestDecoders = map[types.Command]func(json.RawMessage) (types.Request, error){
	types.CommandMetadata:               decodeRequestAs[types.MetadataRequest],
	types.CommandPartitions:             decodeRequestAs[types.PartitionsQuery],
	types.CommandRoute:                  decodeRequestAs[types.RouteQuery],
	types.CommandDeclarePublisher:       decodeRequestAs[types.DeclarePublisherRequest],
	types.CommandDeletePublisher:        decodeRequestAs[types.DeletePublisherRequest],
	types.CommandPublish:                decodeRequestAs[types.PublishRequest],
	types.CommandQueryPublisherSequence: decodeRequestAs[types.QueryPublisherSequenceRequest],
	types.CommandSubscribe:              decodeRequestAs[types.SubscribeRequest],
	types.CommandUnsubscribe:            decodeRequestAs[types.UnsubscribeRequest],
	types.CommandCredit:                 decodeRequestAs[types.CreditRequest],
	types.CommandConsumerUpdate:         decodeRequestAs[types.ConsumerUpdateReply],
	types.CommandStoreOffset:            decodeRequestAs[types.StoreOffsetRequest],
	types.CommandQueryOffset:            decodeRequestAs[types.QueryOffsetRequest],
	types.CommandCreateStream:           decodeRequestAs[types.CreateStreamRequest],
	types.CommandDeleteStream:           decodeRequestAs[types.DeleteStreamRequest],
	types.CommandCreateSuperStream:      decodeRequestAs[types.CreateSuperStreamRequest],
	types.CommandDeleteSuperStream:      decodeRequestAs[types.DeleteSuperStreamRequest],
	types.CommandStreamStats:            decodeRequestAs[types.StreamStatsRequest],
}

var eventDecoders = map[string]func(json.RawMessage) (types.Event, error){
	kindDelivery:         decodeEventAs[types.DeliveryEvent],
	kindFilteredDelivery: decodeEventAs[types.FilteredDeliveryEvent],
	kindConsumerUpdate:   decodeEventAs[types.ConsumerUpdateEvent],
	kindPublishConfirm:   decodeEventAs[types.PublishConfirmEvent],
	kindPublishError:     decodeEventAs[types.PublishErrorEvent],
	kindConnectionClosed: decodeEventAs[types.ConnectionClosedEvent],
}

func encodeRequest(req types.Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("natsconn: encode %s: %w", req.Command(), err)
	}

	return json.Marshal(requestEnvelope{Command: req.Command(), Body: body})
}

func decodeRequest(data []byte) (types.Request, error) {
	var env requestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("natsconn: decode request: %w", err)
	}
	decode, ok := requestDecoders[env.Command]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, env.Command)
	}

	return decode(env.Body)
}

func decodeRequestAs[T types.Request](body json.RawMessage) (types.Request, error) {
	var req T
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("natsconn: decode %s: %w", req.Command(), err)
	}

	return req, nil
}

func encodeEvent(ev types.Event) ([]byte, error) {
	var kind string
	switch ev.(type) {
	case types.DeliveryEvent:
		kind = kindDelivery
	case types.FilteredDeliveryEvent:
		kind = kindFilteredDelivery
	case types.ConsumerUpdateEvent:
		kind = kindConsumerUpdate
	case types.PublishConfirmEvent:
		kind = kindPublishConfirm
	case types.PublishErrorEvent:
		kind = kindPublishError
	case types.ConnectionClosedEvent:
		kind = kindConnectionClosed
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("natsconn: encode %s: %w", kind, err)
	}

	return json.Marshal(eventEnvelope{Kind: kind, Body: body})
}

func decodeEvent(data []byte) (types.Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("natsconn: decode event: %w", err)
	}
	decode, ok := eventDecoders[env.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Kind)
	}

	return decode(env.Body)
}

func decodeEventAs[T types.Event](body json.RawMessage) (types.Event, error) {
	var ev T
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("natsconn: decode event: %w", err)
	}

	return ev, nil
}

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// nodeSubject is where gateways serving host:port accept handshakes.
func nodeSubject(prefix, host string, port int) string {
	return prefix + ".node." + subjectReplacer.Replace(host) + "." + strconv.Itoa(port) + ".open"
}

// connSubject addresses one session.
func connSubject(prefix, connID, suffix string) string {
	return prefix + ".conn." + connID + "." + suffix
}
