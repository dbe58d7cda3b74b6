package types

import "fmt"

// Command identifies a protocol request.
type Command uint16

// Commands understood by the session layer. Values follow the stream protocol key space.
const (
	CommandDeclarePublisher       Command = 0x0001
	CommandPublish                Command = 0x0002
	CommandQueryPublisherSequence Command = 0x0005
	CommandDeletePublisher        Command = 0x0006
	CommandSubscribe              Command = 0x0007
	CommandCredit                 Command = 0x0009
	CommandStoreOffset            Command = 0x000a
	CommandQueryOffset            Command = 0x000b
	CommandUnsubscribe            Command = 0x000c
	CommandCreateStream           Command = 0x000d
	CommandDeleteStream           Command = 0x000e
	CommandMetadata               Command = 0x000f
	CommandRoute                  Command = 0x0018
	CommandPartitions             Command = 0x0019
	CommandConsumerUpdate         Command = 0x001a
	CommandStreamStats            Command = 0x001c
	CommandCreateSuperStream      Command = 0x001d
	CommandDeleteSuperStream      Command = 0x001e
)

var commandNames = map[Command]string{
	CommandDeclarePublisher:       "declare publisher",
	CommandPublish:                "publish",
	CommandQueryPublisherSequence: "query publisher sequence",
	CommandDeletePublisher:        "delete publisher",
	CommandSubscribe:              "subscribe",
	CommandCredit:                 "credit",
	CommandStoreOffset:            "store offset",
	CommandQueryOffset:            "query offset",
	CommandUnsubscribe:            "unsubscribe",
	CommandCreateStream:           "create stream",
	CommandDeleteStream:           "delete stream",
	CommandMetadata:               "metadata",
	CommandRoute:                  "route",
	CommandPartitions:             "partitions",
	CommandConsumerUpdate:         "consumer update",
	CommandStreamStats:            "stream stats",
	CommandCreateSuperStream:      "create super stream",
	CommandDeleteSuperStream:      "delete super stream",
}

// String returns the human readable command name.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}

	return fmt.Sprintf("command(0x%04x)", uint16(c))
}

// ResponseCode is the status carried by every broker response.
type ResponseCode uint16

// Response codes defined by the stream protocol.
const (
	ResponseCodeOK                          ResponseCode = 1
	ResponseCodeStreamDoesNotExist          ResponseCode = 2
	ResponseCodeSubscriptionIDAlreadyExists ResponseCode = 3
	ResponseCodeSubscriptionIDDoesNotExist  ResponseCode = 4
	ResponseCodeStreamAlreadyExists         ResponseCode = 5
	ResponseCodeStreamNotAvailable          ResponseCode = 6
	ResponseCodeSASLMechanismNotSupported   ResponseCode = 7
	ResponseCodeAuthenticationFailure       ResponseCode = 8
	ResponseCodeSASLError                   ResponseCode = 9
	ResponseCodeSASLChallenge               ResponseCode = 10
	ResponseCodeSASLAuthFailureLoopback     ResponseCode = 11
	ResponseCodeVirtualHostAccessFailure    ResponseCode = 12
	ResponseCodeUnknownFrame                ResponseCode = 13
	ResponseCodeFrameTooLarge               ResponseCode = 14
	ResponseCodeInternalError               ResponseCode = 15
	ResponseCodeAccessRefused               ResponseCode = 16
	ResponseCodePreconditionFailed          ResponseCode = 17
	ResponseCodePublisherDoesNotExist       ResponseCode = 18
	ResponseCodeNoOffset                    ResponseCode = 19
)

var responseCodeNames = map[ResponseCode]string{
	ResponseCodeOK:                          "ok",
	ResponseCodeStreamDoesNotExist:          "stream does not exist",
	ResponseCodeSubscriptionIDAlreadyExists: "subscription id already exists",
	ResponseCodeSubscriptionIDDoesNotExist:  "subscription id does not exist",
	ResponseCodeStreamAlreadyExists:         "stream already exists",
	ResponseCodeStreamNotAvailable:          "stream not available",
	ResponseCodeSASLMechanismNotSupported:   "sasl mechanism not supported",
	ResponseCodeAuthenticationFailure:       "authentication failure",
	ResponseCodeSASLError:                   "sasl error",
	ResponseCodeSASLChallenge:               "sasl challenge",
	ResponseCodeSASLAuthFailureLoopback:     "sasl authentication failure loopback",
	ResponseCodeVirtualHostAccessFailure:    "virtual host access failure",
	ResponseCodeUnknownFrame:                "unknown frame",
	ResponseCodeFrameTooLarge:               "frame too large",
	ResponseCodeInternalError:               "internal error",
	ResponseCodeAccessRefused:               "access refused",
	ResponseCodePreconditionFailed:          "precondition failed",
	ResponseCodePublisherDoesNotExist:       "publisher does not exist",
	ResponseCodeNoOffset:                    "no offset",
}

// String returns the protocol name of the response code.
func (c ResponseCode) String() string {
	if name, ok := responseCodeNames[c]; ok {
		return name
	}

	return fmt.Sprintf("unknown response code %d", uint16(c))
}

// OK reports whether the code signals success.
func (c ResponseCode) OK() bool { return c == ResponseCodeOK }
