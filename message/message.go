// Package message defines the wire-level vocabulary shared by the server and
// client halves of the framework: message identifiers, request/response
// headers, the reserved control tokens, and the error taxonomy.
//
// Every logical message on a connection is a header followed by a body, each
// occupying one transport frame. Headers are small, codec-encoded structs;
// bodies are opaque until a consumer that knows the target type decodes them.
package message

import (
	"fmt"
	"strconv"
	"strings"
)

// MessageID identifies a request/response pair on one connection. It is
// allocated monotonically by the originator: the client for requests, the
// server for publication sequence numbers reused in publication headers.
type MessageID uint64

// RequestHeader precedes every client-to-server message and every
// server-initiated control message (publications, acks).
type RequestHeader struct {
	ID            MessageID `json:"id" msgpack:"id"`
	ServiceMethod string    `json:"service_method" msgpack:"service_method"`
}

// ResponseHeader precedes every RPC response.
type ResponseHeader struct {
	ID      MessageID `json:"id" msgpack:"id"`
	IsError bool      `json:"is_error" msgpack:"is_error"`
}

// AnyHeader is the union shape an inbound peer decodes before it knows which
// header it received. A non-empty ServiceMethod marks a request or control
// message; an empty one marks a response (empty methods are never valid on
// the wire).
type AnyHeader struct {
	ID            MessageID `json:"id" msgpack:"id"`
	ServiceMethod string    `json:"service_method,omitempty" msgpack:"service_method,omitempty"`
	IsError       bool      `json:"is_error,omitempty" msgpack:"is_error,omitempty"`
}

// IsResponse reports whether the header belongs to an RPC response.
func (h AnyHeader) IsResponse() bool { return h.ServiceMethod == "" }

// Reserved service_method values. They are dot-free (the topic-carrying ones
// gain a ".<topic>" suffix) so they can never collide with a real
// "service.method" name, which always contains a dot.
const (
	CancelToken      = "RPC_CANCEL"
	TimeoutToken     = "RPC_TIMEOUT"
	PublishToken     = "RPC_PUB"
	SubscribeToken   = "RPC_SUB"
	UnsubscribeToken = "RPC_UNSUB"
	AckToken         = "RPC_ACK"
)

// TokenDelim separates a reserved token from its topic suffix, and the
// service name from the method name in regular calls.
const TokenDelim = "."

// cancelBodyPrefix is the base of the cancellation body token "CANCEL.<id>".
const cancelBodyPrefix = "CANCEL"

// RequestKind classifies an inbound request header.
type RequestKind int

const (
	KindCall RequestKind = iota
	KindCancel
	KindRequestTimeout
	KindPublish
	KindSubscribe
	KindUnsubscribe
	KindAck
)

// Request is the classified form of a request header. Service/Method are set
// for KindCall, Topic for the pub/sub kinds.
type Request struct {
	Kind    RequestKind
	ID      MessageID
	Service string
	Method  string
	Topic   string
}

// Classify maps a request header onto its kind. Reserved tokens are matched
// first; anything else must be "service.method" (split at the last dot, so
// service names may themselves contain dots). A dot-free non-reserved value
// has no method and is answered with MethodNotFound.
func Classify(h RequestHeader) (Request, error) {
	switch h.ServiceMethod {
	case CancelToken:
		return Request{Kind: KindCancel, ID: h.ID}, nil
	case TimeoutToken:
		return Request{Kind: KindRequestTimeout, ID: h.ID}, nil
	case AckToken:
		return Request{Kind: KindAck, ID: h.ID}, nil
	}

	if topic, ok := cutToken(h.ServiceMethod, PublishToken); ok {
		return Request{Kind: KindPublish, ID: h.ID, Topic: topic}, nil
	}
	if topic, ok := cutToken(h.ServiceMethod, SubscribeToken); ok {
		return Request{Kind: KindSubscribe, ID: h.ID, Topic: topic}, nil
	}
	if topic, ok := cutToken(h.ServiceMethod, UnsubscribeToken); ok {
		return Request{Kind: KindUnsubscribe, ID: h.ID, Topic: topic}, nil
	}

	pos := strings.LastIndex(h.ServiceMethod, TokenDelim)
	if pos < 0 {
		return Request{}, NewError(KindMethodNotFound, h.ServiceMethod)
	}
	return Request{
		Kind:    KindCall,
		ID:      h.ID,
		Service: h.ServiceMethod[:pos],
		Method:  h.ServiceMethod[pos+1:],
	}, nil
}

// cutToken strips "<token>." from the front of s and returns the remainder.
func cutToken(s, token string) (string, bool) {
	rest, ok := strings.CutPrefix(s, token+TokenDelim)
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}

// TopicMethod builds the service_method value for a pub/sub control message,
// e.g. TopicMethod(PublishToken, "count") -> "RPC_PUB.count".
func TopicMethod(token, topic string) string {
	return token + TokenDelim + topic
}

// CancelBody builds the cancellation body token for a message id. The server
// validates the embedded id against the header id to reject forged cancels.
func CancelBody(id MessageID) string {
	return fmt.Sprintf("%s%s%d", cancelBodyPrefix, TokenDelim, id)
}

// ValidCancelBody reports whether body is a well-formed cancellation token
// whose embedded id matches id.
func ValidCancelBody(id MessageID, body string) bool {
	base, idStr, ok := strings.Cut(body, TokenDelim)
	if !ok || base != cancelBodyPrefix {
		return false
	}
	n, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return false
	}
	return MessageID(n) == id
}

// TimeoutBody is the body of a timeout-hint message: the per-call deadline as
// a duration in nanoseconds.
type TimeoutBody struct {
	Nanos int64 `json:"nanos" msgpack:"nanos"`
}
