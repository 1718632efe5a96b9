package message

import (
	"errors"
	"fmt"
)

// Kind is the stable, user-visible identifier of an error category. Kinds in
// the wire set travel as response bodies; KindIO and KindParse never leave
// the process (parse failures are mapped to KindInvalidArgument before they
// reach the writer).
type Kind string

const (
	KindIO              Kind = "io_error"
	KindParse           Kind = "parse_error"
	KindInvalidArgument Kind = "invalid_argument"
	KindServiceNotFound Kind = "service_not_found"
	KindMethodNotFound  Kind = "method_not_found"
	KindExecution       Kind = "execution_error"
	KindTimeout         Kind = "timeout"
	KindCanceled        Kind = "canceled"
	KindInternal        Kind = "internal"
)

// Error is the framework error type. Per-call errors are surfaced to the
// client as response bodies and never terminate the connection; transport
// errors (KindIO) tear the connection down.
type Error struct {
	Kind   Kind
	Detail string
	ID     MessageID // set for timeout/canceled, zero otherwise
	cause  error
}

// NewError builds an error of the given kind with a detail message.
func NewError(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// WrapError builds an error of the given kind around an underlying cause.
func WrapError(kind Kind, cause error) *Error {
	if cause == nil {
		return &Error{Kind: kind}
	}
	return &Error{Kind: kind, Detail: cause.Error(), cause: cause}
}

// ExecutionError reports a handler failure; the text is propagated verbatim
// to the caller.
func ExecutionError(detail string) *Error {
	return &Error{Kind: KindExecution, Detail: detail}
}

// TimeoutError reports that the call with the given id exceeded its deadline.
func TimeoutError(id MessageID) *Error {
	return &Error{Kind: KindTimeout, ID: id}
}

// CanceledError reports cooperative cancellation of the call with the given id.
func CanceledError(id MessageID) *Error {
	return &Error{Kind: KindCanceled, ID: id}
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.ID != 0:
		return fmt.Sprintf("%s (id %d): %s", e.Kind, e.ID, e.Detail)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.ID != 0:
		return fmt.Sprintf("%s (id %d)", e.Kind, e.ID)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two framework errors by kind, so callers can test
// errors.Is(err, message.NewError(message.KindTimeout, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// AsError coerces any error into a framework error. Parse failures become
// InvalidArgument (a bad argument is the usual cause); unknown errors become
// ExecutionError so handler failures propagate verbatim.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindParse {
			return WrapError(KindInvalidArgument, e)
		}
		return e
	}
	return ExecutionError(err.Error())
}

// ErrorBody is the wire form of an Error, sent as the body of a response
// whose header has is_error set.
type ErrorBody struct {
	Kind   string    `json:"kind" msgpack:"kind"`
	Detail string    `json:"detail,omitempty" msgpack:"detail,omitempty"`
	ID     MessageID `json:"id,omitempty" msgpack:"id,omitempty"`
}

// wireKinds is the set of kinds allowed to appear on the wire.
var wireKinds = map[Kind]struct{}{
	KindInvalidArgument: {},
	KindServiceNotFound: {},
	KindMethodNotFound:  {},
	KindExecution:       {},
	KindTimeout:         {},
	KindCanceled:        {},
	KindInternal:        {},
}

// Body converts an error into its wire form. Kinds outside the wire set are
// reported as internal errors rather than leaking process-local categories.
func (e *Error) Body() ErrorBody {
	kind := e.Kind
	if _, ok := wireKinds[kind]; !ok {
		kind = KindInternal
	}
	return ErrorBody{Kind: string(kind), Detail: e.Detail, ID: e.ID}
}

// FromBody reconstructs an Error from its wire form. Unknown kinds decode as
// internal errors so a newer peer cannot crash an older one.
func FromBody(b ErrorBody) *Error {
	kind := Kind(b.Kind)
	if _, ok := wireKinds[kind]; !ok {
		kind = KindInternal
	}
	return &Error{Kind: kind, Detail: b.Detail, ID: b.ID}
}
