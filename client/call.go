package client

import (
	"context"
	"time"

	"github.com/stormasm/toy-rpc/codec"
	"github.com/stormasm/toy-rpc/message"
)

// Call is the handle for one in-flight RPC. Exactly one of a response, a
// local cancellation, a server timeout, or a connection failure resolves it.
// Dropping an unresolved handle does not cancel the call; only Cancel does.
type Call struct {
	id     message.MessageID
	client *Client

	// result and err are written by the broker before done closes; the
	// channel close publishes them.
	done   chan struct{}
	result *codec.Deferred
	err    error
}

// ID returns the call's message id.
func (c *Call) ID() message.MessageID { return c.id }

// Done closes when the call resolves.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result blocks until the call resolves, then decodes the response body into
// out (out may be nil to discard the result).
func (c *Call) Result(out any) error {
	<-c.done
	return c.deliver(out)
}

// ResultContext is Result bounded by ctx. The call stays in flight if ctx
// expires first; resolve it later or Cancel it.
func (c *Call) ResultContext(ctx context.Context, out any) error {
	select {
	case <-c.done:
		return c.deliver(out)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Call) deliver(out any) error {
	if c.err != nil {
		return c.err
	}
	if out == nil {
		return nil
	}
	return c.result.Decode(out)
}

// Cancel resolves the call locally with Canceled and sends a cancel frame to
// the server. Cancelling an already-resolved call is a no-op.
func (c *Call) Cancel() {
	c.client.sendEvent(cancelCallEvent{id: c.id})
}

// resolve delivers the outcome exactly once. Only the broker calls it.
func (c *Call) resolve(result *codec.Deferred, err error) {
	c.result = result
	c.err = err
	close(c.done)
}

// Call starts an RPC to "service.method" with the given argument and returns
// its handle. The call has no deadline.
func (c *Client) Call(serviceMethod string, args any) *Call {
	return c.startCall(serviceMethod, args, 0, false)
}

// CallWithTimeout starts an RPC with a per-call deadline enforced by the
// server. A timeout hint frame precedes the request on the wire. A zero
// timeout is a real deadline, not "no deadline": the server reports
// Timeout without waiting on the handler.
func (c *Client) CallWithTimeout(serviceMethod string, args any, timeout time.Duration) *Call {
	return c.startCall(serviceMethod, args, timeout, true)
}

func (c *Client) startCall(serviceMethod string, args any, timeout time.Duration, hasTimeout bool) *Call {
	call := &Call{id: c.allocID(), client: c, done: make(chan struct{})}
	ev := callEvent{call: call, serviceMethod: serviceMethod, args: args, timeout: timeout, hasTimeout: hasTimeout}
	if !c.sendEvent(ev) {
		call.resolve(nil, errClosed)
	}
	return call
}

// CallBlocking performs an RPC synchronously, decoding the response into
// reply.
func (c *Client) CallBlocking(serviceMethod string, args, reply any) error {
	return c.Call(serviceMethod, args).Result(reply)
}
