package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		serviceMethod string
		want          Request
	}{
		{
			name:          "regular call",
			serviceMethod: "Arith.Add",
			want:          Request{Kind: KindCall, ID: 7, Service: "Arith", Method: "Add"},
		},
		{
			name:          "service name with dots",
			serviceMethod: "billing.v2.Invoices.Create",
			want:          Request{Kind: KindCall, ID: 7, Service: "billing.v2.Invoices", Method: "Create"},
		},
		{
			name:          "cancel",
			serviceMethod: CancelToken,
			want:          Request{Kind: KindCancel, ID: 7},
		},
		{
			name:          "timeout",
			serviceMethod: TimeoutToken,
			want:          Request{Kind: KindRequestTimeout, ID: 7},
		},
		{
			name:          "ack",
			serviceMethod: AckToken,
			want:          Request{Kind: KindAck, ID: 7},
		},
		{
			name:          "publish",
			serviceMethod: "RPC_PUB.count",
			want:          Request{Kind: KindPublish, ID: 7, Topic: "count"},
		},
		{
			name:          "publish with dotted topic",
			serviceMethod: "RPC_PUB.metrics.cpu",
			want:          Request{Kind: KindPublish, ID: 7, Topic: "metrics.cpu"},
		},
		{
			name:          "subscribe",
			serviceMethod: "RPC_SUB.count",
			want:          Request{Kind: KindSubscribe, ID: 7, Topic: "count"},
		},
		{
			name:          "unsubscribe",
			serviceMethod: "RPC_UNSUB.count",
			want:          Request{Kind: KindUnsubscribe, ID: 7, Topic: "count"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify(RequestHeader{ID: 7, ServiceMethod: tt.serviceMethod})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify_DotlessMethod(t *testing.T) {
	_, err := Classify(RequestHeader{ID: 1, ServiceMethod: "ping"})
	require.Error(t, err)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindMethodNotFound, e.Kind)
}

func TestCancelBody(t *testing.T) {
	body := CancelBody(42)
	assert.Equal(t, "CANCEL.42", body)

	assert.True(t, ValidCancelBody(42, body))
	assert.False(t, ValidCancelBody(43, body), "id mismatch must be rejected")
	assert.False(t, ValidCancelBody(42, "CANCEL.nope"))
	assert.False(t, ValidCancelBody(42, "FORGED.42"))
	assert.False(t, ValidCancelBody(42, "42"))
	assert.False(t, ValidCancelBody(42, ""))
}

func TestErrorBodyRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
	}{
		{name: "invalid argument", err: NewError(KindInvalidArgument, "bad arg")},
		{name: "service not found", err: NewError(KindServiceNotFound, "Foo")},
		{name: "method not found", err: NewError(KindMethodNotFound, "Arith.Sub")},
		{name: "execution", err: ExecutionError("div by zero")},
		{name: "timeout", err: TimeoutError(9)},
		{name: "canceled", err: CanceledError(11)},
		{name: "internal", err: NewError(KindInternal, "broken invariant")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromBody(tt.err.Body())
			assert.Equal(t, tt.err.Kind, got.Kind)
			assert.Equal(t, tt.err.Detail, got.Detail)
			assert.Equal(t, tt.err.ID, got.ID)
		})
	}
}

func TestErrorBody_NonWireKind(t *testing.T) {
	// Process-local kinds never leak onto the wire.
	b := NewError(KindIO, "socket reset").Body()
	assert.Equal(t, string(KindInternal), b.Kind)

	got := FromBody(ErrorBody{Kind: "future_kind", Detail: "x"})
	assert.Equal(t, KindInternal, got.Kind)
}

func TestAsError(t *testing.T) {
	parse := WrapError(KindParse, assert.AnError)
	assert.Equal(t, KindInvalidArgument, AsError(parse).Kind)

	assert.Equal(t, KindExecution, AsError(assert.AnError).Kind)

	timeout := TimeoutError(3)
	assert.Same(t, timeout, AsError(timeout))

	assert.Nil(t, AsError(nil))
}

func TestAnyHeader(t *testing.T) {
	assert.True(t, AnyHeader{ID: 1}.IsResponse())
	assert.False(t, AnyHeader{ID: 1, ServiceMethod: "Arith.Add"}.IsResponse())
}
