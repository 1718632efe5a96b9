package server

import (
	"context"
	"fmt"
	"reflect"

	"github.com/stormasm/toy-rpc/codec"
	"github.com/stormasm/toy-rpc/message"
)

// Handler is the erased shape every registered service reduces to: one
// callable that receives the method name and the deferred body and returns
// the result value or an error. Typed argument reconstruction happens inside
// the closure, so the dispatch site stays free of per-service generics and a
// body that fails to decode surfaces as an InvalidArgument response.
type Handler func(ctx context.Context, method string, body *codec.Deferred) (any, error)

var (
	typeOfContext = reflect.TypeOf((*context.Context)(nil)).Elem()
	typeOfError   = reflect.TypeOf((*error)(nil)).Elem()
)

type methodSpec struct {
	fn      reflect.Value
	argType reflect.Type
}

// buildHandler reflects over rcvr's exported methods of shape
//
//	func (s *S) Method(ctx context.Context, arg T) (R, error)
//
// and erases them into a Handler.
func buildHandler(name string, rcvr any) (Handler, error) {
	v := reflect.ValueOf(rcvr)
	t := v.Type()

	methods := make(map[string]methodSpec)
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if !m.IsExported() {
			continue
		}
		mt := m.Type
		// Receiver, context, argument in; result, error out.
		if mt.NumIn() != 3 || mt.NumOut() != 2 {
			continue
		}
		if mt.In(1) != typeOfContext || mt.Out(1) != typeOfError {
			continue
		}
		methods[m.Name] = methodSpec{fn: v.Method(i), argType: mt.In(2)}
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("service %q exports no methods of form Method(ctx, arg) (res, error)", name)
	}

	handler := func(ctx context.Context, method string, body *codec.Deferred) (any, error) {
		spec, ok := methods[method]
		if !ok {
			return nil, message.NewError(message.KindMethodNotFound, name+message.TokenDelim+method)
		}
		argPtr := reflect.New(spec.argType)
		if err := body.Decode(argPtr.Interface()); err != nil {
			return nil, err
		}
		out := spec.fn.Call([]reflect.Value{reflect.ValueOf(ctx), argPtr.Elem()})
		if errv := out[1].Interface(); errv != nil {
			return nil, errv.(error)
		}
		return out[0].Interface(), nil
	}
	return handler, nil
}

// defaultServiceName derives a registration name from the receiver's
// concrete type.
func defaultServiceName(rcvr any) string {
	t := reflect.Indirect(reflect.ValueOf(rcvr)).Type()
	return t.Name()
}
