package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"mini-jsonrpc/codec"
	"mini-jsonrpc/message"
)

// Typed adapts a function with concrete params and result types into a
// Handler. Params that do not decode into P are answered with
// "invalid params".
func Typed[P, R any](fn func(ctx context.Context, params P) (R, error)) Handler {
	return TypedWith(nil, fn)
}

// TypedWith is Typed decoding params with c instead of codec.Default.
func TypedWith[P, R any](c codec.Codec, fn func(ctx context.Context, params P) (R, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params P
		if err := decodeParams(c, raw, &params); err != nil {
			return nil, err
		}
		return fn(ctx, params)
	}
}

func decodeParams(c codec.Codec, raw json.RawMessage, v any) error {
	if c == nil {
		c = codec.Default
	}
	if err := c.Unmarshal(raw, v); err != nil {
		return message.Errorf(message.CodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}

type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// newService inspects rcvr and collects its exported methods of the form
//
//	func (t *T) Method(args *Args, reply *Reply) error
//	func (t *T) Method(ctx context.Context, args *Args, reply *Reply) error
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	svc := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	svc.registerMethods()
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("server: %s has no methods of the form Method(*Args, *Reply) error", svc.name)
	}
	return svc, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}

		first := 1
		withCtx := mt.NumIn() == 4 && mt.In(1) == contextType
		if withCtx {
			first = 2
		} else if mt.NumIn() != 3 {
			continue
		}
		if mt.In(first).Kind() != reflect.Ptr || mt.In(first+1).Kind() != reflect.Ptr {
			continue
		}

		s.method[method.Name] = &methodType{
			method:    method,
			withCtx:   withCtx,
			ArgType:   mt.In(first).Elem(),
			ReplyType: mt.In(first + 1).Elem(),
		}
	}
}

// handler builds the Handler serving one method: decode params into a
// fresh *Args, call, return the *Reply.
func (s *service) handler(mType *methodType, c codec.Codec) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		argv := reflect.New(mType.ArgType)
		replyv := reflect.New(mType.ReplyType)
		if err := decodeParams(c, raw, argv.Interface()); err != nil {
			return nil, err
		}

		in := []reflect.Value{s.rcvr}
		if mType.withCtx {
			in = append(in, reflect.ValueOf(ctx))
		}
		in = append(in, argv, replyv)
		results := mType.method.Func.Call(in)
		if !results[0].IsNil() {
			return nil, results[0].Interface().(error)
		}
		return replyv.Interface(), nil
	}
}

// RegisterService registers every suitable exported method of rcvr under
// "Type.Method", e.g. &Arith{} serves "Arith.Add".
func (s *Server) RegisterService(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	for name, mType := range svc.method {
		if err := s.Register(svc.name+"."+name, svc.handler(mType, s.codec)); err != nil {
			return err
		}
	}
	return nil
}
