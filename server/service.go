package server

import (
	"fmt"
	"reflect"

	"binrpc/rpc"
)

type methodType struct {
	method    reflect.Method
	name      rpc.ServiceName
	hasCtx    bool
	ArgTypes  []reflect.Type
	ReplyType reflect.Type // nil when the method returns only error
}

type service struct {
	provider string
	version  int32
	rcvr     reflect.Value
	typ      reflect.Type
	methods  map[string]*methodType // signature → method
}

// newService scans rcvr's exported methods and keeps those of the form
// func(ctx?, args...) (R?, error).
func newService(provider string, version int32, rcvr any) (*service, error) {
	if provider == "" {
		return nil, &rpc.RegistrationError{Type: fmt.Sprintf("%T", rcvr), Reason: "empty provider name"}
	}
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return nil, &rpc.RegistrationError{Type: fmt.Sprintf("%T", rcvr), Reason: "receiver must be a pointer"}
	}

	svc := &service{
		provider: provider,
		version:  version,
		rcvr:     reflect.ValueOf(rcvr),
		typ:      typ,
		methods:  make(map[string]*methodType),
	}
	svc.registerMethods()
	if len(svc.methods) == 0 {
		return nil, &rpc.RegistrationError{Type: typ.String(), Reason: "no exported methods of the form func(ctx?, args...) (R?, error)"}
	}
	return svc, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.IsVariadic() {
			continue
		}

		// In(0) is the receiver.
		in := make([]reflect.Type, 0, mt.NumIn()-1)
		for j := 1; j < mt.NumIn(); j++ {
			in = append(in, mt.In(j))
		}
		hasCtx := len(in) > 0 && rpc.IsContext(in[0])
		if hasCtx {
			in = in[1:]
		}

		var reply reflect.Type
		switch {
		case mt.NumOut() == 1 && rpc.IsError(mt.Out(0)):
		case mt.NumOut() == 2 && rpc.IsError(mt.Out(1)):
			reply = mt.Out(0)
		default:
			continue
		}

		name := rpc.ServiceName{Module: s.provider, Signature: rpc.Signature(method.Name, in), Version: s.version}
		s.methods[name.Signature] = &methodType{
			method:    method,
			name:      name,
			hasCtx:    hasCtx,
			ArgTypes:  in,
			ReplyType: reply,
		}
	}
}

// call invokes the method via reflection and returns its reply (if any)
// and error.
func (s *service) call(mt *methodType, ctx reflect.Value, args []reflect.Value) (reflect.Value, error) {
	in := make([]reflect.Value, 0, len(args)+2)
	in = append(in, s.rcvr)
	if mt.hasCtx {
		in = append(in, ctx)
	}
	in = append(in, args...)

	results := mt.method.Func.Call(in)
	errv := results[len(results)-1]
	var err error
	if !errv.IsNil() {
		err = errv.Interface().(error)
	}
	if mt.ReplyType == nil {
		return reflect.Value{}, err
	}
	return results[0], err
}
