package rpc

import (
	"context"
	"fmt"
	"hash/fnv"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"binrpc/codec"
)

// Service marks a stub struct and carries its metadata in the field tag:
//
//	type ArithStub struct {
//		_   rpc.Service `rpc:"arith,version=1"`
//		Add func(ctx context.Context, a, b int) (int, error)
//	}
type Service struct{}

var serviceType = reflect.TypeOf(Service{})

// Invoker issues calls for proxies. *Engine implements it.
type Invoker interface {
	Call(ctx context.Context, name ServiceName, args []byte) ([]byte, error)
	Go(name ServiceName, args []byte, callback func([]byte)) (*PendingCall, error)
}

// ProxyFactory turns stub structs into remote proxies by filling their
// function fields with dispatchers.
type ProxyFactory struct {
	invoker Invoker
	codec   codec.Codec
	logger  *zap.Logger

	mu    sync.RWMutex
	stubs map[reflect.Type]any
}

func NewProxyFactory(invoker Invoker, c codec.Codec, logger *zap.Logger) *ProxyFactory {
	if logger == nil {
		logger = zap.L()
	}
	return &ProxyFactory{
		invoker: invoker,
		codec:   c,
		logger:  logger.Named("proxy"),
		stubs:   make(map[reflect.Type]any),
	}
}

// remoteMethod is the validated shape of one stub field.
type remoteMethod struct {
	field    int
	name     ServiceName
	typ      reflect.Type
	hasCtx   bool
	async    bool
	params   []reflect.Type
	result   reflect.Type // nil when the method returns only error
	callback reflect.Type // parameter type of the async callback
}

type stubPlan struct {
	value    reflect.Value
	typ      reflect.Type
	provider string
	version  int32
	methods  []remoteMethod
	locals   []int
}

// Register validates every stub and then fills them. Nothing is filled when
// any stub is invalid.
func (f *ProxyFactory) Register(stubs ...any) error {
	plans := make([]*stubPlan, 0, len(stubs))
	for _, stub := range stubs {
		p, err := f.plan(stub)
		if err != nil {
			return err
		}
		plans = append(plans, p)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range plans {
		if _, dup := f.stubs[p.typ]; dup {
			return &RegistrationError{Type: p.typ.String(), Reason: "already registered"}
		}
	}
	for _, p := range plans {
		f.fill(p)
		f.stubs[p.typ] = p.value.Interface()
		f.logger.Debug("proxy registered",
			zap.String("stub", p.typ.String()), zap.String("provider", p.provider),
			zap.Int32("version", p.version), zap.Int("methods", len(p.methods)))
	}
	return nil
}

// Lookup returns the registered stub of type *T as any.
func (f *ProxyFactory) Lookup(stubType reflect.Type) (any, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.stubs[stubType]
	return s, ok
}

// Proxy returns the registered stub for *T.
func Proxy[T any](f *ProxyFactory) (*T, bool) {
	s, ok := f.Lookup(reflect.TypeOf((*T)(nil)))
	if !ok {
		return nil, false
	}
	return s.(*T), true
}

func (f *ProxyFactory) plan(stub any) (*stubPlan, error) {
	v := reflect.ValueOf(stub)
	if !v.IsValid() || v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return nil, &RegistrationError{Type: fmt.Sprintf("%T", stub), Reason: "stub must be a non-nil pointer to a struct"}
	}
	st := v.Elem().Type()
	p := &stubPlan{value: v, typ: v.Type()}
	fail := func(field, reason string, args ...any) error {
		return &RegistrationError{Type: st.String(), Field: field, Reason: fmt.Sprintf(reason, args...)}
	}

	marked := false
	for i := 0; i < st.NumField(); i++ {
		sf := st.Field(i)
		if sf.Type != serviceType {
			continue
		}
		provider, version, err := parseServiceTag(sf.Tag.Get("rpc"))
		if err != nil {
			return nil, fail("", "%v", err)
		}
		p.provider, p.version, marked = provider, version, true
	}
	if !marked {
		return nil, fail("", "missing rpc.Service marker field")
	}

	for i := 0; i < st.NumField(); i++ {
		sf := st.Field(i)
		if sf.Type == serviceType || !sf.IsExported() {
			continue
		}
		if sf.Type.Kind() != reflect.Func {
			return nil, fail(sf.Name, "field is not a method")
		}
		if isLocalMethod(sf) {
			p.locals = append(p.locals, i)
			continue
		}
		m, err := f.validateMethod(sf)
		if err != nil {
			return nil, fail(sf.Name, "%v", err)
		}
		m.field = i
		m.name = ServiceName{Module: p.provider, Signature: Signature(methodName(sf), m.params), Version: p.version}
		p.methods = append(p.methods, m)
	}
	return p, nil
}

// parseServiceTag reads `rpc:"provider,version=N"`.
func parseServiceTag(tag string) (string, int32, error) {
	parts := strings.Split(tag, ",")
	provider := strings.TrimSpace(parts[0])
	if provider == "" {
		return "", 0, fmt.Errorf("empty provider in rpc tag %q", tag)
	}
	var version int32
	for _, opt := range parts[1:] {
		k, val, _ := strings.Cut(strings.TrimSpace(opt), "=")
		switch k {
		case "version":
			n, err := strconv.ParseInt(val, 10, 32)
			if err != nil {
				return "", 0, fmt.Errorf("bad version %q", val)
			}
			version = int32(n)
		default:
			return "", 0, fmt.Errorf("unknown rpc tag option %q", k)
		}
	}
	return provider, version, nil
}

func methodName(sf reflect.StructField) string {
	if name := sf.Tag.Get("rpc"); name != "" {
		return name
	}
	return sf.Name
}

var (
	stringFuncType = reflect.TypeOf(func() string { return "" })
	equalFuncType  = reflect.TypeOf(func(any) bool { return false })
	hashFuncType   = reflect.TypeOf(func() uint64 { return 0 })
)

// isLocalMethod reports identity methods answered without a remote call.
func isLocalMethod(sf reflect.StructField) bool {
	switch sf.Name {
	case "String":
		return sf.Type == stringFuncType
	case "Equal":
		return sf.Type == equalFuncType
	case "HashCode":
		return sf.Type == hashFuncType
	}
	return false
}

func (f *ProxyFactory) validateMethod(sf reflect.StructField) (remoteMethod, error) {
	ft := sf.Type
	m := remoteMethod{typ: ft}
	if ft.IsVariadic() {
		return m, fmt.Errorf("variadic methods are not supported")
	}

	in := make([]reflect.Type, ft.NumIn())
	for i := range in {
		in[i] = ft.In(i)
	}
	if len(in) > 0 && IsContext(in[0]) {
		m.hasCtx = true
		in = in[1:]
	}
	if n := len(in); n > 0 && in[n-1].Kind() == reflect.Func {
		cb := in[n-1]
		if cb.NumIn() != 1 || cb.NumOut() != 0 {
			return m, fmt.Errorf("callback must have the form func(R)")
		}
		m.async = true
		m.callback = cb.In(0)
		if !f.codec.Allows(m.callback) {
			return m, fmt.Errorf("callback type %s is not transmissible by %s", m.callback, f.codec.Type())
		}
		in = in[:n-1]
	}
	for _, t := range in {
		if IsContext(t) {
			return m, fmt.Errorf("context.Context must be the first parameter")
		}
		if !f.codec.Allows(t) {
			return m, fmt.Errorf("parameter type %s is not transmissible by %s", t, f.codec.Type())
		}
	}
	m.params = in

	switch {
	case ft.NumOut() == 0 || !IsError(ft.Out(ft.NumOut()-1)):
		return m, fmt.Errorf("last result must be error")
	case ft.NumOut() > 2:
		return m, fmt.Errorf("at most one result besides error")
	case ft.NumOut() == 2:
		if m.async {
			return m, fmt.Errorf("callback methods return only error")
		}
		m.result = ft.Out(0)
		if !f.codec.Allows(m.result) {
			return m, fmt.Errorf("result type %s is not transmissible by %s", m.result, f.codec.Type())
		}
	}
	return m, nil
}

func (f *ProxyFactory) fill(p *stubPlan) {
	sv := p.value.Elem()
	for _, m := range p.methods {
		sv.Field(m.field).Set(reflect.MakeFunc(m.typ, f.dispatcher(m)))
	}

	desc := fmt.Sprintf("%s proxy{provider=%s, version=%d}", p.typ.Elem().Name(), p.provider, p.version)
	self := p.value.Interface()
	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%d/%p", p.provider, p.version, self)
	hash := h.Sum64()
	for _, i := range p.locals {
		field := sv.Field(i)
		switch p.typ.Elem().Field(i).Name {
		case "String":
			field.Set(reflect.ValueOf(func() string { return desc }))
		case "Equal":
			field.Set(reflect.ValueOf(func(other any) bool { return other == self }))
		case "HashCode":
			field.Set(reflect.ValueOf(func() uint64 { return hash }))
		}
	}
}

func (f *ProxyFactory) dispatcher(m remoteMethod) func([]reflect.Value) []reflect.Value {
	failWith := func(err error) []reflect.Value {
		out := make([]reflect.Value, 0, 2)
		if m.result != nil {
			out = append(out, reflect.Zero(m.result))
		}
		return append(out, reflect.ValueOf(&err).Elem())
	}
	succeed := func(v reflect.Value) []reflect.Value {
		if m.result != nil {
			return []reflect.Value{v, reflect.Zero(errorType)}
		}
		return []reflect.Value{reflect.Zero(errorType)}
	}

	return func(in []reflect.Value) []reflect.Value {
		ctx := context.Background()
		if m.hasCtx {
			if c, ok := in[0].Interface().(context.Context); ok && c != nil {
				ctx = c
			}
			in = in[1:]
		}
		var cb reflect.Value
		if m.async {
			cb = in[len(in)-1]
			in = in[:len(in)-1]
		}

		args := make([]any, len(in))
		for i, v := range in {
			args[i] = v.Interface()
		}
		payload, err := codec.EncodeArgs(f.codec, args...)
		if err != nil {
			return failWith(fmt.Errorf("rpc: %s: %w", m.name, err))
		}

		if m.async {
			_, err := f.invoker.Go(m.name, payload, f.callback(m, cb))
			if err != nil {
				return failWith(err)
			}
			return succeed(reflect.Value{})
		}

		ret, err := f.invoker.Call(ctx, m.name, payload)
		if err != nil {
			return failWith(err)
		}
		if m.result == nil {
			return succeed(reflect.Value{})
		}
		out := reflect.New(m.result)
		if err := f.codec.Decode(ret, out.Interface()); err != nil {
			return failWith(fmt.Errorf("rpc: %s: decode result: %w", m.name, err))
		}
		return succeed(out.Elem())
	}
}

func (f *ProxyFactory) callback(m remoteMethod, cb reflect.Value) func([]byte) {
	if cb.IsNil() {
		return func([]byte) {}
	}
	return func(ret []byte) {
		out := reflect.New(m.callback)
		if err := f.codec.Decode(ret, out.Interface()); err != nil {
			f.logger.Warn("callback result undecodable", zap.Stringer("service", m.name), zap.Error(err))
			return
		}
		cb.Call([]reflect.Value{out.Elem()})
	}
}
