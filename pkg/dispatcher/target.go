package dispatcher

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/morezero/ui-bridge/pkg/wire"
)

// Methods registers an explicit method table. Each value must be a func.
type Methods map[string]any

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// target is a registered callable: either a single function invoked for any
// method name, or a table of named methods.
type target struct {
	fn      *handler
	methods map[string]*handler
}

// handler is one callable with its signature analysed at registration time.
// Accepted shapes: an optional leading context.Context, any number of
// decodable parameters (variadic allowed), and results (), (T), (error) or
// (T, error).
type handler struct {
	fn        reflect.Value
	takesCtx  bool
	params    []reflect.Type
	variadic  bool
	hasValue  bool
	hasError  bool
	errorLast int
}

func newTarget(v any) (*target, error) {
	if v == nil {
		return nil, fmt.Errorf("%s - nil target", logPrefix)
	}
	if m, ok := v.(Methods); ok {
		return newMethodTable(m)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Func {
		if rv.IsNil() {
			return nil, fmt.Errorf("%s - nil function target", logPrefix)
		}
		h, err := newHandler(rv)
		if err != nil {
			return nil, err
		}
		return &target{fn: h}, nil
	}

	t := &target{methods: make(map[string]*handler)}
	rt := rv.Type()
	for i := 0; i < rt.NumMethod(); i++ {
		m := rt.Method(i)
		if !m.IsExported() {
			continue
		}
		h, err := newHandler(rv.Method(i))
		if err != nil {
			// Methods with unsupported signatures are not exposed.
			continue
		}
		t.methods[m.Name] = h
	}
	if len(t.methods) == 0 {
		return nil, fmt.Errorf("%s - %T exposes no callable methods", logPrefix, v)
	}
	return t, nil
}

func newMethodTable(m Methods) (*target, error) {
	t := &target{methods: make(map[string]*handler, len(m))}
	for name, fn := range m {
		rv := reflect.ValueOf(fn)
		if rv.Kind() != reflect.Func || rv.IsNil() {
			return nil, fmt.Errorf("%s - method %q is not a function", logPrefix, name)
		}
		h, err := newHandler(rv)
		if err != nil {
			return nil, fmt.Errorf("%s - method %q: %w", logPrefix, name, err)
		}
		t.methods[name] = h
	}
	return t, nil
}

func newHandler(fn reflect.Value) (*handler, error) {
	ft := fn.Type()
	h := &handler{fn: fn, variadic: ft.IsVariadic()}

	start := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		h.takesCtx = true
		start = 1
	}
	for i := start; i < ft.NumIn(); i++ {
		h.params = append(h.params, ft.In(i))
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			h.hasError = true
		} else {
			h.hasValue = true
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, fmt.Errorf("%s - second result of %s must be error", logPrefix, ft)
		}
		h.hasValue, h.hasError = true, true
	default:
		return nil, fmt.Errorf("%s - %s returns too many results", logPrefix, ft)
	}
	h.errorLast = ft.NumOut() - 1
	return h, nil
}

// lookup resolves a request's method. Function targets accept any method
// name. Method names match exactly first, then with the first letter
// upper-cased so "ping" reaches Ping.
func (t *target) lookup(method string) (*handler, bool) {
	if t.fn != nil {
		return t.fn, true
	}
	if h, ok := t.methods[method]; ok {
		return h, true
	}
	if h, ok := t.methods[exportedName(method)]; ok {
		return h, true
	}
	return nil, false
}

// names lists the callable method names in their wire form.
func (t *target) names() []string {
	if t.fn != nil {
		return nil
	}
	out := make([]string, 0, len(t.methods))
	for name := range t.methods {
		out = append(out, wireName(name))
	}
	sort.Strings(out)
	return out
}

func exportedName(method string) string {
	r, size := utf8.DecodeRuneInString(method)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return method
	}
	return string(unicode.ToUpper(r)) + method[size:]
}

// wireName lower-cases the leading letter of a Go method name the way UI
// code spells it. Names with a leading acronym ("ID") are kept as-is.
func wireName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError || !unicode.IsUpper(r) {
		return name
	}
	if next, _ := utf8.DecodeRuneInString(name[size:]); unicode.IsUpper(next) {
		return name
	}
	return strings.ToLower(name[:size]) + name[size:]
}

// call decodes args into the handler's parameter types, invokes it and
// returns its value result. Panics are recovered into errors carrying the
// panic value.
func (h *handler) call(ctx context.Context, codec wire.Codec, args []wire.Value) (result any, err error) {
	in, err := h.decodeArgs(ctx, codec, args)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, &panicError{value: r}
		}
	}()

	out := h.fn.Call(in)
	if h.hasError {
		if e, _ := out[h.errorLast].Interface().(error); e != nil {
			return nil, e
		}
	}
	if h.hasValue {
		return out[0].Interface(), nil
	}
	return nil, nil
}

func (h *handler) decodeArgs(ctx context.Context, codec wire.Codec, args []wire.Value) ([]reflect.Value, error) {
	fixed := len(h.params)
	if h.variadic {
		fixed--
	}
	if !h.variadic && len(args) > fixed {
		return nil, fmt.Errorf("too many arguments: got %d, want at most %d", len(args), fixed)
	}

	in := make([]reflect.Value, 0, len(h.params)+len(args)+1)
	if h.takesCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i := 0; i < fixed; i++ {
		// Missing trailing arguments decode as zero values.
		if i >= len(args) {
			in = append(in, reflect.Zero(h.params[i]))
			continue
		}
		v, err := decodeArg(codec, args[i], h.params[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		in = append(in, v)
	}
	if h.variadic {
		elem := h.params[fixed].Elem()
		for i := fixed; i < len(args); i++ {
			v, err := decodeArg(codec, args[i], elem)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			in = append(in, v)
		}
	}
	return in, nil
}

func decodeArg(codec wire.Codec, arg wire.Value, t reflect.Type) (reflect.Value, error) {
	ptr := reflect.New(t)
	if err := arg.Decode(codec, ptr.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}

// panicError carries a recovered panic value to the error-message chain.
type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return errorMessage(p.value)
}
