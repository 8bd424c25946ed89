package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/smnsjas/go-delegator/codec"
)

var (
	// ErrUnknownTarget is returned when no constructor is registered under a name.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrNilInstance is returned when a constructor yields a nil target.
	ErrNilInstance = errors.New("constructor returned nil instance")
	// ErrUnsupportedTarget is returned when an operation is invoked on a target
	// of the wrong type.
	ErrUnsupportedTarget = errors.New("operation not supported by target")
)

// Factory builds a target. params is the optional payload from the
// construction descriptor; it is nil when none was given.
type Factory func(ctx context.Context, params json.RawMessage) (any, error)

// Handler executes one operation against target. args is the encoded argument
// payload; c is the session codec used to decode it.
type Handler func(ctx context.Context, c *codec.Codec, target any, args json.RawMessage) (any, error)

// Registry holds the constructors and operations a child can serve.
// Registration normally happens before the child starts; lookups are safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]Factory
	ops     map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		targets: make(map[string]Factory),
		ops:     make(map[string]Handler),
	}
}

// RegisterTarget binds name to a constructor. It panics on an empty name, a
// nil factory or a duplicate name.
func (r *Registry) RegisterTarget(name string, f Factory) {
	if strings.TrimSpace(name) == "" {
		panic("dispatch: RegisterTarget with empty name")
	}
	if f == nil {
		panic("dispatch: RegisterTarget with nil factory for " + name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.targets[name]; dup {
		panic("dispatch: duplicate target " + name)
	}
	r.targets[name] = f
}

// RegisterOperation binds op to a handler. It panics on an empty id, a nil
// handler or a duplicate id.
func (r *Registry) RegisterOperation(op string, h Handler) {
	if strings.TrimSpace(op) == "" {
		panic("dispatch: RegisterOperation with empty id")
	}
	if h == nil {
		panic("dispatch: RegisterOperation with nil handler for " + op)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.ops[op]; dup {
		panic("dispatch: duplicate operation " + op)
	}
	r.ops[op] = h
}

// Target registers a zero-argument constructor for T. Construction params, if
// any, are ignored.
func Target[T any](r *Registry, name string, fn func(ctx context.Context) (T, error)) {
	r.RegisterTarget(name, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return fn(ctx)
	})
}

// TargetWith registers a constructor for T that takes a JSON params payload
// of type P. A descriptor without params passes the zero P.
func TargetWith[T, P any](r *Registry, name string, fn func(ctx context.Context, params P) (T, error)) {
	r.RegisterTarget(name, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p P
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("decode params for %s: %w", name, err)
			}
		}
		return fn(ctx, p)
	})
}

// Register adds a typed operation over targets of type T. The call's argument
// payload is decoded into A; use struct{} for operations without arguments.
func Register[T, A, R any](r *Registry, op string, fn func(ctx context.Context, target T, args A) (R, error)) {
	r.RegisterOperation(op, func(ctx context.Context, c *codec.Codec, target any, raw json.RawMessage) (any, error) {
		t, ok := target.(T)
		if !ok {
			return nil, fmt.Errorf("%w: %s on %T", ErrUnsupportedTarget, op, target)
		}
		var args A
		if err := c.DecodeInto(raw, &args); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
		return fn(ctx, t, args)
	})
}

// Construct runs the constructor named by desc.
func (r *Registry) Construct(ctx context.Context, desc codec.ConstructionDescriptor) (any, error) {
	r.mu.RLock()
	f, ok := r.targets[desc.Target]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, desc.Target)
	}

	instance, err := f(ctx, desc.Params)
	if err != nil {
		return nil, fmt.Errorf("construct %s: %w", desc.Target, err)
	}
	if isNil(instance) {
		return nil, fmt.Errorf("construct %s: %w", desc.Target, ErrNilInstance)
	}
	return instance, nil
}

// Dispatch executes call against target and returns its result envelope.
// It recovers panics raised by the operation.
func (r *Registry) Dispatch(ctx context.Context, c *codec.Codec, target any, call *codec.CallDescriptor) (env *codec.ResultEnvelope) {
	r.mu.RLock()
	h, ok := r.ops[call.Op]
	r.mu.RUnlock()
	if !ok {
		return codec.Failure(call.ID, call.Op, codec.KindUnknownOperation, fmt.Sprintf("no operation registered as %q", call.Op))
	}

	defer func() {
		if rec := recover(); rec != nil {
			env = codec.Failure(call.ID, call.Op, codec.KindPanic, panicMessage(rec))
		}
	}()

	value, err := h(ctx, c, target, call.Args)
	if err != nil {
		kind := codec.KindError
		if errors.Is(err, codec.ErrProtocol) {
			kind = codec.KindProtocol
		}
		return codec.Failure(call.ID, call.Op, kind, err.Error())
	}

	raw, err := c.EncodeValue(value)
	if err != nil {
		return codec.Failure(call.ID, call.Op, codec.KindError, "encode result: "+err.Error())
	}
	return codec.Success(call.ID, raw)
}

// Operations returns the sorted ids of all registered operations.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.ops)
}

// Targets returns the sorted names of all registered constructors.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.targets)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// panicMessage keeps the first frame of the stack that points into the
// panicking code so the controller sees where it happened.
func panicMessage(rec any) string {
	msg := fmt.Sprint(rec)
	for _, line := range strings.Split(string(debug.Stack()), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "/") && !strings.Contains(line, "/runtime/") && !strings.Contains(line, "/dispatch/registry.go") {
			return msg + " (at " + line + ")"
		}
	}
	return msg
}
