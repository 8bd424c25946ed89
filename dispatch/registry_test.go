package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/smnsjas/go-delegator/codec"
)

type counter struct {
	total int64
}

type otherTarget struct{}

type addArgs struct {
	N int64 `json:"n"`
}

type span struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

func init() {
	codec.RegisterType("dispatch_test.Span", span{})
}

func newTestRegistry() *Registry {
	reg := NewRegistry()
	Target(reg, "counter", func(ctx context.Context) (*counter, error) {
		return &counter{}, nil
	})
	TargetWith(reg, "counter.from", func(ctx context.Context, p addArgs) (*counter, error) {
		return &counter{total: p.N}, nil
	})
	Target(reg, "nil", func(ctx context.Context) (*counter, error) {
		return nil, nil
	})
	Target(reg, "failing", func(ctx context.Context) (*counter, error) {
		return nil, errors.New("no resources")
	})
	Register(reg, "counter.add", func(ctx context.Context, c *counter, args addArgs) (int64, error) {
		c.total += args.N
		return c.total, nil
	})
	Register(reg, "counter.total", func(ctx context.Context, c *counter, _ struct{}) (int64, error) {
		return c.total, nil
	})
	Register(reg, "counter.span", func(ctx context.Context, c *counter, s span) (span, error) {
		return span{From: s.From + c.total, To: s.To + c.total}, nil
	})
	Register(reg, "counter.fail", func(ctx context.Context, c *counter, _ struct{}) (any, error) {
		return nil, errors.New("refused")
	})
	Register(reg, "counter.panic", func(ctx context.Context, c *counter, _ struct{}) (any, error) {
		var m map[string]int
		m["boom"]++
		return nil, nil
	})
	return reg
}

func newTestCodec(t *testing.T, hints ...string) *codec.Codec {
	t.Helper()
	c, err := codec.New(hints)
	if err != nil {
		t.Fatalf("codec.New() error = %v", err)
	}
	return c
}

func TestConstruct(t *testing.T) {
	reg := newTestRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		desc    codec.ConstructionDescriptor
		want    int64
		wantErr error
	}{
		{name: "zero argument", desc: codec.ConstructionDescriptor{Target: "counter"}, want: 0},
		{name: "params ignored", desc: codec.ConstructionDescriptor{Target: "counter", Params: json.RawMessage(`{"n":3}`)}, want: 0},
		{name: "with params", desc: codec.ConstructionDescriptor{Target: "counter.from", Params: json.RawMessage(`{"n":10}`)}, want: 10},
		{name: "with params omitted", desc: codec.ConstructionDescriptor{Target: "counter.from"}, want: 0},
		{name: "unknown", desc: codec.ConstructionDescriptor{Target: "missing"}, wantErr: ErrUnknownTarget},
		{name: "nil instance", desc: codec.ConstructionDescriptor{Target: "nil"}, wantErr: ErrNilInstance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			instance, err := reg.Construct(ctx, tt.desc)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Construct() error = %v", err)
			}
			c, ok := instance.(*counter)
			if !ok {
				t.Fatalf("instance is %T", instance)
			}
			if c.total != tt.want {
				t.Errorf("total = %d, want %d", c.total, tt.want)
			}
		})
	}
}

func TestConstructFactoryError(t *testing.T) {
	reg := newTestRegistry()

	_, err := reg.Construct(context.Background(), codec.ConstructionDescriptor{Target: "failing"})
	if err == nil || !strings.Contains(err.Error(), "no resources") {
		t.Errorf("expected factory error, got %v", err)
	}
}

func TestDispatchSequence(t *testing.T) {
	reg := newTestRegistry()
	c := newTestCodec(t)
	ctx := context.Background()

	target, err := reg.Construct(ctx, codec.ConstructionDescriptor{Target: "counter"})
	if err != nil {
		t.Fatalf("Construct() error = %v", err)
	}

	steps := []struct {
		n    int64
		want int64
	}{
		{n: 4, want: 4},
		{n: 10, want: 14},
	}
	for i, step := range steps {
		call, err := c.NewCall(uint64(i+1), "counter.add", addArgs{N: step.n})
		if err != nil {
			t.Fatalf("NewCall() error = %v", err)
		}
		env := reg.Dispatch(ctx, c, target, call)
		if env.Status != codec.StatusOK || env.ID != call.ID {
			t.Fatalf("Dispatch() = %+v", env)
		}
		var got int64
		if err := c.DecodeInto(env.Value, &got); err != nil {
			t.Fatalf("DecodeInto() error = %v", err)
		}
		if got != step.want {
			t.Errorf("step %d: got %d, want %d", i, got, step.want)
		}
	}
}

func TestDispatchTypedValues(t *testing.T) {
	reg := newTestRegistry()
	c := newTestCodec(t, "dispatch_test.Span")
	ctx := context.Background()

	target := &counter{total: 100}
	call, err := c.NewCall(1, "counter.span", span{From: 1, To: 2})
	if err != nil {
		t.Fatalf("NewCall() error = %v", err)
	}

	env := reg.Dispatch(ctx, c, target, call)
	if env.Status != codec.StatusOK {
		t.Fatalf("Dispatch() = %+v", env.Error)
	}
	got, err := c.DecodeValue(env.Value)
	if err != nil {
		t.Fatalf("DecodeValue() error = %v", err)
	}
	if got != (span{From: 101, To: 102}) {
		t.Errorf("got %#v", got)
	}
}

func TestDispatchFailures(t *testing.T) {
	reg := newTestRegistry()
	c := newTestCodec(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		target   any
		call     *codec.CallDescriptor
		wantKind codec.ErrorKind
		wantMsg  string
	}{
		{
			name:     "unknown operation",
			target:   &counter{},
			call:     &codec.CallDescriptor{ID: 1, Op: "counter.multiply"},
			wantKind: codec.KindUnknownOperation,
			wantMsg:  "counter.multiply",
		},
		{
			name:     "operation error",
			target:   &counter{},
			call:     &codec.CallDescriptor{ID: 2, Op: "counter.fail"},
			wantKind: codec.KindError,
			wantMsg:  "refused",
		},
		{
			name:     "panic",
			target:   &counter{},
			call:     &codec.CallDescriptor{ID: 3, Op: "counter.panic"},
			wantKind: codec.KindPanic,
			wantMsg:  "nil map",
		},
		{
			name:     "bad arguments",
			target:   &counter{},
			call:     &codec.CallDescriptor{ID: 4, Op: "counter.add", Args: json.RawMessage(`"four"`)},
			wantKind: codec.KindProtocol,
			wantMsg:  "decode args",
		},
		{
			name:     "wrong target type",
			target:   &otherTarget{},
			call:     &codec.CallDescriptor{ID: 5, Op: "counter.total"},
			wantKind: codec.KindError,
			wantMsg:  "not supported",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := reg.Dispatch(ctx, c, tt.target, tt.call)
			if env.Status != codec.StatusError {
				t.Fatalf("Status = %s, want error", env.Status)
			}
			if env.ID != tt.call.ID {
				t.Errorf("ID = %d, want %d", env.ID, tt.call.ID)
			}
			if env.Error.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", env.Error.Kind, tt.wantKind)
			}
			if env.Error.Op != tt.call.Op {
				t.Errorf("Op = %s, want %s", env.Error.Op, tt.call.Op)
			}
			if !strings.Contains(env.Error.Message, tt.wantMsg) {
				t.Errorf("Message = %q, want it to contain %q", env.Error.Message, tt.wantMsg)
			}
		})
	}
}

func TestDispatchContinuesAfterPanic(t *testing.T) {
	reg := newTestRegistry()
	c := newTestCodec(t)
	ctx := context.Background()
	target := &counter{}

	reg.Dispatch(ctx, c, target, &codec.CallDescriptor{ID: 1, Op: "counter.panic"})
	env := reg.Dispatch(ctx, c, target, &codec.CallDescriptor{ID: 2, Op: "counter.add", Args: json.RawMessage(`{"n":2}`)})
	if env.Status != codec.StatusOK || string(env.Value) != "2" {
		t.Errorf("Dispatch() after panic = %+v", env)
	}
}

func TestDispatchUnhintedResult(t *testing.T) {
	reg := newTestRegistry()
	c := newTestCodec(t)

	env := reg.Dispatch(context.Background(), c, &counter{}, &codec.CallDescriptor{ID: 1, Op: "counter.span", Args: json.RawMessage(`{"from":1,"to":2}`)})
	if env.Status != codec.StatusError || !strings.Contains(env.Error.Message, "encode result") {
		t.Errorf("expected encode failure, got %+v", env)
	}
}

func TestRegistryListings(t *testing.T) {
	reg := newTestRegistry()

	wantOps := []string{"counter.add", "counter.fail", "counter.panic", "counter.span", "counter.total"}
	if got := reg.Operations(); !reflect.DeepEqual(got, wantOps) {
		t.Errorf("Operations() = %v, want %v", got, wantOps)
	}
	wantTargets := []string{"counter", "counter.from", "failing", "nil"}
	if got := reg.Targets(); !reflect.DeepEqual(got, wantTargets) {
		t.Errorf("Targets() = %v, want %v", got, wantTargets)
	}
}

func TestRegisterPanics(t *testing.T) {
	tests := []struct {
		name string
		fn   func(r *Registry)
	}{
		{name: "duplicate target", fn: func(r *Registry) {
			Target(r, "counter", func(ctx context.Context) (*counter, error) { return &counter{}, nil })
		}},
		{name: "duplicate operation", fn: func(r *Registry) {
			Register(r, "counter.add", func(ctx context.Context, c *counter, _ struct{}) (int, error) { return 0, nil })
		}},
		{name: "empty target name", fn: func(r *Registry) {
			r.RegisterTarget("", func(context.Context, json.RawMessage) (any, error) { return nil, nil })
		}},
		{name: "nil handler", fn: func(r *Registry) { r.RegisterOperation("x", nil) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry()
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			tt.fn(reg)
		})
	}
}
