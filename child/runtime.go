package child

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/smnsjas/go-delegator/codec"
	"github.com/smnsjas/go-delegator/dispatch"
	"github.com/smnsjas/go-delegator/transport"
)

// State represents the lifecycle state of a child runtime.
type State int32

const (
	// StateListening means the transport is bound and no controller has connected yet.
	StateListening State = iota
	// StateConnected means the controller connected and the target is being built.
	StateConnected
	// StateServing means the call loop is running.
	StateServing
	// StateTerminated means the loop ended and the target was released.
	StateTerminated
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateListening:
		return "Listening"
	case StateConnected:
		return "Connected"
	case StateServing:
		return "Serving"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// StartupArgs are the values a child receives from its controller at spawn time.
type StartupArgs struct {
	Name         transport.Name
	Construction codec.ConstructionDescriptor
	Hints        codec.TypeHints
}

// ParseStartupArgs decodes the three positional startup arguments.
func ParseStartupArgs(name, construction, hints string) (StartupArgs, error) {
	n, err := transport.ParseName(name)
	if err != nil {
		return StartupArgs{}, err
	}
	desc, err := codec.DecodeConstruction(construction)
	if err != nil {
		return StartupArgs{}, err
	}
	h, err := codec.DecodeHints(hints)
	if err != nil {
		return StartupArgs{}, err
	}
	return StartupArgs{Name: n, Construction: desc, Hints: h}, nil
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runtime) {
		r.log = l
	}
}

// WithAcceptTimeout bounds how long the runtime waits for the controller to
// connect. Zero waits until the context ends.
func WithAcceptTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		r.acceptTimeout = d
	}
}

// Runtime serves one target over one connection.
type Runtime struct {
	registry      *dispatch.Registry
	log           zerolog.Logger
	acceptTimeout time.Duration
	state         atomic.Int32
	calls         atomic.Uint64
}

// NewRuntime returns a runtime dispatching through reg.
func NewRuntime(reg *dispatch.Registry, opts ...Option) *Runtime {
	r := &Runtime{
		registry: reg,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current state.
func (r *Runtime) State() State {
	return State(r.state.Load())
}

// Calls returns the number of calls served so far.
func (r *Runtime) Calls() uint64 {
	return r.calls.Load()
}

func (r *Runtime) setState(s State) {
	prev := State(r.state.Swap(int32(s)))
	r.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("state change")
}

// Run binds args.Name, accepts a single connection and serves calls until the
// controller closes its end. It returns nil on a normal end of session.
// Cancelling ctx closes the connection and ends the loop with ctx's error.
func (r *Runtime) Run(ctx context.Context, args StartupArgs) error {
	r.setState(StateListening)
	defer r.setState(StateTerminated)

	c, err := codec.New(args.Hints)
	if err != nil {
		return fmt.Errorf("configure codec: %w", err)
	}

	ln, err := transport.Listen(args.Name)
	if err != nil {
		return err
	}
	defer ln.Close()
	r.log.Info().Str("transport", args.Name.String()).Msg("listening")

	acceptCtx := ctx
	if r.acceptTimeout > 0 {
		var cancel context.CancelFunc
		acceptCtx, cancel = context.WithTimeout(ctx, r.acceptTimeout)
		defer cancel()
	}
	conn, err := ln.Accept(acceptCtx)
	if err != nil {
		return err
	}
	defer conn.Close()
	// One controller per child; nobody else may connect.
	_ = ln.Close()

	r.setState(StateConnected)
	target, err := r.registry.Construct(ctx, args.Construction)
	if err != nil {
		return err
	}
	defer r.release(target)
	r.log.Info().Str("target", args.Construction.Target).Msg("target constructed")

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	r.setState(StateServing)
	err = r.serve(ctx, conn, c, target)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (r *Runtime) serve(ctx context.Context, conn *transport.Conn, c *codec.Codec, target any) error {
	for {
		line, err := conn.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrTruncated) {
				r.log.Info().Uint64("calls", r.Calls()).Msg("controller closed the connection")
				return nil
			}
			return err
		}
		if codec.IsEndOfSession(line) {
			r.log.Info().Uint64("calls", r.Calls()).Msg("end of session record")
			return nil
		}

		env := r.handle(ctx, c, target, line)
		out, err := codec.EncodeResult(env)
		if err != nil {
			out, err = codec.EncodeResult(codec.Failure(env.ID, "", codec.KindError, err.Error()))
			if err != nil {
				return err
			}
		}
		if err := conn.WriteLine(out); err != nil {
			return err
		}
		r.calls.Add(1)
	}
}

func (r *Runtime) handle(ctx context.Context, c *codec.Codec, target any, line []byte) *codec.ResultEnvelope {
	call, err := codec.DecodeCall(line)
	if err != nil {
		var id uint64
		var op string
		if call != nil {
			id, op = call.ID, call.Op
		}
		r.log.Warn().Err(err).Str("record", transport.Preview(line)).Msg("malformed call")
		return codec.Failure(id, op, codec.KindProtocol, err.Error())
	}

	start := time.Now()
	env := r.registry.Dispatch(ctx, c, target, call)
	ev := r.log.Debug()
	if env.Status == codec.StatusError {
		ev = r.log.Warn().Str("kind", string(env.Error.Kind)).Str("error", env.Error.Message)
	}
	ev.Uint64("id", call.ID).Str("op", call.Op).Dur("elapsed", time.Since(start)).Msg("call served")
	return env
}

func (r *Runtime) release(target any) {
	closer, ok := target.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		r.log.Warn().Err(err).Msg("close target")
	}
}
