package delegator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/smnsjas/go-delegator/child"
	"github.com/smnsjas/go-delegator/codec"
	"github.com/smnsjas/go-delegator/supervisor"
	"github.com/smnsjas/go-delegator/transport"
)

// exitGrace is how long a failed call waits for the child's exit to be
// observed before reporting a plain connection loss.
const exitGrace = time.Second

// stopGrace is how long Terminate waits after SIGTERM before killing.
const stopGrace = time.Second

// killGrace bounds the wait for reaping after a kill.
const killGrace = 5 * time.Second

// State represents the lifecycle state of a Delegator.
type State int

const (
	// StateIdle is the initial state; no child was ever started.
	StateIdle State = iota
	// StateStarting means a child is being spawned and connected.
	StateStarting
	// StateReady means calls can be made.
	StateReady
	// StateTerminating means the child is being shut down.
	StateTerminating
	// StateTerminated means the child was shut down; Start may be called again.
	StateTerminated
	// StateBroken means the session is unusable (timeout, desynchronised
	// stream or unexpected child exit). Terminate or Start recovers.
	StateBroken
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateStarting:
		return "Starting"
	case StateReady:
		return "Ready"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	case StateBroken:
		return "Broken"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Delegator runs one target in a child process and forwards calls to it.
// Calls are serialized: concurrent Invoke calls queue behind each other.
type Delegator struct {
	// lifeMu serializes Start and Terminate.
	lifeMu sync.Mutex
	// callMu serializes calls; one call is in flight at a time.
	callMu sync.Mutex
	// mu guards the fields below.
	mu sync.Mutex

	construction codec.ConstructionDescriptor
	encodedCtor  string
	encodedHints string
	codec        *codec.Codec
	opts         options
	state        State
	brokenErr    error
	name         transport.Name
	proc         *supervisor.Process
	conn         *transport.Conn
	nextID       uint64
}

// New validates the construction descriptor and the type hints and returns
// an idle Delegator. No process is spawned until Start.
func New(construction codec.ConstructionDescriptor, opts ...Option) (*Delegator, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	encodedCtor, err := codec.EncodeConstruction(construction)
	if err != nil {
		return nil, err
	}
	c, err := codec.New(o.hints)
	if err != nil {
		return nil, fmt.Errorf("type hints: %w", err)
	}
	encodedHints, err := c.Hints().Encode()
	if err != nil {
		return nil, err
	}

	return &Delegator{
		construction: construction,
		encodedCtor:  encodedCtor,
		encodedHints: encodedHints,
		codec:        c,
		opts:         o,
		state:        StateIdle,
	}, nil
}

// State returns the current state.
func (d *Delegator) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// PID returns the running child's process id, or 0 when there is none.
func (d *Delegator) PID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.proc == nil {
		return 0
	}
	return d.proc.PID()
}

// Name returns the transport name of the current child, or "" when there is none.
func (d *Delegator) Name() transport.Name {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// Construction returns the descriptor the child builds its target from.
func (d *Delegator) Construction() codec.ConstructionDescriptor {
	return d.construction
}

// Start spawns a child, waits until it accepts the connection and moves to
// StateReady. From StateBroken the previous child is torn down first.
func (d *Delegator) Start(ctx context.Context) error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()

	d.mu.Lock()
	prev := d.state
	switch prev {
	case StateIdle, StateTerminated, StateBroken:
	default:
		d.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrAlreadyStarted, prev)
	}
	d.mu.Unlock()

	if prev == StateBroken {
		if err := d.terminate(ctx); err != nil {
			return err
		}
		prev = StateTerminated
	}

	d.setState(StateStarting)
	proc, conn, name, err := d.launch(ctx)
	if err != nil {
		d.setState(prev)
		d.logf(slog.LevelWarn, "start failed", "error", err)
		return err
	}

	d.mu.Lock()
	d.proc = proc
	d.conn = conn
	d.name = name
	d.nextID = 0
	d.brokenErr = nil
	d.state = StateReady
	d.mu.Unlock()

	go d.watch(proc)
	d.logf(slog.LevelInfo, "child ready", "child_pid", proc.PID(), "transport", name.String(), "target", d.construction.Target)
	return nil
}

func (d *Delegator) launch(ctx context.Context) (*supervisor.Process, *transport.Conn, transport.Name, error) {
	path := d.opts.path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, nil, "", fmt.Errorf("%w: resolve executable: %w", ErrLaunchFailure, err)
		}
		path = exe
	}

	name := transport.NewName()
	args := append(append([]string(nil), d.opts.args...), name.String(), d.encodedCtor, d.encodedHints)
	env := append(os.Environ(), d.opts.env...)
	env = append(env, child.EnvChild+"=1", child.EnvLogLevel+"="+d.opts.childLogLevel)
	if d.opts.connectTimeout > 0 {
		env = append(env, child.EnvAcceptTimeout+"="+d.opts.connectTimeout.String())
	}

	proc, err := supervisor.Start(supervisor.Spec{
		Path: path,
		Args: args,
		Env:  env,
		Dir:  d.opts.dir,
		Sink: d.outputSink(),
	})
	if err != nil {
		return nil, nil, "", fmt.Errorf("%w: %w", ErrLaunchFailure, err)
	}
	d.logf(slog.LevelDebug, "child spawned", "child_pid", proc.PID(), "path", path)

	abort := func(err error) (*supervisor.Process, *transport.Conn, transport.Name, error) {
		d.reap(proc)
		return nil, nil, "", err
	}

	if hook := d.opts.beforeConnect; hook != nil {
		if err := hook(ctx, proc.PID()); err != nil {
			return abort(fmt.Errorf("%w: before connect: %w", ErrConnectFailure, err))
		}
	}

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if d.opts.connectTimeout > 0 {
		var cancelTimeout context.CancelFunc
		dialCtx, cancelTimeout = context.WithTimeout(dialCtx, d.opts.connectTimeout)
		defer cancelTimeout()
	}
	// A child that dies before binding would otherwise be waited on until the timeout.
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-dialCtx.Done():
		}
	}()

	conn, err := transport.Dial(dialCtx, name)
	if err != nil {
		switch {
		case proc.Exited():
			return abort(fmt.Errorf("%w: %w (pid %d, exit code %d)", ErrConnectFailure, ErrChildExited, proc.PID(), proc.ExitCode()))
		case ctx.Err() != nil:
			return abort(fmt.Errorf("%w: %w", ErrConnectFailure, ctx.Err()))
		case errors.Is(err, context.DeadlineExceeded):
			return abort(fmt.Errorf("%w: %w after %v", ErrConnectFailure, ErrTimeout, d.opts.connectTimeout))
		default:
			return abort(fmt.Errorf("%w: %w", ErrConnectFailure, err))
		}
	}
	return proc, conn, name, nil
}

// outputSink picks where child output lines go.
func (d *Delegator) outputSink() supervisor.LineSink {
	switch {
	case d.opts.sink != nil:
		return d.opts.sink
	case d.opts.slogLogger != nil:
		return supervisor.NewSlogSink(d.opts.slogLogger)
	case d.opts.logger != nil:
		logger := d.opts.logger
		return supervisor.LineSinkFunc(func(l supervisor.Line) {
			logger.Printf("[child %d %s] %s", l.PID, l.Stream, l.Text)
		})
	default:
		return nil
	}
}

// watch marks the session broken when the child exits on its own.
func (d *Delegator) watch(proc *supervisor.Process) {
	<-proc.Done()

	d.mu.Lock()
	unexpected := d.proc == proc && d.state == StateReady
	if unexpected {
		d.state = StateBroken
		d.brokenErr = fmt.Errorf("%w (pid %d, exit code %d)", ErrChildExited, proc.PID(), proc.ExitCode())
	}
	d.mu.Unlock()

	if unexpected {
		d.logf(slog.LevelWarn, "child exited unexpectedly", "child_pid", proc.PID(), "exit_code", proc.ExitCode())
	} else {
		d.logf(slog.LevelDebug, "child exited", "child_pid", proc.PID(), "exit_code", proc.ExitCode())
	}
}

// Invoke runs operation op with args in the child and returns its decoded
// result. Hinted types come back as their registered Go type.
func (d *Delegator) Invoke(ctx context.Context, op string, args any) (any, error) {
	raw, err := d.call(ctx, op, args)
	if err != nil {
		return nil, err
	}
	return d.codec.DecodeValue(raw)
}

// Call runs operation op with args in the child and decodes the result into R.
func Call[R any](ctx context.Context, d *Delegator, op string, args any) (R, error) {
	var out R
	raw, err := d.call(ctx, op, args)
	if err != nil {
		return out, err
	}
	if err := d.codec.DecodeInto(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (d *Delegator) call(ctx context.Context, op string, args any) (json.RawMessage, error) {
	d.callMu.Lock()
	defer d.callMu.Unlock()

	d.mu.Lock()
	state, conn, proc, cause := d.state, d.conn, d.proc, d.brokenErr
	if state == StateReady {
		d.nextID++
	}
	id := d.nextID
	d.mu.Unlock()

	switch state {
	case StateReady:
	case StateBroken:
		return nil, fmt.Errorf("%w: %w", ErrBroken, cause)
	default:
		return nil, fmt.Errorf("%w: state %s", ErrNotStarted, state)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	call, err := d.codec.NewCall(id, op, args)
	if err != nil {
		return nil, err
	}
	line, err := codec.EncodeCall(call)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if d.opts.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.opts.callTimeout)
		defer cancel()
	}

	var (
		deadlineMu sync.Mutex
		finished   bool
		fired      bool
	)
	stop := context.AfterFunc(callCtx, func() {
		deadlineMu.Lock()
		defer deadlineMu.Unlock()
		if !finished {
			fired = true
			_ = conn.SetReadDeadline(time.Now())
		}
	})

	start := time.Now()
	reply, err := d.exchange(conn, line)

	deadlineMu.Lock()
	finished = true
	deadlineFired := fired
	deadlineMu.Unlock()
	stop()

	if err != nil {
		return nil, d.callFailed(callCtx, conn, proc, call, err, time.Since(start))
	}
	if deadlineFired {
		_ = conn.SetReadDeadline(time.Time{})
	}

	env, err := codec.DecodeResult(reply)
	if err != nil {
		return nil, d.breakSession(conn, fmt.Errorf("call %d (%s): %w", id, op, err))
	}
	if env.ID != id {
		return nil, d.breakSession(conn, fmt.Errorf("%w: result id %d does not answer call %d (%s)", ErrProtocol, env.ID, id, op))
	}
	if err := env.Err(); err != nil {
		d.logf(slog.LevelDebug, "call failed remotely", "id", id, "op", op, "error", err)
		return nil, err
	}
	d.logf(slog.LevelDebug, "call completed", "id", id, "op", op, "elapsed", time.Since(start))
	return env.Value, nil
}

func (d *Delegator) exchange(conn *transport.Conn, line []byte) ([]byte, error) {
	if err := conn.WriteLine(line); err != nil {
		return nil, err
	}
	return conn.ReadLine()
}

// callFailed classifies a transport error raised during a call.
func (d *Delegator) callFailed(callCtx context.Context, conn *transport.Conn, proc *supervisor.Process, call *codec.CallDescriptor, err error, elapsed time.Duration) error {
	if errors.Is(err, transport.ErrClosed) {
		d.mu.Lock()
		stale := d.conn != conn || d.state != StateReady
		d.mu.Unlock()
		if stale {
			return fmt.Errorf("%w: terminated while call %d (%s) was pending", ErrNotStarted, call.ID, call.Op)
		}
	}

	if errors.Is(err, os.ErrDeadlineExceeded) && callCtx.Err() != nil {
		cause := callCtx.Err()
		if errors.Is(cause, context.DeadlineExceeded) {
			return d.breakSession(conn, fmt.Errorf("%w: call %d (%s) after %v: %w", ErrTimeout, call.ID, call.Op, elapsed.Round(time.Millisecond), cause))
		}
		return d.breakSession(conn, fmt.Errorf("call %d (%s): %w", call.ID, call.Op, cause))
	}

	select {
	case <-proc.Done():
	case <-time.After(exitGrace):
	}
	if proc.Exited() {
		return d.breakSession(conn, fmt.Errorf("%w: %w during call %d (%s) (pid %d, exit code %d)",
			ErrProtocol, ErrChildExited, call.ID, call.Op, proc.PID(), proc.ExitCode()))
	}
	return d.breakSession(conn, fmt.Errorf("%w: call %d (%s): connection lost: %w", ErrProtocol, call.ID, call.Op, err))
}

// breakSession moves a ready session on conn to StateBroken and returns err.
func (d *Delegator) breakSession(conn *transport.Conn, err error) error {
	d.mu.Lock()
	changed := d.conn == conn && d.state == StateReady
	if changed {
		d.state = StateBroken
		d.brokenErr = err
	}
	d.mu.Unlock()
	if changed {
		d.logf(slog.LevelWarn, "session broken", "error", err)
	}
	return err
}

// Terminate closes the transport, which ends the child's serve loop, waits
// for the child to exit (killing it after the terminate timeout or when ctx
// ends) and releases it. It is a no-op when no child is running, and it may
// be called while a call is pending; that call then fails.
func (d *Delegator) Terminate(ctx context.Context) error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	return d.terminate(ctx)
}

func (d *Delegator) terminate(ctx context.Context) error {
	d.mu.Lock()
	switch d.state {
	case StateIdle, StateTerminated:
		d.mu.Unlock()
		return nil
	}
	conn, proc := d.conn, d.proc
	d.state = StateTerminating
	d.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	var err error
	if proc != nil {
		waitCtx := ctx
		if d.opts.terminateTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, d.opts.terminateTimeout)
			defer cancel()
		}
		code, werr := proc.Wait(waitCtx)
		if werr != nil {
			err = d.stop(ctx, proc)
		} else {
			d.logf(slog.LevelDebug, "child exited", "child_pid", proc.PID(), "exit_code", code)
		}
	}

	d.mu.Lock()
	d.conn = nil
	d.proc = nil
	d.name = ""
	d.brokenErr = nil
	d.state = StateTerminated
	d.mu.Unlock()

	d.logf(slog.LevelInfo, "terminated")
	return err
}

// stop asks proc to exit with SIGTERM and kills it when that does not work
// within stopGrace.
func (d *Delegator) stop(ctx context.Context, proc *supervisor.Process) error {
	d.logf(slog.LevelWarn, "child did not exit in time, sending SIGTERM", "child_pid", proc.PID())
	if err := proc.Signal(syscall.SIGTERM); err == nil {
		graceCtx, cancel := context.WithTimeout(ctx, stopGrace)
		code, werr := proc.Wait(graceCtx)
		cancel()
		if werr == nil {
			d.logf(slog.LevelDebug, "child exited", "child_pid", proc.PID(), "exit_code", code)
			return nil
		}
	}
	d.logf(slog.LevelWarn, "child ignored SIGTERM, killing", "child_pid", proc.PID())
	return d.reap(proc)
}

// reap kills proc and waits a bounded time for it to be collected.
func (d *Delegator) reap(proc *supervisor.Process) error {
	if err := proc.Kill(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), killGrace)
	defer cancel()
	if _, err := proc.Wait(ctx); err != nil {
		return fmt.Errorf("reap pid %d: %w", proc.PID(), err)
	}
	return nil
}

// Close terminates the child. It implements io.Closer for scoped teardown.
func (d *Delegator) Close() error {
	return d.Terminate(context.Background())
}

// CloseAsync terminates the child in the background. The returned channel
// yields Close's result and is then closed; callers may ignore it.
func (d *Delegator) CloseAsync() <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- d.Close()
		close(ch)
	}()
	return ch
}

var _ io.Closer = (*Delegator)(nil)

func (d *Delegator) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	d.logf(slog.LevelDebug, "state change", "from", prev.String(), "to", s.String())
}

// logf sends a record to the configured loggers, if any.
func (d *Delegator) logf(level slog.Level, msg string, kv ...any) {
	if d.opts.slogLogger != nil {
		attrs := append([]any{"role", "parent", "pid", os.Getpid()}, kv...)
		d.opts.slogLogger.Log(context.Background(), level, msg, attrs...)
	}
	if d.opts.logger != nil {
		var b strings.Builder
		fmt.Fprintf(&b, "[delegator] %s", msg)
		for i := 0; i+1 < len(kv); i += 2 {
			fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
		}
		d.opts.logger.Printf("%s", b.String())
	}
}
