package delegator

import (
	"context"
	"log/slog"
	"time"

	"github.com/smnsjas/go-delegator/supervisor"
)

const (
	// DefaultConnectTimeout bounds Start's connect phase.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultTerminateTimeout bounds how long Terminate waits for the child to
	// exit before killing it.
	DefaultTerminateTimeout = 5 * time.Second
	// DefaultChildLogLevel is the log level passed to the child.
	DefaultChildLogLevel = "info"
)

// Logger is an optional interface for debug logging.
// If not set, no logging is performed.
type Logger interface {
	// Printf formats and logs a debug message.
	Printf(format string, v ...interface{})
}

type options struct {
	path             string
	args             []string
	hints            []string
	env              []string
	dir              string
	connectTimeout   time.Duration
	callTimeout      time.Duration
	terminateTimeout time.Duration
	sink             supervisor.LineSink
	beforeConnect    func(ctx context.Context, pid int) error
	logger           Logger
	slogLogger       *slog.Logger
	childLogLevel    string
}

func defaultOptions() options {
	return options{
		connectTimeout:   DefaultConnectTimeout,
		terminateTimeout: DefaultTerminateTimeout,
		childLogLevel:    DefaultChildLogLevel,
	}
}

// Option configures a Delegator.
type Option func(*options)

// WithCommand sets the child executable and the arguments placed before the
// startup arguments. The default is the current executable with no extra
// arguments, which must then dispatch to child.Main when child.Requested.
func WithCommand(path string, args ...string) Option {
	return func(o *options) {
		o.path = path
		o.args = append([]string(nil), args...)
	}
}

// WithTypeHints adds registered type names the codec must resolve on both ends.
func WithTypeHints(names ...string) Option {
	return func(o *options) {
		o.hints = append(o.hints, names...)
	}
}

// WithEnv adds KEY=value entries to the child's environment, which otherwise
// is inherited from the current process.
func WithEnv(env ...string) Option {
	return func(o *options) {
		o.env = append(o.env, env...)
	}
}

// WithDir sets the child's working directory.
func WithDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithConnectTimeout bounds the connect phase of Start. Zero means no limit
// beyond Start's context. The child gets the same bound, counted from when it
// starts listening, so a BeforeConnect hook must finish within it.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = d
	}
}

// WithCallTimeout bounds every Invoke. Zero (the default) means no limit
// beyond the call's context.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		o.callTimeout = d
	}
}

// WithTerminateTimeout bounds how long Terminate waits for a graceful exit.
func WithTerminateTimeout(d time.Duration) Option {
	return func(o *options) {
		o.terminateTimeout = d
	}
}

// WithOutputSink receives the child's stdout and stderr lines. When unset,
// lines go to the slog logger if one is configured, then to the Logger, and
// are discarded otherwise.
func WithOutputSink(sink supervisor.LineSink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithBeforeConnect runs fn after the child is spawned and before the
// controller connects, for example to attach a debugger to pid. The child
// waits in its listen call meanwhile. An error aborts Start.
func WithBeforeConnect(fn func(ctx context.Context, pid int) error) Option {
	return func(o *options) {
		o.beforeConnect = fn
	}
}

// WithLogger sets a Printf-style debug logger.
func WithLogger(l Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithSlogLogger sets a structured logger. Records are tagged with
// role=parent and the controller's pid.
func WithSlogLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.slogLogger = l
	}
}

// WithChildLogLevel sets the child's log level (trace, debug, info, warn, error).
func WithChildLogLevel(level string) Option {
	return func(o *options) {
		o.childLogLevel = level
	}
}
