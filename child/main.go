package child

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"

	"github.com/smnsjas/go-delegator/dispatch"
)

// Environment variables set by the controller on every child it spawns.
const (
	// EnvChild marks a process as a spawned child ("1").
	EnvChild = "DELEGATOR_CHILD"
	// EnvLogLevel carries the zerolog level name for the child's logs.
	EnvLogLevel = "DELEGATOR_LOG_LEVEL"
	// EnvAcceptTimeout bounds the wait for the controller to connect, as a
	// time.ParseDuration string. Unset or zero waits until a signal arrives.
	EnvAcceptTimeout = "DELEGATOR_ACCEPT_TIMEOUT"
)

// Requested reports whether the current process was spawned as a child.
func Requested() bool {
	return os.Getenv(EnvChild) == "1"
}

// Args are the positional startup arguments of a child process. It can be
// embedded in a kong command tree.
type Args struct {
	Transport    string `arg:"" name:"transport" help:"Transport name to listen on."`
	Construction string `arg:"" name:"construction" help:"Encoded construction descriptor."`
	Hints        string `arg:"" name:"hints" help:"Encoded type hints (JSON array)."`
}

// Startup decodes the arguments.
func (a Args) Startup() (StartupArgs, error) {
	return ParseStartupArgs(a.Transport, a.Construction, a.Hints)
}

// NewLogger returns the child's logger: JSON lines on w, tagged with the
// child role and PID. An empty or unknown level means info.
func NewLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(w).Level(lvl).With().
		Timestamp().
		Str("role", "child").
		Int("pid", os.Getpid()).
		Logger()
}

// Serve runs a child session for already parsed arguments, stopping on
// SIGINT or SIGTERM. It returns the process exit code.
func Serve(a Args, reg *dispatch.Registry, logger zerolog.Logger) int {
	startup, err := a.Startup()
	if err != nil {
		logger.Error().Err(err).Msg("invalid startup arguments")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []Option{WithLogger(logger)}
	if raw := os.Getenv(EnvAcceptTimeout); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			logger.Error().Err(err).Str(EnvAcceptTimeout, raw).Msg("invalid accept timeout")
			return 1
		}
		opts = append(opts, WithAcceptTimeout(d))
	}

	rt := NewRuntime(reg, opts...)
	if err := rt.Run(ctx, startup); err != nil {
		logger.Error().Err(err).Stringer("state", rt.State()).Msg("child failed")
		return 1
	}
	logger.Info().Uint64("calls", rt.Calls()).Msg("child finished")
	return 0
}

// Main parses args (without the program name) and runs a child session.
// It returns the process exit code: 0 after a normal end of session, 1 on
// any failure, 2 on a usage error.
func Main(args []string, reg *dispatch.Registry) int {
	logger := NewLogger(os.Stderr, os.Getenv(EnvLogLevel))

	var cli Args
	parser, err := kong.New(&cli,
		kong.Name("delegator-child"),
		kong.Description("Serve one delegated target over a local transport."),
		kong.Writers(os.Stderr, os.Stderr),
		kong.Exit(func(int) {}),
	)
	if err != nil {
		logger.Error().Err(err).Msg("build argument parser")
		return 1
	}
	if _, err := parser.Parse(args); err != nil {
		logger.Error().Err(err).Strs("args", args).Msg("usage: delegator-child <transport> <construction> <hints>")
		return 2
	}
	return Serve(cli, reg, logger)
}
