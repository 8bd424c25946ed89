package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	delegator "github.com/smnsjas/go-delegator"
	"github.com/smnsjas/go-delegator/config"
	"github.com/smnsjas/go-delegator/targets"
)

// RunCmd starts one child and invokes the given calls in order.
type RunCmd struct {
	Config    string   `name:"config" short:"c" help:"TOML configuration file" type:"existingfile"`
	Target    string   `name:"target" short:"t" help:"Target to construct (overrides the configuration)"`
	Params    string   `name:"params" help:"Construction parameters as a JSON object"`
	Hints     []string `name:"hint" help:"Type hint to add (repeatable)"`
	LogLevel  string   `name:"log-level" help:"Controller log level (overrides the configuration)"`
	KeepGoing bool     `name:"keep-going" short:"k" help:"Continue after a failed call"`

	Calls []string `arg:"" optional:"" help:"Calls as op or op=JSON-arguments"`
}

// call is one parsed command-line call.
type call struct {
	op   string
	args json.RawMessage
}

func parseCall(s string) (call, error) {
	op, raw, hasArgs := strings.Cut(s, "=")
	op = strings.TrimSpace(op)
	if op == "" {
		return call{}, fmt.Errorf("call %q: missing operation", s)
	}
	c := call{op: op}
	if hasArgs {
		if !json.Valid([]byte(raw)) {
			return call{}, fmt.Errorf("call %q: arguments are not valid JSON", s)
		}
		c.args = json.RawMessage(raw)
	}
	return c, nil
}

// settings merges the configuration file with the command-line overrides.
func (r *RunCmd) settings() (config.Config, error) {
	cfg := config.Default()
	if r.Config != "" {
		loaded, err := config.Load(r.Config)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if r.Target != "" {
		cfg.Target.Name = r.Target
	}
	if r.Params != "" {
		params := map[string]any{}
		if err := json.Unmarshal([]byte(r.Params), &params); err != nil {
			return config.Config{}, fmt.Errorf("--params: %w", err)
		}
		cfg.Target.Params = params
	}
	cfg.Target.TypeHints = append(cfg.Target.TypeHints, r.Hints...)
	if r.LogLevel != "" {
		cfg.Log.Level = r.LogLevel
	}
	return cfg, cfg.Validate()
}

// Run starts the child, performs the calls and terminates the child.
func (r *RunCmd) Run(kctx *kong.Context) error {
	cfg, err := r.settings()
	if err != nil {
		return err
	}
	calls := make([]call, 0, len(r.Calls))
	for _, s := range r.Calls {
		c, err := parseCall(s)
		if err != nil {
			return err
		}
		calls = append(calls, c)
	}

	desc, err := cfg.Construction()
	if err != nil {
		return err
	}
	opts := cfg.Options()
	if cfg.Child.Command == "" && len(cfg.Child.Args) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		opts = append(opts, delegator.WithCommand(exe, "child"))
	}
	opts = append(opts, delegator.WithSlogLogger(cfg.Logger(kctx.Stderr)))

	d, err := delegator.New(desc, opts...)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return err
	}
	return invokeAll(ctx, d, calls, kctx.Stdout, r.KeepGoing)
}

// invokeAll prints one JSON line per call: the result, or the error.
func invokeAll(ctx context.Context, d *delegator.Delegator, calls []call, w io.Writer, keepGoing bool) error {
	enc := json.NewEncoder(w)
	var failed int
	for _, c := range calls {
		var args any
		if c.args != nil {
			args = c.args
		}
		v, err := d.Invoke(ctx, c.op, args)
		if err != nil {
			failed++
			out := map[string]any{"op": c.op, "error": err.Error()}
			var remote *delegator.RemoteError
			if errors.As(err, &remote) {
				out["kind"] = remote.Kind
			}
			if encErr := enc.Encode(out); encErr != nil {
				return encErr
			}
			if !keepGoing || d.State() != delegator.StateReady {
				return err
			}
			continue
		}
		if err := enc.Encode(map[string]any{"op": c.op, "result": v}); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d calls failed", failed, len(calls))
	}
	return nil
}

// TargetsCmd lists what the child side of this binary can construct and run.
type TargetsCmd struct{}

// Run prints targets and operations, one per line.
func (t *TargetsCmd) Run(kctx *kong.Context) error {
	reg := targets.Registry()
	for _, name := range reg.Targets() {
		fmt.Fprintf(kctx.Stdout, "target     %s\n", name)
	}
	for _, op := range reg.Operations() {
		fmt.Fprintf(kctx.Stdout, "operation  %s\n", op)
	}
	return nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

// Run prints the version.
func (v *VersionCmd) Run(kctx *kong.Context) error {
	fmt.Fprintf(kctx.Stdout, "delegatorctl %s\n", version)
	return nil
}
