// Package config loads the controller configuration used by delegatorctl.
//
// A configuration file is TOML:
//
//	[target]
//	name = "accumulator"
//	type_hints = ["accumulator.Snapshot"]
//	params = { start = 5 }
//
//	[child]
//	command = ""          # empty runs the current executable
//	args = ["child"]
//	log_level = "info"
//
//	[timeouts]
//	connect = "10s"
//	call = "30s"
//	terminate = "5s"
//
//	[log]
//	level = "info"
//	format = "text"
//
// Keys that are absent keep their defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	delegator "github.com/smnsjas/go-delegator"
	"github.com/smnsjas/go-delegator/codec"
	"github.com/smnsjas/go-delegator/internal/logging"
)

// ErrInvalid is returned (wrapped) by Validate and Load for unusable values.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration that decodes from strings such as "1.5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Target selects what the child constructs.
type Target struct {
	Name      string         `toml:"name"`
	TypeHints []string       `toml:"type_hints"`
	Params    map[string]any `toml:"params"`
}

// Child configures the spawned process.
type Child struct {
	Command  string   `toml:"command"`
	Args     []string `toml:"args"`
	Env      []string `toml:"env"`
	Dir      string   `toml:"dir"`
	LogLevel string   `toml:"log_level"`
}

// Timeouts bound the phases of a session. Zero disables a bound.
type Timeouts struct {
	Connect   Duration `toml:"connect"`
	Call      Duration `toml:"call"`
	Terminate Duration `toml:"terminate"`
}

// Log configures the controller's own logging.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the complete controller configuration.
type Config struct {
	Target   Target   `toml:"target"`
	Child    Child    `toml:"child"`
	Timeouts Timeouts `toml:"timeouts"`
	Log      Log      `toml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Target: Target{Name: "accumulator"},
		Child:  Child{LogLevel: delegator.DefaultChildLogLevel},
		Timeouts: Timeouts{
			Connect:   Duration{delegator.DefaultConnectTimeout},
			Terminate: Duration{delegator.DefaultTerminateTimeout},
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads the TOML file at path over the defaults and validates the result.
// Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return finish(cfg, meta)
}

// Parse is Load for TOML already in memory.
func Parse(data string) (Config, error) {
	cfg := Default()
	meta, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return finish(cfg, meta)
}

func finish(cfg Config, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			// Params is free-form.
			if len(k) > 2 && k[0] == "target" && k[1] == "params" {
				continue
			}
			keys = append(keys, k.String())
		}
		if len(keys) > 0 {
			return Config{}, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
		}
	}
	cfg.Target.Name = strings.TrimSpace(cfg.Target.Name)
	cfg.Child.Command = strings.TrimSpace(cfg.Child.Command)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration can build a Delegator.
func (c Config) Validate() error {
	if c.Target.Name == "" {
		return fmt.Errorf("%w: target.name is required", ErrInvalid)
	}
	for name, d := range map[string]Duration{
		"connect":   c.Timeouts.Connect,
		"call":      c.Timeouts.Call,
		"terminate": c.Timeouts.Terminate,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("%w: timeouts.%s is negative", ErrInvalid, name)
		}
	}
	for _, kv := range c.Child.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("%w: child.env entry %q is not KEY=value", ErrInvalid, kv)
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalid, err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return fmt.Errorf("%w: log.format: %w", ErrInvalid, err)
	}
	if _, err := logging.ParseLevel(c.Child.LogLevel); err != nil {
		return fmt.Errorf("%w: child.log_level: %w", ErrInvalid, err)
	}
	return nil
}

// Construction returns the construction descriptor for the configured target.
func (c Config) Construction() (codec.ConstructionDescriptor, error) {
	desc := codec.ConstructionDescriptor{Target: c.Target.Name}
	if len(c.Target.Params) > 0 {
		params, err := json.Marshal(c.Target.Params)
		if err != nil {
			return codec.ConstructionDescriptor{}, fmt.Errorf("%w: target.params: %w", ErrInvalid, err)
		}
		desc.Params = params
	}
	return desc, desc.Validate()
}

// Options translates the configuration into Delegator options. When no
// child command is set the current executable is used with Child.Args.
func (c Config) Options() []delegator.Option {
	opts := []delegator.Option{
		delegator.WithTypeHints(c.Target.TypeHints...),
		delegator.WithConnectTimeout(c.Timeouts.Connect.Duration),
		delegator.WithCallTimeout(c.Timeouts.Call.Duration),
		delegator.WithTerminateTimeout(c.Timeouts.Terminate.Duration),
		delegator.WithChildLogLevel(c.Child.LogLevel),
	}
	if c.Child.Command != "" || len(c.Child.Args) > 0 {
		opts = append(opts, delegator.WithCommand(c.Child.Command, c.Child.Args...))
	}
	if len(c.Child.Env) > 0 {
		opts = append(opts, delegator.WithEnv(c.Child.Env...))
	}
	if c.Child.Dir != "" {
		opts = append(opts, delegator.WithDir(c.Child.Dir))
	}
	return opts
}

// Logger builds the controller's slog logger from the Log section.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, _ := logging.ParseLevel(c.Log.Level)
	format, _ := logging.ParseFormat(c.Log.Format)
	return logging.New(w, level, format)
}
