// Command delegatorctl runs a sample target in a child process and invokes
// operations on it.
//
//	delegatorctl run accumulator.add='{"n":4}' accumulator.add='{"n":10}'
//	delegatorctl run --target kvstore --hint kvstore.Entry kvstore.put='{"key":"a","value":"b"}'
//
// The binary re-executes itself as the child through the hidden child command.
package main

import (
	"os"

	"github.com/alecthomas/kong"

	"github.com/smnsjas/go-delegator/child"
	"github.com/smnsjas/go-delegator/targets"
)

const version = "0.1.0"

// CLI defines the command-line interface for delegatorctl.
var CLI struct {
	Run     RunCmd     `cmd:"" help:"Start a child and invoke operations on it"`
	Targets TargetsCmd `cmd:"" help:"List the targets and operations this binary serves"`
	Version VersionCmd `cmd:"" help:"Print version information"`
	Child   ChildCmd   `cmd:"" hidden:"" help:"Serve a target (spawned by run)"`
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("delegatorctl"),
		kong.Description("Run targets in a delegated child process"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(ctx)
	ctx.FatalIfErrorf(err)
}

// ChildCmd is the child side of run.
type ChildCmd struct {
	Args child.Args `embed:""`
}

// Run serves the target until the controller ends the session.
func (c *ChildCmd) Run(ctx *kong.Context) error {
	logger := child.NewLogger(ctx.Stderr, os.Getenv(child.EnvLogLevel))
	if code := child.Serve(c.Args, targets.Registry(), logger); code != 0 {
		ctx.Exit(code)
	}
	return nil
}
