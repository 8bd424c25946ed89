// Package supervisor spawns a child process, forwards its output line by line
// and tracks its lifetime.
//
// Each line written by the child to stdout or stderr is delivered to a
// LineSink as soon as it is read, tagged with the child's PID and stream.
// Lines from the two streams are read concurrently, so their relative order
// is not preserved.
//
// The process is reaped exactly once, after both streams have been drained;
// Done is closed at that point and ExitCode becomes valid.
//
//	proc, err := supervisor.Start(supervisor.Spec{
//	    Path: exe,
//	    Args: args,
//	    Sink: supervisor.NewSlogSink(logger),
//	})
//	if err != nil {
//	    return err
//	}
//	code, err := proc.Wait(ctx)
package supervisor
