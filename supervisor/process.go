package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// maxLineSize bounds a single forwarded output line. Longer lines are
// dropped and the rest of that stream is discarded.
const maxLineSize = 1 << 20

// ErrNoPath is returned by Start when the spec has no executable.
var ErrNoPath = errors.New("supervisor: no executable path")

// Stream names an output stream of the child.
type Stream string

const (
	// Stdout is the child's standard output.
	Stdout Stream = "stdout"
	// Stderr is the child's standard error.
	Stderr Stream = "stderr"
)

// Line is one line of child output.
type Line struct {
	PID    int
	Stream Stream
	Text   string
}

// LineSink receives child output lines. HandleLine is called from two
// goroutines (one per stream) and must be safe for concurrent use.
type LineSink interface {
	HandleLine(Line)
}

// LineSinkFunc adapts a function to LineSink.
type LineSinkFunc func(Line)

// HandleLine calls f(l).
func (f LineSinkFunc) HandleLine(l Line) { f(l) }

// Spec describes the process to start.
type Spec struct {
	// Path is the executable.
	Path string
	// Args are passed after the program name.
	Args []string
	// Env is the full environment; nil inherits the current one.
	Env []string
	// Dir is the working directory; empty means the current one.
	Dir string
	// Sink receives output lines; nil discards them.
	Sink LineSink
}

// Process is a running (or exited) child.
type Process struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}

	// Set before done is closed.
	exitCode int
	waitErr  error

	scanErrMu sync.Mutex
	scanErr   error
}

// Start spawns the process described by spec.
func Start(spec Spec) (*Process, error) {
	if spec.Path == "" {
		return nil, ErrNoPath
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process %s: %w", spec.Path, err)
	}

	p := &Process{
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		done:     make(chan struct{}),
		exitCode: -1,
	}

	sink := spec.Sink
	if sink == nil {
		sink = LineSinkFunc(func(Line) {})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go p.forward(&wg, stdout, Stdout, sink)
	go p.forward(&wg, stderr, Stderr, sink)

	go func() {
		// cmd.Wait closes the pipes, so both readers must finish first.
		wg.Wait()
		err := cmd.Wait()
		p.exitCode = cmd.ProcessState.ExitCode()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.waitErr = err
		}
		close(p.done)
	}()

	return p, nil
}

func (p *Process) forward(wg *sync.WaitGroup, r io.Reader, stream Stream, sink LineSink) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		sink.HandleLine(Line{PID: p.pid, Stream: stream, Text: scanner.Text()})
	}
	if err := scanner.Err(); err != nil {
		p.scanErrMu.Lock()
		if p.scanErr == nil {
			p.scanErr = fmt.Errorf("read %s: %w", stream, err)
		}
		p.scanErrMu.Unlock()
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
}

// PID returns the child's process id.
func (p *Process) PID() int {
	return p.pid
}

// Done is closed once the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether Done is closed.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit status, or -1 while the process is running or
// when it was terminated by a signal.
func (p *Process) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	return p.exitCode
}

// Wait blocks until the process exits or ctx ends, and returns the exit code.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.done:
		return p.exitCode, p.waitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Err returns the first output read error, if any line could not be forwarded.
func (p *Process) Err() error {
	p.scanErrMu.Lock()
	defer p.scanErrMu.Unlock()
	return p.scanErr
}

// Signal sends sig to the process. It is a no-op once the process has exited.
func (p *Process) Signal(sig os.Signal) error {
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal pid %d: %w", p.pid, err)
	}
	return nil
}

// Kill forcibly terminates the process. It does not wait for it to be reaped.
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.pid, err)
	}
	return nil
}
