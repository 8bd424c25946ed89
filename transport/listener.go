package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// namePrefix marks socket files created by this package.
const namePrefix = "dlg-"

// Dial retry bounds while the child has not bound its socket yet.
const (
	dialInitialBackoff = 5 * time.Millisecond
	dialMaxBackoff     = 200 * time.Millisecond
)

// ErrInvalidName is returned for names that were not produced by NewName.
var ErrInvalidName = errors.New("transport: invalid name")

// Name identifies a rendezvous point shared by a delegator and its child.
type Name string

// NewName returns a fresh, process-unique name. Two calls never return the
// same value, so concurrently running delegators never collide.
func NewName() Name {
	id := uuid.New()
	return Name(namePrefix + strings.ReplaceAll(id.String(), "-", ""))
}

// ParseName validates a name received from the command line.
func ParseName(s string) (Name, error) {
	if !strings.HasPrefix(s, namePrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, s)
	}
	hexPart := strings.TrimPrefix(s, namePrefix)
	if len(hexPart) != 32 {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, s)
	}
	if _, err := uuid.Parse(hexPart); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidName, s, err)
	}
	return Name(s), nil
}

// String returns the name as passed on the child's command line.
func (n Name) String() string {
	return string(n)
}

// Path returns the socket path the name maps to.
func (n Name) Path() string {
	return filepath.Join(os.TempDir(), string(n)+".sock")
}

// Listener is the binding side of a rendezvous. It accepts exactly one peer.
type Listener struct {
	name Name
	ln   *net.UnixListener
}

// Listen binds name. A stale socket file left by a crashed process is removed first.
func Listen(name Name) (*Listener, error) {
	path := name.Path()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}

	addr := &net.UnixAddr{Name: path, Net: "unix"}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	ln.SetUnlinkOnClose(true)

	return &Listener{name: name, ln: ln}, nil
}

// Name returns the bound name.
func (l *Listener) Name() Name {
	return l.name
}

// Accept blocks until the peer connects or ctx is done.
// Cancelling ctx closes the listener.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = l.ln.Close()
	})
	defer stop()

	c, err := l.ln.AcceptUnix()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("accept: %w", ctx.Err())
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	return NewConn(c), nil
}

// Close releases the socket and removes its file.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Dial connects to the listener bound to name. The child may not have bound
// yet, so missing or refusing sockets are retried with backoff until ctx ends.
func Dial(ctx context.Context, name Name) (*Conn, error) {
	var d net.Dialer
	path := name.Path()
	backoff := dialInitialBackoff

	for {
		c, err := d.DialContext(ctx, "unix", path)
		if err == nil {
			return NewConn(c), nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dial %s: %w", path, ctx.Err())
		}
		if !retryable(err) {
			return nil, fmt.Errorf("dial %s: %w", path, err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("dial %s: %w", path, ctx.Err())
		case <-timer.C:
		}

		backoff *= 2
		if backoff > dialMaxBackoff {
			backoff = dialMaxBackoff
		}
	}
}

// retryable reports whether a dial error means "not bound yet".
func retryable(err error) bool {
	return errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
