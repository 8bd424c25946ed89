// Package accumulator is a sample delegated target that keeps a running
// total inside the child process.
package accumulator

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/smnsjas/go-delegator/codec"
	"github.com/smnsjas/go-delegator/dispatch"
)

// TargetName is the constructor name used in construction descriptors.
const TargetName = "accumulator"

// Operation ids.
const (
	OpAdd      = "accumulator.add"
	OpTotal    = "accumulator.total"
	OpReset    = "accumulator.reset"
	OpSnapshot = "accumulator.snapshot"
	OpPID      = "accumulator.pid"
)

// SnapshotType is the registered codec name of Snapshot. Callers that
// expect a Snapshot result must include it in their type hints.
const SnapshotType = "accumulator.Snapshot"

func init() {
	codec.RegisterType(SnapshotType, Snapshot{})
}

// Params configures construction.
type Params struct {
	Start int64 `json:"start,omitempty"`
}

// AddArgs are the arguments of OpAdd. DelayMS makes the call sleep first,
// which is useful for exercising call timeouts.
type AddArgs struct {
	N       int64 `json:"n"`
	DelayMS int64 `json:"delay_ms,omitempty"`
}

// Snapshot is the full state of an accumulator.
type Snapshot struct {
	Total int64     `json:"total"`
	Adds  int       `json:"adds"`
	PID   int       `json:"pid"`
	Since time.Time `json:"since"`
}

// Accumulator keeps a running total.
type Accumulator struct {
	mu    sync.Mutex
	total int64
	adds  int
	since time.Time
}

// New returns an accumulator starting at start.
func New(start int64) *Accumulator {
	return &Accumulator{total: start, since: time.Now().UTC()}
}

// Add adds n after waiting delay, and returns the new total.
func (a *Accumulator) Add(ctx context.Context, n int64, delay time.Duration) (int64, error) {
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total += n
	a.adds++
	return a.total, nil
}

// Total returns the current total.
func (a *Accumulator) Total() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Reset sets the total back to zero and returns the previous total.
func (a *Accumulator) Reset() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.total
	a.total = 0
	a.adds = 0
	return prev
}

// Snapshot returns the current state.
func (a *Accumulator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{Total: a.total, Adds: a.adds, PID: os.Getpid(), Since: a.since}
}

// Register adds the accumulator constructor and operations to reg.
func Register(reg *dispatch.Registry) {
	dispatch.TargetWith(reg, TargetName, func(ctx context.Context, p Params) (*Accumulator, error) {
		return New(p.Start), nil
	})
	dispatch.Register(reg, OpAdd, func(ctx context.Context, a *Accumulator, args AddArgs) (int64, error) {
		return a.Add(ctx, args.N, time.Duration(args.DelayMS)*time.Millisecond)
	})
	dispatch.Register(reg, OpTotal, func(ctx context.Context, a *Accumulator, _ struct{}) (int64, error) {
		return a.Total(), nil
	})
	dispatch.Register(reg, OpReset, func(ctx context.Context, a *Accumulator, _ struct{}) (int64, error) {
		return a.Reset(), nil
	})
	dispatch.Register(reg, OpSnapshot, func(ctx context.Context, a *Accumulator, _ struct{}) (Snapshot, error) {
		return a.Snapshot(), nil
	})
	dispatch.Register(reg, OpPID, func(ctx context.Context, a *Accumulator, _ struct{}) (int, error) {
		return os.Getpid(), nil
	})
}
