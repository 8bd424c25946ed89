package delegator

import (
	"errors"

	"github.com/smnsjas/go-delegator/codec"
)

var (
	// ErrLaunchFailure is returned when the child process cannot be spawned.
	ErrLaunchFailure = errors.New("child launch failed")
	// ErrConnectFailure is returned when the transport connection to the child
	// cannot be established.
	ErrConnectFailure = errors.New("connect to child failed")
	// ErrProtocol is returned when a record from the child cannot be decoded,
	// does not answer the pending call, or the stream ends mid-call.
	ErrProtocol = codec.ErrProtocol
	// ErrNotStarted is returned when a call is made without a running child.
	ErrNotStarted = errors.New("delegator not started")
	// ErrTimeout is returned when a connect or a call exceeds its deadline.
	ErrTimeout = errors.New("timed out")
	// ErrChildExited is returned (wrapped) when the child process exited
	// while it was expected to be serving.
	ErrChildExited = errors.New("child process exited")
	// ErrAlreadyStarted is returned by Start when a child is already running.
	ErrAlreadyStarted = errors.New("delegator already started")
	// ErrBroken is returned by calls after the session became unusable. The
	// wrapped cause tells why; Terminate or Start recovers.
	ErrBroken = errors.New("delegator is broken")
)

// RemoteError is the error returned by Invoke when the operation failed
// inside the child. The Delegator stays ready.
type RemoteError = codec.RemoteError
