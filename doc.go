// Package delegator runs a target object in a spawned child process and
// invokes operations on it synchronously, as if it were local.
//
// The controller (this package) spawns a child, hands it a transport name, a
// construction descriptor and a set of type hints, connects to the transport
// the child binds, and then exchanges one call record and one result record
// per invocation. Each Delegator owns at most one child at a time.
//
// # Architecture
//
// The library is organized into layers:
//
//   - delegator: Delegator facade (Start, Invoke, Terminate, Close)
//   - supervisor: child process spawning, output forwarding, exit tracking
//   - transport: Unix-socket rendezvous and line framing
//   - codec: construction/call descriptors, result envelopes, typed values
//   - dispatch: named constructors and operations executed in the child
//   - child: the child-side runtime and entry point
//
// # State Machine
//
//	Idle ──Start──→ Starting ──→ Ready ──Terminate──→ Terminating ──→ Terminated
//	                   │           │                                      │
//	                   │           └──(timeout, desync, crash)──→ Broken  │
//	                   └──(launch/connect failure)──→ previous state      │
//	Terminated and Broken accept Start again, which builds a fresh target.
//
// # Basic Usage
//
// The controller binary doubles as the child. Its main function hands control
// to the child runtime when it was spawned as one:
//
//	func main() {
//	    if child.Requested() {
//	        reg := dispatch.NewRegistry()
//	        accumulator.Register(reg)
//	        os.Exit(child.Main(os.Args[1:], reg))
//	    }
//
//	    d, err := delegator.New(codec.ConstructionDescriptor{Target: accumulator.TargetName})
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer d.Close()
//
//	    if err := d.Start(ctx); err != nil {
//	        log.Fatal(err)
//	    }
//	    total, err := delegator.Call[int64](ctx, d, accumulator.OpAdd, accumulator.AddArgs{N: 4})
//	}
//
// # Errors
//
// Failures are reported with the sentinel errors of this package, wrapped with
// context; test them with errors.Is. An operation that fails inside the child
// returns a *RemoteError and leaves the Delegator ready for the next call.
package delegator
