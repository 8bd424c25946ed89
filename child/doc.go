// Package child implements the runtime that runs inside a spawned child
// process: it binds the transport name it was given, accepts the controller's
// connection, builds the target once and serves calls until the stream ends.
//
// # State Machine
//
//	Listening: transport bound, waiting for the controller to connect
//	  │
//	  └─→ Connected: construction descriptor decoded, target being built
//	        │
//	        └─→ Serving: read call, dispatch, write result, repeat
//	              │
//	              └─→ Terminated: end of stream (or empty record), target closed
//
// Any failure before Serving is fatal: Run returns an error and Main exits
// with status 1. Failures inside an operation are reported to the controller
// as error results and the loop continues.
//
// # Entry Point
//
// A binary that hosts targets registers them and hands its arguments to Main:
//
//	func main() {
//	    reg := dispatch.NewRegistry()
//	    accumulator.Register(reg)
//	    os.Exit(child.Main(os.Args[1:], reg))
//	}
//
// Main expects three positional arguments: the transport name, the encoded
// construction descriptor and the encoded type hints. Logs go to stderr as
// one JSON object per line, which the controller's supervisor forwards.
package child
