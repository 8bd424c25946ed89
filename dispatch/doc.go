// Package dispatch maps construction descriptors and call descriptors onto Go
// code that runs inside a child process.
//
// # Targets
//
// A target is the object a child constructs once, at connect time, and then
// serves calls against until the session ends. Targets are registered by name:
//
//	reg := dispatch.NewRegistry()
//	dispatch.Target(reg, "accumulator", func(ctx context.Context) (*Accumulator, error) {
//	    return &Accumulator{}, nil
//	})
//
// A factory returning a nil instance is an error (ErrNilInstance); the child
// treats it as fatal.
//
// # Operations
//
// Operations are named, typed functions over a target:
//
//	dispatch.Register(reg, "accumulator.add", func(ctx context.Context, a *Accumulator, n int64) (int64, error) {
//	    return a.Add(n), nil
//	})
//
// Arguments are decoded with the session's codec.Codec into the operation's
// argument type, and the returned value is encoded with the same codec.
//
// # Results
//
// Dispatch never panics and never returns a Go error. Every outcome is a
// codec.ResultEnvelope: a returned error becomes kind "error", a recovered
// panic becomes kind "panic", undecodable arguments become kind "protocol" and
// a missing operation becomes kind "unknown_operation". The child keeps serving
// after any of them.
package dispatch
