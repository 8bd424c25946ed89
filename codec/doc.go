// Package codec converts construction descriptors, call descriptors and
// results to and from their single-line wire form.
//
// # Records
//
// Every record is one compact JSON object:
//
//	construction  {"target":"accumulator","params":{"start":10}}
//	call          {"id":3,"op":"accumulator.add","args":{"n":4}}
//	result        {"id":3,"status":"ok","value":14}
//	failure       {"id":4,"status":"error","error":{"op":"accumulator.fail","kind":"error","message":"boom"}}
//
// # Type Hints
//
// Built-in JSON values (numbers, strings, booleans, arrays, objects) need no
// configuration. Go types that must survive the round trip with their
// identity are registered once per process with RegisterType and selected
// per delegator with a TypeHints list. A hinted value is wrapped as:
//
//	{"$type":"accumulator.Snapshot","$value":{"total":14,"calls":2}}
//
// Both ends must build their Codec from the same hints. New fails when a hint
// is not registered in the current process, so a mismatch is detected when
// the child starts rather than on the first call that uses the type.
//
// # Errors
//
// Decoding failures wrap ErrProtocol. Failures raised by a remote operation
// travel inside a ResultEnvelope as a *RemoteError.
package codec
