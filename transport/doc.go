// Package transport implements the duplex, line-framed connection between a
// delegator and the child process it spawned.
//
// # Rendezvous
//
// Both ends agree on a Name generated once per delegator. The name maps to a
// Unix domain socket under os.TempDir(). The roles are inverted compared to a
// usual client/server pairing:
//
//   - the child process is the listener: it binds the name and blocks in Accept
//   - the controller is the connector: it dials the name when it is ready
//
// This lets the controller delay the handshake after spawning the child, for
// example to attach a debugger to the fresh process.
//
// # Framing
//
// Every record is a single line of UTF-8 text terminated by '\n':
//
//	{"id":1,"op":"accumulator.add","args":{"n":4}}\n
//	{"id":1,"status":"ok","value":4}\n
//
// Encoders must never emit embedded newlines; WriteLine rejects them with
// ErrEmbeddedNewline. A clean close by the peer surfaces as io.EOF from
// ReadLine, and a partial record at end of stream as ErrTruncated.
//
// # Usage
//
// Child side:
//
//	ln, err := transport.Listen(name)
//	if err != nil {
//	    return err
//	}
//	defer ln.Close()
//	conn, err := ln.Accept(ctx)
//
// Controller side:
//
//	conn, err := transport.Dial(ctx, name)
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//	_ = conn.WriteLine(record)
//	reply, err := conn.ReadLine()
package transport
