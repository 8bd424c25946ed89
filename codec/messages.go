package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrProtocol is returned (wrapped) when a record cannot be decoded into the
// expected descriptor or result shape.
var ErrProtocol = errors.New("protocol error")

// Status is the outcome carried by a ResultEnvelope.
type Status string

const (
	// StatusOK marks a result carrying a value.
	StatusOK Status = "ok"
	// StatusError marks a result carrying a RemoteError.
	StatusError Status = "error"
)

// ErrorKind classifies a remote failure.
type ErrorKind string

const (
	// KindError means the operation returned an error.
	KindError ErrorKind = "error"
	// KindPanic means the operation panicked; the child kept serving.
	KindPanic ErrorKind = "panic"
	// KindProtocol means the child could not decode the call record.
	KindProtocol ErrorKind = "protocol"
	// KindUnknownOperation means no operation is registered under the requested id.
	KindUnknownOperation ErrorKind = "unknown_operation"
)

// ConstructionDescriptor selects the named constructor that builds the
// remote target. Params is an optional fixed-shape payload for constructors
// that take one.
type ConstructionDescriptor struct {
	Target string          `json:"target"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Validate checks the descriptor before it is shipped to a child.
func (d ConstructionDescriptor) Validate() error {
	if strings.TrimSpace(d.Target) == "" {
		return errors.New("construction descriptor missing target")
	}
	if len(d.Params) > 0 && !json.Valid(d.Params) {
		return fmt.Errorf("construction descriptor %q has invalid params", d.Target)
	}
	return nil
}

// EncodeConstruction returns the descriptor as a single-line string, suitable
// for a command line argument.
func EncodeConstruction(d ConstructionDescriptor) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	data, err := marshalLine(d)
	if err != nil {
		return "", fmt.Errorf("encode construction: %w", err)
	}
	return string(data), nil
}

// DecodeConstruction parses the output of EncodeConstruction.
func DecodeConstruction(s string) (ConstructionDescriptor, error) {
	var d ConstructionDescriptor
	if err := strictUnmarshal([]byte(s), &d); err != nil {
		return ConstructionDescriptor{}, fmt.Errorf("%w: decode construction: %v", ErrProtocol, err)
	}
	if err := d.Validate(); err != nil {
		return ConstructionDescriptor{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return d, nil
}

// CallDescriptor is one invocation: an operation id and its encoded arguments.
type CallDescriptor struct {
	ID   uint64          `json:"id"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// NewCall builds a call descriptor, encoding args with the codec.
func (c *Codec) NewCall(id uint64, op string, args any) (*CallDescriptor, error) {
	if strings.TrimSpace(op) == "" {
		return nil, errors.New("call descriptor missing operation")
	}
	call := &CallDescriptor{ID: id, Op: op}
	if args != nil {
		raw, err := c.EncodeValue(args)
		if err != nil {
			return nil, fmt.Errorf("encode args for %s: %w", op, err)
		}
		call.Args = raw
	}
	return call, nil
}

// EncodeCall returns the single-line wire form of call.
func EncodeCall(call *CallDescriptor) ([]byte, error) {
	data, err := marshalLine(call)
	if err != nil {
		return nil, fmt.Errorf("encode call: %w", err)
	}
	return data, nil
}

// DecodeCall parses one call record.
func DecodeCall(line []byte) (*CallDescriptor, error) {
	var call CallDescriptor
	if err := strictUnmarshal(line, &call); err != nil {
		return nil, fmt.Errorf("%w: decode call: %v", ErrProtocol, err)
	}
	if strings.TrimSpace(call.Op) == "" {
		return &call, fmt.Errorf("%w: call %d missing operation", ErrProtocol, call.ID)
	}
	return &call, nil
}

// IsEndOfSession reports whether a received record is empty or a JSON null,
// which the child treats like end of stream.
func IsEndOfSession(line []byte) bool {
	return isNull(line)
}

// RemoteError describes a failure raised inside the child while executing a call.
type RemoteError struct {
	Op      string    `json:"op,omitempty"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("remote %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("remote %s in %s: %s", e.Kind, e.Op, e.Message)
}

// ResultEnvelope is the outcome of one call.
type ResultEnvelope struct {
	ID     uint64          `json:"id"`
	Status Status          `json:"status"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// Success returns an ok envelope for call id.
func Success(id uint64, value json.RawMessage) *ResultEnvelope {
	return &ResultEnvelope{ID: id, Status: StatusOK, Value: value}
}

// Failure returns an error envelope for call id.
func Failure(id uint64, op string, kind ErrorKind, msg string) *ResultEnvelope {
	return &ResultEnvelope{
		ID:     id,
		Status: StatusError,
		Error:  &RemoteError{Op: op, Kind: kind, Message: msg},
	}
}

// Err returns the envelope's RemoteError, or nil for an ok result.
func (r *ResultEnvelope) Err() error {
	if r.Status == StatusError {
		return r.Error
	}
	return nil
}

// EncodeResult returns the single-line wire form of r.
func EncodeResult(r *ResultEnvelope) ([]byte, error) {
	data, err := marshalLine(r)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}

// DecodeResult parses one result record.
func DecodeResult(line []byte) (*ResultEnvelope, error) {
	var r ResultEnvelope
	if err := strictUnmarshal(line, &r); err != nil {
		return nil, fmt.Errorf("%w: decode result: %v", ErrProtocol, err)
	}
	switch r.Status {
	case StatusOK:
	case StatusError:
		if r.Error == nil {
			return nil, fmt.Errorf("%w: result %d has error status without error", ErrProtocol, r.ID)
		}
	default:
		return nil, fmt.Errorf("%w: result %d has unknown status %q", ErrProtocol, r.ID, r.Status)
	}
	return &r, nil
}

// marshalLine encodes v as compact JSON and guarantees a single line.
func marshalLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		return nil, errors.New("encoded record contains a newline")
	}
	return data, nil
}

// strictUnmarshal decodes exactly one JSON object and rejects trailing data.
func strictUnmarshal(line []byte, v any) error {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("record is not a JSON object")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after record")
	}
	return nil
}
