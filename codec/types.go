package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// Keys of a typed value wrapper.
const (
	typeKey  = "$type"
	valueKey = "$value"
)

var (
	// ErrUnknownType is returned when a hint or a received $type is not registered.
	ErrUnknownType = errors.New("unknown type")
	// ErrUnhintedType is returned when encoding a registered type that is not in the hints.
	ErrUnhintedType = errors.New("type not in type hints")
	// ErrTypeMismatch is returned when a typed value cannot be stored in the destination.
	ErrTypeMismatch = errors.New("type mismatch")
)

// typeRegistry maps names to Go types for the whole process.
type typeRegistry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

var registry = &typeRegistry{
	byName: make(map[string]reflect.Type),
	byType: make(map[reflect.Type]string),
}

// RegisterType records a Go type under name so it can be named in TypeHints.
// sample may be a value or a pointer; the pointed-to type is registered.
// Like gob.RegisterName, it panics when the name or type is already bound to
// something else, because that is a programming error detected at init time.
func RegisterType(name string, sample any) {
	if strings.TrimSpace(name) == "" {
		panic("codec: RegisterType with empty name")
	}
	t := baseType(reflect.TypeOf(sample))
	if t == nil {
		panic("codec: RegisterType with nil sample")
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if prev, ok := registry.byName[name]; ok && prev != t {
		panic(fmt.Sprintf("codec: name %q registered for %v and %v", name, prev, t))
	}
	if prev, ok := registry.byType[t]; ok && prev != name {
		panic(fmt.Sprintf("codec: type %v registered as %q and %q", t, prev, name))
	}
	registry.byName[name] = t
	registry.byType[t] = name
}

// RegisteredTypes returns the sorted names of all registered types.
func RegisteredTypes() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	names := make([]string, 0, len(registry.byName))
	for name := range registry.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupName(name string) (reflect.Type, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	t, ok := registry.byName[name]
	return t, ok
}

func lookupType(t reflect.Type) (string, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	name, ok := registry.byType[t]
	return name, ok
}

func baseType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// TypeHints lists the registered types a codec resolves, beyond built-ins.
type TypeHints []string

// Encode returns the hints as a single-line JSON array.
func (h TypeHints) Encode() (string, error) {
	if h == nil {
		h = TypeHints{}
	}
	data, err := json.Marshal([]string(h))
	if err != nil {
		return "", fmt.Errorf("encode type hints: %w", err)
	}
	return string(data), nil
}

// DecodeHints parses the output of TypeHints.Encode.
func DecodeHints(s string) (TypeHints, error) {
	var hints []string
	if err := json.Unmarshal([]byte(s), &hints); err != nil {
		return nil, fmt.Errorf("%w: decode type hints: %v", ErrProtocol, err)
	}
	return TypeHints(hints), nil
}

// Codec encodes and decodes values for one hint set.
// It is immutable after New and safe for concurrent use.
type Codec struct {
	hints  TypeHints
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// New builds a codec resolving exactly the hinted types.
// Every hint must have been registered with RegisterType.
func New(hints TypeHints) (*Codec, error) {
	c := &Codec{
		byName: make(map[string]reflect.Type, len(hints)),
		byType: make(map[reflect.Type]string, len(hints)),
	}
	for _, name := range hints {
		if _, dup := c.byName[name]; dup {
			continue
		}
		t, ok := lookupName(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
		}
		c.byName[name] = t
		c.byType[t] = name
		c.hints = append(c.hints, name)
	}
	return c, nil
}

// Hints returns the hint set the codec was built from, without duplicates.
func (c *Codec) Hints() TypeHints {
	out := make(TypeHints, len(c.hints))
	copy(out, c.hints)
	return out
}

type typedValue struct {
	Type  string          `json:"$type"`
	Value json.RawMessage `json:"$value"`
}

// EncodeValue encodes v as compact JSON, wrapping hinted types.
func (c *Codec) EncodeValue(v any) (json.RawMessage, error) {
	wrapped, err := c.wrap(v)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(wrapped)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return data, nil
}

func (c *Codec) wrap(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return x, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			w, err := c.wrap(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = w
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			w, err := c.wrap(item)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			out[k] = w
		}
		return out, nil
	}

	t := baseType(reflect.TypeOf(v))
	if name, ok := c.byType[t]; ok {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		return typedValue{Type: name, Value: raw}, nil
	}
	if name, ok := lookupType(t); ok {
		return nil, fmt.Errorf("%w: %q", ErrUnhintedType, name)
	}
	return v, nil
}

// DecodeValue decodes a value produced by EncodeValue.
// Hinted types come back as their registered Go type (not a pointer).
// Integral numbers decode as int64, other numbers as float64.
func (c *Codec) DecodeValue(raw json.RawMessage) (any, error) {
	if isNull(raw) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: decode value: %v", ErrProtocol, err)
	}
	return c.unwrap(v)
}

func (c *Codec) unwrap(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: number %q: %v", ErrProtocol, x, err)
		}
		return f, nil
	case []any:
		for i, item := range x {
			u, err := c.unwrap(item)
			if err != nil {
				return nil, err
			}
			x[i] = u
		}
		return x, nil
	case map[string]any:
		if name, ok := typedName(x); ok {
			return c.resolve(name, x[valueKey])
		}
		for k, item := range x {
			u, err := c.unwrap(item)
			if err != nil {
				return nil, err
			}
			x[k] = u
		}
		return x, nil
	default:
		return v, nil
	}
}

// typedName reports whether m is a {"$type","$value"} wrapper.
func typedName(m map[string]any) (string, bool) {
	if len(m) != 2 {
		return "", false
	}
	name, ok := m[typeKey].(string)
	if !ok {
		return "", false
	}
	_, ok = m[valueKey]
	return name, ok
}

func (c *Codec) resolve(name string, value any) (any, error) {
	t, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %q", ErrProtocol, ErrUnknownType, name)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: re-encode %s: %v", ErrProtocol, name, err)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrProtocol, name, err)
	}
	return ptr.Elem().Interface(), nil
}

// DecodeInto decodes raw into out, which must be a non-nil pointer.
// A typed wrapper must name the type of *out (or **out); when out points to
// an interface the value is resolved as in DecodeValue.
func (c *Codec) DecodeInto(raw json.RawMessage, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("decode into %T: destination must be a non-nil pointer", out)
	}
	if isNull(raw) {
		return nil
	}

	dst := rv.Elem()
	if dst.Kind() == reflect.Interface {
		v, err := c.DecodeValue(raw)
		if err != nil {
			return err
		}
		if v == nil {
			return nil
		}
		val := reflect.ValueOf(v)
		if !val.Type().AssignableTo(dst.Type()) {
			return fmt.Errorf("%w: %w: %s is not assignable to %s", ErrProtocol, ErrTypeMismatch, val.Type(), dst.Type())
		}
		dst.Set(val)
		return nil
	}

	if tv, ok := asTypedValue(raw); ok {
		t, known := c.byName[tv.Type]
		if !known {
			return fmt.Errorf("%w: %w: %q", ErrProtocol, ErrUnknownType, tv.Type)
		}
		if baseType(dst.Type()) != t {
			return fmt.Errorf("%w: %w: %q into %s", ErrProtocol, ErrTypeMismatch, tv.Type, dst.Type())
		}
		raw = tv.Value
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode into %s: %v", ErrProtocol, dst.Type(), err)
	}
	return nil
}

func asTypedValue(raw json.RawMessage) (typedValue, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' || !bytes.Contains(trimmed, []byte(`"`+typeKey+`"`)) {
		return typedValue{}, false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &m); err != nil || len(m) != 2 {
		return typedValue{}, false
	}
	var tv typedValue
	if err := json.Unmarshal(m[typeKey], &tv.Type); err != nil || tv.Type == "" {
		return typedValue{}, false
	}
	value, ok := m[valueKey]
	if !ok {
		return typedValue{}, false
	}
	tv.Value = value
	return tv, true
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
