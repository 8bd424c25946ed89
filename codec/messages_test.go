package codec

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestConstructionRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		desc ConstructionDescriptor
		want string
	}{
		{
			name: "zero argument factory",
			desc: ConstructionDescriptor{Target: "accumulator"},
			want: `{"target":"accumulator"}`,
		},
		{
			name: "with params",
			desc: ConstructionDescriptor{Target: "accumulator", Params: json.RawMessage(`{"start":10}`)},
			want: `{"target":"accumulator","params":{"start":10}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := EncodeConstruction(tt.desc)
			if err != nil {
				t.Fatalf("EncodeConstruction() error = %v", err)
			}
			if s != tt.want {
				t.Errorf("EncodeConstruction() = %s, want %s", s, tt.want)
			}
			back, err := DecodeConstruction(s)
			if err != nil {
				t.Fatalf("DecodeConstruction() error = %v", err)
			}
			if back.Target != tt.desc.Target || string(back.Params) != string(tt.desc.Params) {
				t.Errorf("round trip = %+v", back)
			}
		})
	}
}

func TestConstructionInvalid(t *testing.T) {
	if _, err := EncodeConstruction(ConstructionDescriptor{}); err == nil {
		t.Error("expected error for missing target")
	}
	if _, err := EncodeConstruction(ConstructionDescriptor{Target: "x", Params: json.RawMessage(`{`)}); err == nil {
		t.Error("expected error for invalid params")
	}

	for _, input := range []string{``, `[]`, `{"target":""}`, `{"target":1}`} {
		if _, err := DecodeConstruction(input); !errors.Is(err, ErrProtocol) {
			t.Errorf("DecodeConstruction(%q) expected ErrProtocol, got %v", input, err)
		}
	}
}

func TestCallRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	call, err := c.NewCall(7, "geo.move", testPoint{X: 1, Y: -1})
	if err != nil {
		t.Fatalf("NewCall() error = %v", err)
	}
	line, err := EncodeCall(call)
	if err != nil {
		t.Fatalf("EncodeCall() error = %v", err)
	}
	want := `{"id":7,"op":"geo.move","args":{"$type":"codec_test.Point","$value":{"x":1,"y":-1}}}`
	if string(line) != want {
		t.Errorf("EncodeCall() = %s, want %s", line, want)
	}

	back, err := DecodeCall(line)
	if err != nil {
		t.Fatalf("DecodeCall() error = %v", err)
	}
	if back.ID != 7 || back.Op != "geo.move" {
		t.Errorf("DecodeCall() = %+v", back)
	}
	var p testPoint
	if err := c.DecodeInto(back.Args, &p); err != nil {
		t.Fatalf("DecodeInto() error = %v", err)
	}
	if p != (testPoint{X: 1, Y: -1}) {
		t.Errorf("args = %#v", p)
	}
}

func TestNewCallWithoutArgs(t *testing.T) {
	c := newTestCodec(t)

	call, err := c.NewCall(1, "accumulator.total", nil)
	if err != nil {
		t.Fatalf("NewCall() error = %v", err)
	}
	line, _ := EncodeCall(call)
	if string(line) != `{"id":1,"op":"accumulator.total"}` {
		t.Errorf("EncodeCall() = %s", line)
	}

	if _, err := c.NewCall(1, " ", nil); err == nil {
		t.Error("expected error for empty operation")
	}
}

func TestDecodeCallErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{name: "not json", line: `hello`},
		{name: "array", line: `[1,2]`},
		{name: "missing op", line: `{"id":1}`},
		{name: "wrong id type", line: `{"id":"one","op":"x"}`},
		{name: "trailing record", line: `{"id":1,"op":"x"} {"id":2,"op":"y"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCall([]byte(tt.line))
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("expected ErrProtocol, got %v", err)
			}
		})
	}
}

func TestIsEndOfSession(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{line: ``, want: true},
		{line: `   `, want: true},
		{line: `null`, want: true},
		{line: `{"id":1,"op":"x"}`, want: false},
	}
	for _, tt := range tests {
		if got := IsEndOfSession([]byte(tt.line)); got != tt.want {
			t.Errorf("IsEndOfSession(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestResultRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		env     *ResultEnvelope
		want    string
		wantErr bool
	}{
		{
			name: "ok",
			env:  Success(3, json.RawMessage(`14`)),
			want: `{"id":3,"status":"ok","value":14}`,
		},
		{
			name:    "error",
			env:     Failure(4, "accumulator.fail", KindError, "boom"),
			want:    `{"id":4,"status":"error","error":{"op":"accumulator.fail","kind":"error","message":"boom"}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := EncodeResult(tt.env)
			if err != nil {
				t.Fatalf("EncodeResult() error = %v", err)
			}
			if string(line) != tt.want {
				t.Errorf("EncodeResult() = %s, want %s", line, tt.want)
			}

			back, err := DecodeResult(line)
			if err != nil {
				t.Fatalf("DecodeResult() error = %v", err)
			}
			if back.ID != tt.env.ID || back.Status != tt.env.Status {
				t.Errorf("DecodeResult() = %+v", back)
			}
			if (back.Err() != nil) != tt.wantErr {
				t.Errorf("Err() = %v, wantErr %v", back.Err(), tt.wantErr)
			}
		})
	}
}

func TestDecodeResultErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{name: "garbage", line: `}{`},
		{name: "unknown status", line: `{"id":1,"status":"maybe"}`},
		{name: "missing status", line: `{"id":1,"value":1}`},
		{name: "error without detail", line: `{"id":1,"status":"error"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeResult([]byte(tt.line))
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("expected ErrProtocol, got %v", err)
			}
		})
	}
}

func TestRemoteErrorMessage(t *testing.T) {
	err := Failure(1, "kv.get", KindPanic, "nil map").Err()

	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected *RemoteError, got %T", err)
	}
	if remote.Kind != KindPanic {
		t.Errorf("Kind = %s", remote.Kind)
	}
	if got := err.Error(); got != "remote panic in kv.get: nil map" {
		t.Errorf("Error() = %q", got)
	}
	if got := (&RemoteError{Kind: KindProtocol, Message: "bad"}).Error(); got != "remote protocol: bad" {
		t.Errorf("Error() = %q", got)
	}
}
