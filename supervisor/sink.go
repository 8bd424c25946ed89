package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
)

// SlogSink logs child output through a slog.Logger, tagging every record
// with role=child, the child's pid and the stream.
//
// A line that is a JSON object with a "message" field (as written by the
// child runtime's logger) is logged with its own level and message, and its
// remaining fields are attached as attributes. Any other line is logged
// verbatim: stdout at info, stderr at warn.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a sink logging to l, or to slog.Default when l is nil.
func NewSlogSink(l *slog.Logger) *SlogSink {
	if l == nil {
		l = slog.Default()
	}
	return &SlogSink{logger: l}
}

// HandleLine implements LineSink.
func (s *SlogSink) HandleLine(l Line) {
	ctx := context.Background()
	attrs := []slog.Attr{
		slog.String("role", "child"),
		slog.Int("pid", l.PID),
		slog.String("stream", string(l.Stream)),
	}

	if msg, level, fields, ok := parseStructured(l.Text); ok {
		s.logger.LogAttrs(ctx, level, msg, append(attrs, fields...)...)
		return
	}

	level := slog.LevelInfo
	if l.Stream == Stderr {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, l.Text, attrs...)
}

// Fields the child logger always writes; they are replaced by the sink's own tags.
var reservedFields = map[string]bool{
	"level":   true,
	"message": true,
	"time":    true,
	"role":    true,
	"pid":     true,
}

func parseStructured(text string) (string, slog.Level, []slog.Attr, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return "", 0, nil, false
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return "", 0, nil, false
	}
	msg, ok := fields["message"].(string)
	if !ok {
		return "", 0, nil, false
	}
	levelName, _ := fields["level"].(string)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !reservedFields[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	return msg, levelFromName(levelName), attrs, true
}

// levelFromName maps zerolog level names onto slog levels.
func levelFromName(name string) slog.Level {
	switch name {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error", "fatal", "panic":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
