package slogobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
)

// HandlerOptions configures NewHandler.
type HandlerOptions struct {
	Format Format
	Level  slog.Level
	Output io.Writer
	Colors bool
}

// NewHandler returns a slog.Handler for the requested format. JSON output uses
// slog's JSON handler with TRACE-aware level names; compact and pretty use
// the line-oriented textHandler.
func NewHandler(opts HandlerOptions) slog.Handler {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Format == FormatJSON {
		return slog.NewJSONHandler(opts.Output, &slog.HandlerOptions{
			Level: opts.Level,
			ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
				if attr.Key == slog.LevelKey {
					if level, ok := attr.Value.Any().(slog.Level); ok {
						return slog.String(slog.LevelKey, levelName(level))
					}
				}
				return attr
			},
		})
	}

	colors := opts.Colors
	if file, ok := opts.Output.(*os.File); ok && !colors {
		colors = isTerminal(file)
	}
	return &textHandler{
		shared: &textOutput{writer: opts.Output},
		pretty: opts.Format == FormatPretty,
		level:  opts.Level,
		colors: colors,
	}
}

type textOutput struct {
	mu     sync.Mutex
	writer io.Writer
}

type textHandler struct {
	shared *textOutput
	pretty bool
	level  slog.Level
	colors bool
	attrs  []slog.Attr
	prefix string
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = slices.Clip(h.attrs)
	for _, attr := range attrs {
		clone.attrs = append(clone.attrs, slog.Attr{Key: h.prefix + attr.Key, Value: attr.Value})
	}
	return &clone
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

func (h *textHandler) Handle(_ context.Context, record slog.Record) error {
	keys, values := h.collect(record)

	var line strings.Builder
	line.WriteString(record.Time.Format("2006-01-02 15:04:05"))
	line.WriteByte(' ')
	name := fmt.Sprintf("%5s", levelName(record.Level))
	if h.colors {
		name = levelColor(record.Level) + name + colorReset
	}
	line.WriteString(name)
	line.WriteByte(' ')
	line.WriteString(record.Message)

	if h.pretty {
		line.WriteByte('\n')
		for _, key := range keys {
			fmt.Fprintf(&line, "    %s: %v\n", key, values[key])
		}
	} else {
		if len(keys) > 0 {
			encoded, err := json.Marshal(values)
			if err != nil {
				encoded = []byte(`{"attrs":"unencodable"}`)
			}
			line.WriteString(" → ")
			line.Write(encoded)
		}
		line.WriteByte('\n')
	}

	h.shared.mu.Lock()
	defer h.shared.mu.Unlock()
	_, err := io.WriteString(h.shared.writer, line.String())
	return err
}

// collect merges handler and record attributes; record values win.
func (h *textHandler) collect(record slog.Record) ([]string, map[string]any) {
	values := make(map[string]any, len(h.attrs)+record.NumAttrs())
	for _, attr := range h.attrs {
		values[attr.Key] = attrValue(attr.Value)
	}
	record.Attrs(func(attr slog.Attr) bool {
		values[h.prefix+attr.Key] = attrValue(attr.Value)
		return true
	})
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys, values
}

func attrValue(value slog.Value) any {
	resolved := value.Resolve()
	if resolved.Kind() == slog.KindDuration {
		return resolved.Duration().String()
	}
	return resolved.Any()
}

const colorReset = "\033[0m"

func levelColor(level slog.Level) string {
	switch {
	case level < slog.LevelDebug:
		return "\033[90m"
	case level < slog.LevelInfo:
		return "\033[34m"
	case level < slog.LevelWarn:
		return "\033[32m"
	case level < slog.LevelError:
		return "\033[33m"
	default:
		return "\033[31m"
	}
}

func isTerminal(file *os.File) bool {
	info, err := file.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
