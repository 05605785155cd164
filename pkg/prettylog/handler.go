// Package prettylog is a colorized slog handler for local development.
// Production deployments keep the default JSON handler.
package prettylog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

const timeFormat = "15:04:05.000"

const (
	reset = "\033[0m"

	cyan     = 36
	darkGray = 90
	lightRed = 91
	yellow   = 93
	white    = 97
)

func colorize(colorCode int, v string) string {
	return fmt.Sprintf("\033[%sm%s%s", strconv.Itoa(colorCode), v, reset)
}

type handler struct {
	level  slog.Level
	output *os.File
}

func NewHandler(level slog.Level) slog.Handler {
	return &handler{
		level:  level,
		output: os.Stderr,
	}
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *handler) WithGroup(name string) slog.Handler {
	return h
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	level := r.Level.String() + ":"
	switch r.Level {
	case slog.LevelDebug:
		level = colorize(darkGray, level)
	case slog.LevelInfo:
		level = colorize(cyan, level)
	case slog.LevelWarn:
		level = colorize(yellow, level)
	case slog.LevelError:
		level = colorize(lightRed, level)
	}

	sb := strings.Builder{}
	sb.WriteString(colorize(darkGray, r.Time.Format(timeFormat)))
	sb.WriteString(" ")
	sb.WriteString(level)
	sb.WriteString(" ")
	sb.WriteString(colorize(white, r.Message))

	attrs := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	if len(attrs) > 0 {
		encoded, err := json.Marshal(attrs)
		if err != nil {
			encoded = []byte(fmt.Sprintf("%v", attrs))
		}
		sb.WriteString(" ")
		sb.WriteString(colorize(darkGray, string(encoded)))
	}
	sb.WriteString("\n")

	_, err := h.output.WriteString(sb.String())
	return err
}
