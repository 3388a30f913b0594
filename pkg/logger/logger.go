// Package logger is a component-tagged facade over zerolog.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
)

// Init replaces the process logger. pretty selects the console writer,
// otherwise one JSON object per line is written.
func Init(level string, pretty bool) {
	InitWriter(os.Stderr, level, pretty)
}

// InitWriter is Init with an explicit sink.
func InitWriter(w io.Writer, level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := w
	if pretty {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	mu.Lock()
	base = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	mu.Unlock()
}

// Zerolog returns the underlying logger, for libraries that accept one.
func Zerolog() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func emit(ev *zerolog.Event, component, msg string, fields map[string]interface{}) {
	if component != "" {
		ev = ev.Str("component", component)
	}
	if len(fields) > 0 {
		ev = ev.Fields(fields)
	}
	ev.Msg(msg)
}

func DebugC(component, msg string) {
	l := Zerolog()
	emit(l.Debug(), component, msg, nil)
}

func DebugCF(component, msg string, fields map[string]interface{}) {
	l := Zerolog()
	emit(l.Debug(), component, msg, fields)
}

func InfoC(component, msg string) {
	l := Zerolog()
	emit(l.Info(), component, msg, nil)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	l := Zerolog()
	emit(l.Info(), component, msg, fields)
}

func WarnC(component, msg string) {
	l := Zerolog()
	emit(l.Warn(), component, msg, nil)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	l := Zerolog()
	emit(l.Warn(), component, msg, fields)
}

func ErrorC(component, msg string) {
	l := Zerolog()
	emit(l.Error(), component, msg, nil)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	l := Zerolog()
	emit(l.Error(), component, msg, fields)
}
