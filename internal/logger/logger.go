// Package logger wraps zerolog behind a small key-value API. Child loggers
// carry a component field and can have their level raised or lowered per
// component without touching the rest of the process.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Log is the root logger.
var Log *Logger

var (
	mu        sync.RWMutex
	overrides = map[string]zerolog.Level{}
)

// Logger wraps a zerolog.Logger with variadic key-value helpers.
type Logger struct {
	z zerolog.Logger
}

func init() {
	Log = &Logger{z: zerolog.New(newWriter("console")).With().Timestamp().Logger()}
}

// Setup configures the root logger level and output format ("console" or
// "json") and clears any per-component overrides.
func Setup(level, format string) {
	zerolog.SetGlobalLevel(parseLevel(level))
	mu.Lock()
	overrides = map[string]zerolog.Level{}
	mu.Unlock()
	Log = &Logger{z: zerolog.New(newWriter(format)).With().Timestamp().Logger()}
}

// SetComponentLevel overrides the level for loggers subsequently derived
// with the given component, e.g. debugging the simulator while the rest of
// the process stays at info.
func SetComponentLevel(component, level string) {
	mu.Lock()
	overrides[component] = parseLevel(level)
	mu.Unlock()
}

// With returns a child logger tagged with a component field, at the
// component's override level when one is set.
func (l *Logger) With(component string) *Logger {
	z := l.z.With().Str("component", component).Logger()
	mu.RLock()
	lv, ok := overrides[component]
	mu.RUnlock()
	if ok {
		z = z.Level(lv)
	}
	return &Logger{z: z}
}

func newWriter(format string) io.Writer {
	if strings.ToLower(format) == "json" {
		return os.Stderr
	}
	return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
}

func parseLevel(level string) zerolog.Level {
	lv, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lv == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lv
}

// Info logs at Info level with variadic key-value pairs.
func (l *Logger) Info(msg string, args ...interface{}) {
	e := l.z.Info()
	addFields(e, args...)
	e.Msg(msg)
}

// Debug logs at Debug level with variadic key-value pairs.
func (l *Logger) Debug(msg string, args ...interface{}) {
	e := l.z.Debug()
	addFields(e, args...)
	e.Msg(msg)
}

// Warn logs at Warn level with variadic key-value pairs.
func (l *Logger) Warn(msg string, args ...interface{}) {
	e := l.z.Warn()
	addFields(e, args...)
	e.Msg(msg)
}

// Error logs at Error level with variadic key-value pairs.
func (l *Logger) Error(msg string, args ...interface{}) {
	e := l.z.Error()
	addFields(e, args...)
	e.Msg(msg)
}

func addFields(e *zerolog.Event, args ...interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", args[i])
		}
		e.Interface(key, args[i+1])
	}
}
