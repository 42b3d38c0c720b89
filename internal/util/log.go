// Package util provides process-wide logging and runtime counters.
package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by the pterm default logger.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Scope is a logger bound to one component. Every line carries the
// component name plus any fixed key/value pairs given to With.
type Scope struct {
	name string
	kv   []any
}

// Scoped returns a logger for the named component.
func Scoped(name string) Scope {
	return Scope{name: name}
}

// With returns a copy of s that appends the given key/value pairs to every line.
func (s Scope) With(kv ...any) Scope {
	next := make([]any, 0, len(s.kv)+len(kv))
	next = append(next, s.kv...)
	next = append(next, kv...)
	return Scope{name: s.name, kv: next}
}

func (s Scope) args() []pterm.LoggerArgument {
	kv := append([]any{"component", s.name}, s.kv...)
	return pterm.DefaultLogger.Args(kv...)
}

func (s Scope) Debug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...), s.args())
}

func (s Scope) Info(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...), s.args())
}

func (s Scope) Warn(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...), s.args())
}

func (s Scope) Error(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...), s.args())
}
