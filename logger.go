package gpumem

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

// devices holds the backend devices of open managers so SetLogger can
// reach them.
var (
	devicesMu sync.Mutex
	devices   = map[loggerSetter]int{}
)

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for gpumem and the backend devices of
// open managers. By default, gpumem produces no log output.
//
// SetLogger is safe for concurrent use. Pass nil to restore the default
// silent behavior.
//
// Log levels used by gpumem:
//   - [slog.LevelDebug]: page creation, free-list reuse, fence waits
//   - [slog.LevelInfo]: manager lifecycle, scope teardown
//   - [slog.LevelWarn]: budget pressure, descriptor heap exhaustion
//   - [slog.LevelError]: device loss
//
// Example:
//
//	gpumem.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	devicesMu.Lock()
	defer devicesMu.Unlock()
	for d := range devices {
		d.SetLogger(l)
	}
}

// Logger returns the current logger used by gpumem.
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by backend devices that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

// attachLogger hands the current logger to dev and keeps it updated
// until detachLogger.
func attachLogger(dev any) {
	ls, ok := dev.(loggerSetter)
	if !ok {
		return
	}
	devicesMu.Lock()
	defer devicesMu.Unlock()
	devices[ls]++
	ls.SetLogger(Logger())
}

func detachLogger(dev any) {
	ls, ok := dev.(loggerSetter)
	if !ok {
		return
	}
	devicesMu.Lock()
	defer devicesMu.Unlock()
	if devices[ls]--; devices[ls] <= 0 {
		delete(devices, ls)
	}
}
