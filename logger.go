package resilience

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Logger receives structured events from the core: retry attempts, circuit
// transitions, fallback usage, cache activity. Arguments after msg are
// alternating key/value pairs. The core never formats log lines itself;
// plug in whatever sink the host process uses.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// SimpleLogger writes key=value lines to stderr. Intended for examples and
// tests; production consumers should use the zap adapter or their own sink.
type SimpleLogger struct {
	logger *log.Logger
}

// NewSimpleLogger creates a console logger.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{logger: log.New(os.Stderr, "", log.LstdFlags)}
}

func (l *SimpleLogger) Debug(msg string, kv ...any) { l.print("DEBUG", msg, kv) }
func (l *SimpleLogger) Info(msg string, kv ...any)  { l.print("INFO", msg, kv) }
func (l *SimpleLogger) Warn(msg string, kv ...any)  { l.print("WARN", msg, kv) }
func (l *SimpleLogger) Error(msg string, kv ...any) { l.print("ERROR", msg, kv) }

func (l *SimpleLogger) print(level, msg string, kv []any) {
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	if len(kv)%2 != 0 {
		fmt.Fprintf(&b, " %v=?", kv[len(kv)-1])
	}
	l.logger.Println(b.String())
}

// nopLogger discards everything. Used when no logger is configured so call
// sites can log unconditionally.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// debugGate silences Debug lines for one event category; all other levels
// pass through to the underlying logger.
type debugGate struct {
	Logger
	on bool
}

func (g debugGate) Debug(msg string, kv ...any) {
	if g.on {
		g.Logger.Debug(msg, kv...)
	}
}

// DebugConfig selects which lifecycle events get logged. All flags default
// to on once debugging is enabled; disable selectively for less noise.
type DebugConfig struct {
	Enabled      bool
	LogRetries   bool
	LogCircuit   bool
	LogCache     bool
	LogDedup     bool
	LogCoalesce  bool
	RequestIDGen func() string
}

// DefaultDebugConfig returns a config with every event category enabled and
// UUID request IDs.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		Enabled:      false,
		LogRetries:   true,
		LogCircuit:   true,
		LogCache:     true,
		LogDedup:     true,
		LogCoalesce:  true,
		RequestIDGen: uuid.NewString,
	}
}
