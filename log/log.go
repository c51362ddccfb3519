// Package log wires the ambient slog.Logger used across this module, in
// the teacher's style: a small default-handler construction plus a
// package-level accessor, rather than a bespoke logging abstraction.
package log

import (
	"log/slog"
	"os"
	"sync"

	"github.com/golang-cz/devslog"
	console "github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

var (
	mu      sync.RWMutex
	current *slog.Logger
)

func init() {
	current = slog.New(newDefaultHandler(os.Stderr, slog.LevelInfo))
}

// Default returns the process-wide logger. Safe for concurrent use.
func Default() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	current = l
}

// newDefaultHandler builds the handler chain used unless a caller
// overrides it: console-slog for a human-readable dev console, wrapped
// with slog-formatter so domain error values and byte slices render
// compactly instead of via the default %v, matching the teacher's
// Short()/String() terse-vs-full split.
func newDefaultHandler(w *os.File, level slog.Leveler) slog.Handler {
	base := console.NewHandler(w, &console.HandlerOptions{Level: level})
	return slogformatter.NewFormatterHandler(
		slogformatter.ErrorFormatter("error"),
		slogformatter.ByteSliceFormatter(),
	)(base)
}

// NewDevHandler returns the devslog-based handler, an alternative
// developer-facing renderer some callers prefer over console-slog.
func NewDevHandler(w *os.File, level slog.Leveler) slog.Handler {
	return devslog.NewHandler(w, &devslog.Options{
		HandlerOptions: &slog.HandlerOptions{Level: level},
	})
}
