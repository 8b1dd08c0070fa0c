package monitoring

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	console "github.com/phsym/console-slog"
)

var (
	loggerMu sync.RWMutex
	logger   = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
)

// Logf is the package-level diagnostic logger used by the instrument core.
// Messages carry a bracketed subsystem prefix, e.g. "[motion] ...". It defaults
// to an Info record on the process slog logger but may be replaced by SetLogger.
// Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = defaultLogf

func defaultLogf(format string, v ...interface{}) {
	Logger().Info(fmt.Sprintf(format, v...))
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Logger returns the process structured logger.
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Configure installs the process structured logger. A development logger
// writes colourised console lines; otherwise records are JSON. Logf is reset
// to forward into the new logger.
func Configure(w io.Writer, development bool, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lv := &slog.LevelVar{}
	lv.Set(level)

	var handler slog.Handler
	if development {
		handler = console.NewHandler(w, &console.HandlerOptions{Level: lv})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: lv,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					a.Key = "ts"
				}
				return a
			},
		})
	}

	l := slog.New(handler)
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
	Logf = defaultLogf
	return l
}
