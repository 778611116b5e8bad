// Package log provides structured logging for the headers daemon,
// wrapping zerolog the way Klingon-tech-klingnet/internal/log does:
// a package-level default logger plus a small set of named
// component loggers, initialized once at startup from the daemon's
// configured level.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the global default logger instance.
var Logger zerolog.Logger

// Component loggers, one per subsystem that logs independently of the
// request/operation path it's called from.
var (
	Chain   zerolog.Logger
	RPC     zerolog.Logger
	Orphan  zerolog.Logger
	Miner   zerolog.Logger
	Storage zerolog.Logger
)

func init() {
	Logger = NewConsoleLogger(os.Stdout, "info")
	initComponentLoggers()
}

// Init configures the global logger and its component loggers. jsonOutput
// selects structured JSON over the colored console writer; both forms are
// wired into zerolog rather than a hand-rolled formatter.
func Init(level string, jsonOutput bool) {
	if jsonOutput {
		Logger = NewJSONLogger(os.Stdout, level)
	} else {
		Logger = NewConsoleLogger(os.Stdout, level)
	}
	initComponentLoggers()
}

// NewConsoleLogger builds a colored, human-readable logger over w.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return zerolog.New(output).Level(parseLevel(level)).With().Timestamp().Logger()
}

// NewJSONLogger builds a structured JSON logger over w.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func initComponentLoggers() {
	Chain = Logger.With().Str("component", "chain").Logger()
	RPC = Logger.With().Str("component", "rpc").Logger()
	Orphan = Logger.With().Str("component", "orphan").Logger()
	Miner = Logger.With().Str("component", "miner").Logger()
	Storage = Logger.With().Str("component", "storage").Logger()
}

// WithComponent returns a logger tagged with an arbitrary component name,
// for subsystems that don't warrant their own package-level var.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
