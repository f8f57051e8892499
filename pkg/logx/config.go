package logx

import (
	"strings"

	"github.com/rs/zerolog"
)

// Config selects the outputs of a Service. Every enabled output receives
// the same events; the monitor sink additionally filters by MinLevel.
type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Monitor MonitorConfig
}

// FileConfig appends JSON lines to Path ("./statusmon.log" when empty).
type FileConfig struct {
	Enabled bool
	Path    string
}

// MonitorConfig controls the sink that ships log lines into the status tree.
type MonitorConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int // default 50
}

type Level = zerolog.Level

const (
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// parseLevel accepts level names in any case; unknown names give def.
func parseLevel(s string, def Level) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
