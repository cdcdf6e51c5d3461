package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and is reserved for
// wire-level output, every inbound and outbound frame of every client.
// The value -8 matches the common convention for extending slog
// downwards.
const LevelTrace = slog.Level(-8)

// levelsByName backs [ParseLogLevel]. The empty string means the
// operator set no level and gets the default.
var levelsByName = map[string]slog.Level{
	"":        slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel converts the log_level config value or the -log-level
// flag to an [slog.Level]. Matching is case-insensitive and ignores
// surrounding whitespace.
func ParseLogLevel(s string) (slog.Level, error) {
	level, ok := levelsByName[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
	return level, nil
}

// ReplaceLogLevelNames renders [LevelTrace] as "TRACE" instead of
// slog's synthetic "DEBUG-4". Install it as the handler's ReplaceAttr.
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
