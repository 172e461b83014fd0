// Package logging wraps go-kit/log the way the teacher's main.go does:
// leveled filtering, a default timestamp, and the caller of the log site.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// New builds a logger for levelStr ("debug", "info", "warn", "error") and
// format ("logfmt" or "json"), writing to stderr.
func New(levelStr, format string) (log.Logger, error) {
	var logger log.Logger
	switch strings.ToLower(format) {
	case "", "logfmt":
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	case "json":
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))

	lvl, err := parseLevel(levelStr)
	if err != nil {
		return nil, err
	}
	return level.NewFilter(logger, lvl), nil
}

func parseLevel(s string) (level.Option, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return level.AllowInfo(), nil
	case "debug":
		return level.AllowDebug(), nil
	case "warn", "warning":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	default:
		return nil, fmt.Errorf("unknown log level %q", s)
	}
}
