// Package logging builds the dlog-fronted, logrus-backed logger every
// component logs through.
//
// Grounded on teacher cmd/traffic/logger.go's makeBaseLogger: a logrus
// logger wrapped with dlog.WrapLogrus, installed as both the fallback
// logger and the context's logger.
package logging

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
)

// Format selects the logrus formatter.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Init builds the base logger from level/format and installs it as both
// ctx's logger and dlog's process-wide fallback, mirroring the teacher's
// makeBaseLogger.
func Init(ctx context.Context, level, format string) context.Context {
	logrusLogger := logrus.New()
	logrusLogger.SetOutput(os.Stderr)

	switch Format(format) {
	case FormatJSON:
		logrusLogger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		logrusLogger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.0000"})
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logrusLogger.SetLevel(parsed)

	logger := dlog.WrapLogrus(logrusLogger)
	dlog.SetFallbackLogger(logger)

	return dlog.WithLogger(ctx, logger)
}

// ParseErr surfaces the fallback-to-info decision Init makes silently, for
// callers that want to warn about a malformed level string.
func ParseErr(level string) error {
	if _, err := logrus.ParseLevel(level); err != nil {
		return fmt.Errorf("logging: invalid level %q: %w", level, err)
	}

	return nil
}
