package main

import (
	stdlog "log"

	"github.com/rs/zerolog"

	"marionette/pkg/telemetry"
)

// levelWriter feeds component log lines into zerolog at the level named by
// their INFO/WARN/ERROR prefix.
type levelWriter struct {
	logger zerolog.Logger
}

func (w levelWriter) Write(p []byte) (int, error) {
	level, msg := telemetry.ParseLevel(string(p))
	w.logger.WithLevel(zerologLevel(level)).Msg(msg)
	return len(p), nil
}

func zerologLevel(level string) zerolog.Level {
	switch level {
	case "ERROR":
		return zerolog.ErrorLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "DEBUG":
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

func newComponentLogger(logger zerolog.Logger) *stdlog.Logger {
	return stdlog.New(levelWriter{logger: logger}, "", 0)
}
