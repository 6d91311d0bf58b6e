// Package logging sets up the process-wide structured logger.
//
// Grounded on this codebase's pervasive use of log/slog (e.g.
// vanducng-goclaw/cmd/migrate.go's slog.Info("migration complete", ...) and
// ashureev-shsh-labs/internal/store/sqlite.go's structured error logs).
package logging

import (
	"log/slog"
	"os"
)

// Setup installs a text handler on stderr at the given level ("debug",
// "info", "warn", "error"; unknown values fall back to "info") and sets it
// as the default logger.
func Setup(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
