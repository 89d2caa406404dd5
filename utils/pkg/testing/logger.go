package settlertesting

import (
	"log/slog"
	"os"
)

// NewLogger returns a quiet test logger. Set DEBUG=1 for info logs or
// DEBUG=2 for debug logs.
func NewLogger() *slog.Logger {
	var level slog.Level
	switch os.Getenv("DEBUG") {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
