package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger installs a JSON slog logger as the process default.
func NewLogger(service string) *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})).With(slog.String("service", service))
	slog.SetDefault(logger)
	return logger
}
