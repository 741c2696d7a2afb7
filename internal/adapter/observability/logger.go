package observability

import (
	"log/slog"
	"os"

	"github.com/dealerline/commsworker/internal/config"
)

// SetupLogger builds the process-wide JSON logger tagged with the worker's
// service name and environment. Development runs at debug; test environments
// stay quiet at warn so assertion output is readable; everything else is info.
func SetupLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case cfg.IsDev():
		level = slog.LevelDebug
	case cfg.IsTest():
		level = slog.LevelWarn
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
