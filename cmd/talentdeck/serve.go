package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/talentdeck-dev/talentdeck"
)

func serveCmd() *cobra.Command {
	var (
		addr            string
		backendURL      string
		sessionDuration time.Duration
		warningWindow   time.Duration
		tracing         bool
		logLevel        string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session-security server",
		Long: `Start the HTTP server fronting the TalentDeck dashboard.

Flags fall back to TALENTDECK_* environment variables:

  TALENTDECK_ADDR         listen address
  TALENTDECK_BACKEND_URL  backend API origin
  TALENTDECK_LOG_LEVEL    debug, info, warn, or error`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if backendURL == "" {
				backendURL = os.Getenv("TALENTDECK_BACKEND_URL")
			}
			if addr == "" {
				addr = envOr("TALENTDECK_ADDR", ":8080")
			}
			if logLevel == "" {
				logLevel = envOr("TALENTDECK_LOG_LEVEL", "info")
			}

			logger := newLogger(logLevel)
			slog.SetDefault(logger)

			config := talentdeck.DefaultConfig()
			config.Addr = addr
			config.BackendURL = backendURL
			config.Tracing = tracing
			config.Logger = logger
			if sessionDuration > 0 {
				config.Timeout.SessionDuration = sessionDuration
			}
			if warningWindow > 0 {
				config.Timeout.WarningThreshold = warningWindow
			}

			app, err := talentdeck.New(config)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return app.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (default :8080)")
	cmd.Flags().StringVarP(&backendURL, "backend-url", "b", "", "Backend API origin (required)")
	cmd.Flags().DurationVar(&sessionDuration, "session-duration", 0, "Inactivity budget before forced logout (default 30m)")
	cmd.Flags().DurationVar(&warningWindow, "warning-window", 0, "Remaining time that raises the timeout warning (default 5m)")
	cmd.Flags().BoolVar(&tracing, "tracing", false, "Enable OpenTelemetry tracing")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	return cmd
}

// envOr returns the environment value or a fallback.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// newLogger builds the process logger at the requested level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
