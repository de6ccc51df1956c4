// Command FlowPipe runs the FlowPipe WhatsApp flow execution engine.
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	bootstrap()

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("FlowPipe failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := loadEnvironmentConfig()

	root := &cobra.Command{
		Use:   "flowpipe",
		Short: "FlowPipe runs authored WhatsApp conversation flows",
		Long: `FlowPipe receives WhatsApp webhooks, routes each message to the contact's
session and walks the flow graph the session belongs to.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cmd.Flags().Changed("log-level") {
				initializeLogger(cfg.LogLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error (overrides $FLOWPIPE_LOG_LEVEL)")
	root.PersistentFlags().StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for FlowPipe data (overrides $FLOWPIPE_STATE_DIR)")
	root.PersistentFlags().StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "PostgreSQL DSN or SQLite path (overrides $DATABASE_URL)")

	root.AddCommand(newServeCmd(&cfg), newMigrateCmd(&cfg), newImportCmd(&cfg))
	return root
}

// initializeLogger sets up structured logging. The level defaults to debug.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// bootstrap loads .env files (./.env when none are given) and then sets up the
// logger, so a FLOWPIPE_LOG_LEVEL defined only in .env still applies.
func bootstrap(envFiles ...string) {
	err := godotenv.Load(envFiles...)
	initializeLogger(os.Getenv("FLOWPIPE_LOG_LEVEL"))
	if err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
}
