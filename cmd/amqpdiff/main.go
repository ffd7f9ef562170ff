package main

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/amqpdiff/internal/config"
)

// exitError carries a process exit code other than 1 out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	cfg := config.Load()
	setupLogging(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	rootCmd := newRootCommand()
	rootCmd.AddCommand(newCompareCommand(cfg))
	rootCmd.AddCommand(newBatchCommand(cfg))
	rootCmd.AddCommand(newServeCommand(cfg))

	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			slog.Warn(exit.msg)
			os.Exit(exit.code)
		}
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "amqpdiff",
		Short: "Compare two AMQP 1.0 protocol traffic logs",
		Long: `amqpdiff reconstructs the connections, sessions, links and deliveries in two
JSON-lines traffic logs captured by the fault-injection proxy, aligns them by
content and reports every divergence as structured JSON.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

func setupLogging(w io.Writer, level, format string) {
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

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: "15:04:05.000"})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}
