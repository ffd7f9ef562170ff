package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/amqpdiff/internal/anthropic"
	"github.com/MikeSquared-Agency/amqpdiff/internal/api"
	"github.com/MikeSquared-Agency/amqpdiff/internal/compare"
	"github.com/MikeSquared-Agency/amqpdiff/internal/config"
	"github.com/MikeSquared-Agency/amqpdiff/internal/diff"
	"github.com/MikeSquared-Agency/amqpdiff/internal/hermes"
	"github.com/MikeSquared-Agency/amqpdiff/internal/narrative"
	"github.com/MikeSquared-Agency/amqpdiff/internal/processor"
	"github.com/MikeSquared-Agency/amqpdiff/internal/report"
	"github.com/MikeSquared-Agency/amqpdiff/internal/session"
	"github.com/MikeSquared-Agency/amqpdiff/internal/slack"
	"github.com/MikeSquared-Agency/amqpdiff/internal/store"
	"github.com/MikeSquared-Agency/amqpdiff/internal/trace"
)

func newServeCommand(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the comparison service (HTTP API and NATS subscriptions)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfg)
		},
	}
}

func serviceOptions(cfg config.Config) (compare.Options, error) {
	ref, err := diff.ParseReference(cfg.Reference)
	if err != nil {
		return compare.Options{}, fmt.Errorf("AMQPDIFF_REFERENCE: %w", err)
	}
	return compare.Options{
		Load:    trace.Options{MalformedRatio: trace.Ratio(cfg.MalformedRatio)},
		Session: session.Options{QuiescenceWindow: cfg.QuiescenceWindow},
		Diff: diff.Options{
			OrderingTolerance: cfg.OrderingTolerance,
			Reference:         ref,
			TimingTolerance:   cfg.QuiescenceWindow,
		},
	}, nil
}

func runServe(cfg config.Config) error {
	slog.Info("amqpdiff starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts, err := serviceOptions(cfg)
	if err != nil {
		return err
	}

	// Database (optional: without it runs are not persisted)
	var db *store.Store
	var runStore processor.RunStore
	var runReader api.RunReader
	if cfg.DatabaseURL != "" {
		db, err = store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		runStore, runReader = db, db
		slog.Info("database connected")
	} else {
		slog.Warn("DATABASE_URL not set, runs will not be persisted")
	}

	// Engines
	engines := processor.Engines{Plain: compare.New(opts, nil, slog.Default())}
	if cfg.AnthropicAPIKey != "" {
		llm := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		emitter := report.NewEmitter(narrative.New(llm, slog.Default()), slog.Default())
		engines.Summarizing = compare.New(opts, emitter, slog.Default())
		slog.Info("narrative summaries enabled", "model", llm.Model())
	}

	// NATS/Hermes
	hermesClient, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer hermesClient.Close()
	slog.Info("NATS connected", "url", cfg.NatsURL)

	// Slack poster (optional)
	var notifier processor.Notifier
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		notifier = slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, slog.Default())
		slog.Info("slack poster ready", "channel", cfg.SlackChannel)
	} else {
		slog.Warn("slack not configured, reports will not be posted")
	}

	proc := processor.New(engines, runStore, hermesClient, notifier, cfg.ArchiveDir, slog.Default())

	if err := hermesClient.Subscribe(hermes.SubjectCompareRequested, proc.HandleCompareRequested); err != nil {
		return err
	}
	if err := hermesClient.Subscribe("swarm.slack.reaction", proc.HandleReaction); err != nil {
		return err
	}

	// HTTP API
	srv := api.NewServer(cfg.Port, cfg.APIToken, proc, runReader, hermesClient)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	if err := hermesClient.Publish(hermes.SubjectRegistered, map[string]any{
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"port":           cfg.Port,
		"schema_version": report.SchemaVersion,
	}); err != nil {
		slog.Warn("failed to publish registration", "error", err)
	}

	slog.Info("amqpdiff ready", "port", cfg.Port)

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	slog.Info("amqpdiff stopped")
	return nil
}
