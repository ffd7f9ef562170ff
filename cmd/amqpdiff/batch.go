package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/amqpdiff/internal/anthropic"
	"github.com/MikeSquared-Agency/amqpdiff/internal/batch"
	"github.com/MikeSquared-Agency/amqpdiff/internal/compare"
	"github.com/MikeSquared-Agency/amqpdiff/internal/config"
	"github.com/MikeSquared-Agency/amqpdiff/internal/narrative"
	"github.com/MikeSquared-Agency/amqpdiff/internal/processor"
	"github.com/MikeSquared-Agency/amqpdiff/internal/report"
	"github.com/MikeSquared-Agency/amqpdiff/internal/store"
)

func newBatchCommand(cfg config.Config) *cobra.Command {
	var bc batch.Config

	cmd := &cobra.Command{
		Use:   "batch DIR",
		Short: "Compare the two logs of every run directory under DIR",
		Long: `Compare the two logs of every run directory under DIR. Progress is kept in a
state file so an interrupted batch resumes with the runs it has not finished.
Reports are stored when DATABASE_URL is set and archived when
AMQPDIFF_ARCHIVE_DIR is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			bc.Dir = args[0]
			return runBatch(ctx, cmd, cfg, bc)
		},
	}

	cmd.Flags().StringVar(&bc.FirstName, "first-name", "first-traffic.json", "File name of the first log inside each run directory")
	cmd.Flags().StringVar(&bc.SecondName, "second-name", "second-traffic.json", "File name of the second log inside each run directory")
	cmd.Flags().StringVar(&bc.StatePath, "state", batch.DefaultStatePath, "Path of the resumable state file")
	cmd.Flags().BoolVar(&bc.DryRun, "dry-run", false, "List the runs that would be compared")
	cmd.Flags().BoolVar(&bc.Summarize, summarizeFlagName, false, "Attach a prose narrative (requires ANTHROPIC_API_KEY)")

	return cmd
}

func runBatch(ctx context.Context, cmd *cobra.Command, cfg config.Config, bc batch.Config) error {
	opts, err := serviceOptions(cfg)
	if err != nil {
		return err
	}
	logger := slog.Default()

	var runStore processor.RunStore
	if cfg.DatabaseURL != "" && !bc.DryRun {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		runStore = db
	}

	engines := processor.Engines{Plain: compare.New(opts, nil, logger)}
	if bc.Summarize {
		llm := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		engines.Summarizing = compare.New(opts, report.NewEmitter(narrative.New(llm, logger), logger), logger)
	}
	proc := processor.New(engines, runStore, nil, nil, cfg.ArchiveDir, logger)

	sum, err := batch.New(bc, proc, logger).Run(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}
