package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/amqpdiff/internal/anthropic"
	"github.com/MikeSquared-Agency/amqpdiff/internal/compare"
	"github.com/MikeSquared-Agency/amqpdiff/internal/config"
	"github.com/MikeSquared-Agency/amqpdiff/internal/diff"
	"github.com/MikeSquared-Agency/amqpdiff/internal/narrative"
	"github.com/MikeSquared-Agency/amqpdiff/internal/report"
	"github.com/MikeSquared-Agency/amqpdiff/internal/session"
	"github.com/MikeSquared-Agency/amqpdiff/internal/trace"
)

const (
	outFlagName              = "out"
	archiveFlagName          = "archive"
	summarizeFlagName        = "summarize"
	failOnFlagName           = "fail-on"
	quiescenceWindowFlagName = "quiescence-window"
	malformedRatioFlagName   = "malformed-ratio"
	orderToleranceFlagName   = "order-tolerance"
	referenceFlagName        = "reference"
	legFlagName              = "leg"
)

func newCompareCommand(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare FIRST SECOND",
		Short: "Diff two traffic logs and print the report",
		Long: `Diff two traffic logs and print the JSON report to stdout (or --out).

Divergences are data, not failures: the command exits 0 whenever a report was
produced. Use --fail-on to exit 2 when a divergence at or above a severity exists.

Examples:
  amqpdiff compare python-traffic.json dotnet-traffic.json
  amqpdiff compare a.json b.json.zst --reference second-source --fail-on behavioral
  amqpdiff compare a.json b.json --archive report.json.zst --summarize`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runCompare(ctx, cmd, cfg, args[0], args[1])
		},
	}

	cmd.Flags().StringP(outFlagName, "o", "", "Write the report to this file instead of stdout")
	cmd.Flags().String(archiveFlagName, "", "Also write the report to this path; a .zst suffix compresses it")
	cmd.Flags().Bool(summarizeFlagName, false, "Attach a prose narrative (requires ANTHROPIC_API_KEY)")
	cmd.Flags().String(failOnFlagName, "", "Exit 2 when a divergence at or above this severity exists (protocol-violation, behavioral, informational)")
	cmd.Flags().Duration(quiescenceWindowFlagName, cfg.QuiescenceWindow, "How long after its last frame an exchange may still be closed")
	cmd.Flags().Float64(malformedRatioFlagName, cfg.MalformedRatio, "Fraction of malformed lines above which a log is rejected")
	cmd.Flags().Int(orderToleranceFlagName, cfg.OrderingTolerance, "Rank displacement tolerated before reporting an ordering mismatch")
	cmd.Flags().String(referenceFlagName, cfg.Reference, "Which log is authoritative: first-source or second-source")
	cmd.Flags().String(legFlagName, string(trace.LegAll), "Which proxy leg to compare: all, client or server")

	return cmd
}

func engineOptions(cmd *cobra.Command) (compare.Options, error) {
	var opts compare.Options
	flags := cmd.Flags()

	window, err := flags.GetDuration(quiescenceWindowFlagName)
	if err != nil {
		return opts, err
	}
	ratio, err := flags.GetFloat64(malformedRatioFlagName)
	if err != nil {
		return opts, err
	}
	if ratio < 0 || ratio > 1 {
		return opts, fmt.Errorf("--%s must be between 0 and 1, got %v", malformedRatioFlagName, ratio)
	}
	tolerance, err := flags.GetInt(orderToleranceFlagName)
	if err != nil {
		return opts, err
	}
	if tolerance < 0 {
		return opts, fmt.Errorf("--%s must not be negative", orderToleranceFlagName)
	}
	refName, err := flags.GetString(referenceFlagName)
	if err != nil {
		return opts, err
	}
	ref, err := diff.ParseReference(refName)
	if err != nil {
		return opts, err
	}
	legName, err := flags.GetString(legFlagName)
	if err != nil {
		return opts, err
	}
	leg := trace.Leg(legName)
	switch leg {
	case trace.LegAll, trace.LegClient, trace.LegServer:
	default:
		return opts, fmt.Errorf("--%s must be all, client or server, got %q", legFlagName, legName)
	}

	opts.Load = trace.Options{MalformedRatio: trace.Ratio(ratio), Leg: leg}
	opts.Session = session.Options{QuiescenceWindow: window}
	opts.Diff = diff.Options{OrderingTolerance: tolerance, Reference: ref, TimingTolerance: window}
	return opts, nil
}

func runCompare(ctx context.Context, cmd *cobra.Command, cfg config.Config, first, second string) error {
	opts, err := engineOptions(cmd)
	if err != nil {
		return err
	}

	failOnName, _ := cmd.Flags().GetString(failOnFlagName)
	var failOn diff.Severity
	if failOnName != "" {
		if failOn, err = diff.ParseSeverity(failOnName); err != nil {
			return err
		}
	}

	logger := slog.Default()
	var emitter *report.Emitter
	if summarize, _ := cmd.Flags().GetBool(summarizeFlagName); summarize {
		llm := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
		emitter = report.NewEmitter(narrative.New(llm, logger), logger)
	}

	res, err := compare.New(opts, emitter, logger).Compare(ctx, first, second)
	if err != nil {
		return err
	}

	out, _ := cmd.Flags().GetString(outFlagName)
	if out != "" {
		if err := report.WriteFile(out, res.Document); err != nil {
			return err
		}
	} else if err := report.Write(cmd.OutOrStdout(), res.Document); err != nil {
		return err
	}

	if archive, _ := cmd.Flags().GetString(archiveFlagName); archive != "" {
		if err := report.WriteFile(archive, res.Document); err != nil {
			return err
		}
		logger.Info("report archived", "path", archive)
	}

	logger.Info("comparison finished",
		"divergences", res.Document.Summary.Total,
		"unresolved", len(res.Document.Unresolved),
		"elapsed", res.Elapsed.Round(time.Millisecond),
	)

	if failOn != "" {
		if worst := res.Report.Worst(); worst != "" && worst.AtLeast(failOn) {
			return &exitError{code: 2, msg: fmt.Sprintf("divergences at or above %s found (worst: %s)", failOn, worst)}
		}
	}
	return nil
}
