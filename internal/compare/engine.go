// Package compare runs the whole differencing pipeline for two traffic logs.
package compare

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/amqpdiff/internal/align"
	"github.com/MikeSquared-Agency/amqpdiff/internal/diff"
	"github.com/MikeSquared-Agency/amqpdiff/internal/report"
	"github.com/MikeSquared-Agency/amqpdiff/internal/session"
	"github.com/MikeSquared-Agency/amqpdiff/internal/trace"
)

type Options struct {
	Load    trace.Options
	Session session.Options
	Diff    diff.Options
}

type Engine struct {
	opts    Options
	emitter *report.Emitter
	logger  *slog.Logger
}

// New returns an engine. A nil emitter emits documents without a narrative.
func New(opts Options, emitter *report.Emitter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = report.NewEmitter(nil, logger)
	}
	opts.Load.Logger = logger
	opts.Session.Logger = logger
	return &Engine{opts: opts, emitter: emitter, logger: logger}
}

// SourceStats describes what was read from one log.
type SourceStats struct {
	Path       string      `json:"path"`
	Stats      trace.Stats `json:"stats"`
	Exchanges  int         `json:"exchanges"`
	Unresolved int         `json:"unresolved"`
}

type Result struct {
	RunID     uuid.UUID
	Label     string
	StartedAt time.Time
	Elapsed   time.Duration
	First     SourceStats
	Second    SourceStats
	Report    *diff.Report
	Document  *report.Document
}

// Compare loads and reconstructs both logs concurrently, then aligns and
// diffs them. Cancelling ctx aborts the run between stages.
func (e *Engine) Compare(ctx context.Context, firstPath, secondPath string) (*Result, error) {
	res := &Result{RunID: uuid.New(), StartedAt: time.Now().UTC()}
	e.logger.Info("comparison started", "run_id", res.RunID, "first", firstPath, "second", secondPath)

	var first, second *session.Trace
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t, stats, err := e.build(gctx, firstPath)
		if err != nil {
			return fmt.Errorf("first source: %w", err)
		}
		first, res.First = t, stats
		return nil
	})
	g.Go(func() error {
		t, stats, err := e.build(gctx, secondPath)
		if err != nil {
			return fmt.Errorf("second source: %w", err)
		}
		second, res.Second = t, stats
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a := align.Align(first, second)
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("align: %w", err)
	}
	res.Report = diff.Compare(a, e.opts.Diff)
	res.Document = e.emitter.Emit(ctx, res.Report, res.RunID.String())
	res.Elapsed = time.Since(res.StartedAt)

	e.logger.Info("comparison complete",
		"run_id", res.RunID,
		"divergences", res.Report.Summary.Total,
		"unresolved", len(res.Report.Unresolved),
		"elapsed", res.Elapsed,
	)
	return res, nil
}

func (e *Engine) build(ctx context.Context, path string) (*session.Trace, SourceStats, error) {
	stats := SourceStats{Path: path}
	if err := ctx.Err(); err != nil {
		return nil, stats, err
	}
	log, err := trace.LoadFile(path, e.opts.Load)
	if err != nil {
		return nil, stats, err
	}
	if err := ctx.Err(); err != nil {
		return nil, stats, err
	}
	t := session.Reconstruct(log, e.opts.Session)
	stats.Stats = log.Stats
	stats.Exchanges = len(t.Exchanges)
	stats.Unresolved = len(t.UnresolvedExchanges())
	return t, stats, nil
}
