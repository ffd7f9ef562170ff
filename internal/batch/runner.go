// Package batch compares every captured run under a directory, one pair of
// traffic logs per run, and remembers which runs are done.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/MikeSquared-Agency/amqpdiff/internal/compare"
	"github.com/MikeSquared-Agency/amqpdiff/internal/hermes"
)

// Runner executes one comparison. *processor.Processor satisfies it.
type Runner interface {
	Run(ctx context.Context, req hermes.CompareRequest) (*compare.Result, error)
}

type Config struct {
	// Dir holds one subdirectory per captured run.
	Dir string
	// FirstName and SecondName are the log file names inside each run
	// directory. A name also matches with a .zst suffix.
	FirstName  string
	SecondName string
	StatePath  string
	DryRun     bool
	Summarize  bool
}

// Pair is one run directory with both logs present.
type Pair struct {
	Label  string
	First  string
	Second string
}

type Summary struct {
	Discovered  int `json:"discovered"`
	Compared    int `json:"compared"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
	Divergences int `json:"divergences"`
}

type Batch struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func New(cfg Config, runner Runner, logger *slog.Logger) *Batch {
	return &Batch{cfg: cfg, runner: runner, logger: logger}
}

// Discover lists run directories under dir holding both logs, sorted by name.
func Discover(dir, firstName, secondName string) ([]Pair, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	var pairs []Pair
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		runDir := filepath.Join(dir, e.Name())
		first, ok := findLog(runDir, firstName)
		if !ok {
			continue
		}
		second, ok := findLog(runDir, secondName)
		if !ok {
			continue
		}
		pairs = append(pairs, Pair{Label: e.Name(), First: first, Second: second})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Label < pairs[j].Label })
	return pairs, nil
}

func findLog(dir, name string) (string, bool) {
	for _, candidate := range []string{name, name + ".zst"} {
		p := filepath.Join(dir, candidate)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

// Run compares every pair not yet recorded in the state file. A failed pair
// is logged and recorded; only state and discovery errors stop the batch.
func (b *Batch) Run(ctx context.Context) (*Summary, error) {
	state, err := LoadState(b.cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	pairs, err := Discover(b.cfg.Dir, b.cfg.FirstName, b.cfg.SecondName)
	if err != nil {
		return nil, fmt.Errorf("discover runs: %w", err)
	}

	sum := &Summary{Discovered: len(pairs)}
	var todo []Pair
	for _, p := range pairs {
		if state.IsProcessed(p.Label) {
			sum.Skipped++
			continue
		}
		todo = append(todo, p)
	}
	state.PairsRemaining = len(todo)

	b.logger.Info("runs discovered",
		"dir", b.cfg.Dir,
		"total", len(pairs),
		"pending", len(todo),
		"dry_run", b.cfg.DryRun,
	)

	for _, p := range todo {
		if err := ctx.Err(); err != nil {
			b.logger.Info("batch interrupted, saving state")
			if serr := state.Save(); serr != nil {
				b.logger.Error("failed to save state", "error", serr)
			}
			return sum, err
		}

		if b.cfg.DryRun {
			b.logger.Info("would compare", "run", p.Label, "first", p.First, "second", p.Second)
			continue
		}

		res, err := b.runner.Run(ctx, hermes.CompareRequest{
			RunLabel:   p.Label,
			FirstPath:  p.First,
			SecondPath: p.Second,
			Summarize:  b.cfg.Summarize,
		})
		state.PairsRemaining--
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			b.logger.Warn("comparison failed", "run", p.Label, "error", err)
			state.AddError(fmt.Sprintf("%s: %v", p.Label, err))
			sum.Failed++
		} else {
			state.MarkProcessed(p.Label)
			state.Divergences += res.Document.Summary.Total
			sum.Compared++
			sum.Divergences += res.Document.Summary.Total
		}

		if err := state.Save(); err != nil {
			return sum, fmt.Errorf("save state: %w", err)
		}
	}

	b.logger.Info("batch complete",
		"compared", sum.Compared,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"divergences", sum.Divergences,
	)
	return sum, nil
}
