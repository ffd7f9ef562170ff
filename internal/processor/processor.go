package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/amqpdiff/internal/compare"
	"github.com/MikeSquared-Agency/amqpdiff/internal/hermes"
	"github.com/MikeSquared-Agency/amqpdiff/internal/report"
	"github.com/MikeSquared-Agency/amqpdiff/internal/slack"
)

// Comparer runs one comparison. *compare.Engine satisfies it.
type Comparer interface {
	Compare(ctx context.Context, firstPath, secondPath string) (*compare.Result, error)
}

type RunStore interface {
	WriteRun(ctx context.Context, res *compare.Result) error
	UpdateRunTriage(ctx context.Context, id uuid.UUID, status, note string) error
}

type Publisher interface {
	Publish(subject string, data any) error
}

type Notifier interface {
	PostReport(ctx context.Context, label string, doc *report.Document) (string, error)
	PostThread(ctx context.Context, threadTS, text string) error
}

// Engines holds the plain engine and, when a summarizer is configured, the
// one that attaches a narrative.
type Engines struct {
	Plain       Comparer
	Summarizing Comparer
}

func (e Engines) pick(summarize bool) Comparer {
	if summarize && e.Summarizing != nil {
		return e.Summarizing
	}
	return e.Plain
}

// Processor orchestrates comparison requests arriving over NATS or HTTP.
// store, hermes and slack are optional.
type Processor struct {
	engines    Engines
	store      RunStore
	hermes     Publisher
	slack      Notifier
	archiveDir string
	logger     *slog.Logger

	mu             sync.Mutex
	pendingReports map[string]uuid.UUID // keyed by slack message TS
}

func New(engines Engines, s RunStore, h Publisher, sl Notifier, archiveDir string, logger *slog.Logger) *Processor {
	return &Processor{
		engines:        engines,
		store:          s,
		hermes:         h,
		slack:          sl,
		archiveDir:     archiveDir,
		logger:         logger,
		pendingReports: make(map[string]uuid.UUID),
	}
}

// HandleCompareRequested is the NATS handler for amqpdiff.compare.requested.
func (p *Processor) HandleCompareRequested(subject string, data []byte) {
	var req hermes.CompareRequest
	if err := json.Unmarshal(data, &req); err != nil {
		p.logger.Error("failed to parse compare request", "error", err)
		return
	}
	if _, err := p.Run(context.Background(), req); err != nil {
		p.logger.Error("compare request failed", "run_label", req.RunLabel, "error", err)
	}
}

// Run executes one comparison and fans the result out: persisted, archived,
// announced on NATS and posted to Slack. Only a fatal comparison error is
// returned; downstream failures are logged.
func (p *Processor) Run(ctx context.Context, req hermes.CompareRequest) (*compare.Result, error) {
	if req.FirstPath == "" || req.SecondPath == "" {
		return nil, errors.New("first_path and second_path are required")
	}

	p.logger.Info("processing compare request",
		"run_label", req.RunLabel,
		"first", req.FirstPath,
		"second", req.SecondPath,
		"summarize", req.Summarize,
	)

	res, err := p.engines.pick(req.Summarize).Compare(ctx, req.FirstPath, req.SecondPath)
	if err != nil {
		p.publish(hermes.SubjectCompareFailed, hermes.CompareFailed{
			RunLabel:   req.RunLabel,
			FirstPath:  req.FirstPath,
			SecondPath: req.SecondPath,
			Error:      err.Error(),
		})
		return nil, err
	}
	res.Label = req.RunLabel

	if p.store != nil {
		if err := p.store.WriteRun(ctx, res); err != nil {
			p.logger.Error("persistence failed", "run_id", res.RunID, "error", err)
		}
	}

	if p.archiveDir != "" {
		path := filepath.Join(p.archiveDir, res.RunID.String()+".json.zst")
		if err := archive(path, res.Document); err != nil {
			p.logger.Error("archive failed", "run_id", res.RunID, "error", err)
		} else {
			p.logger.Info("report archived", "run_id", res.RunID, "path", path)
		}
	}

	p.publish(hermes.SubjectReportCompleted, completedEvent(req, res))

	if p.slack != nil {
		p.notify(ctx, res)
	}

	p.logger.Info("compare request processed",
		"run_id", res.RunID,
		"run_label", res.Label,
		"divergences", res.Document.Summary.Total,
	)
	return res, nil
}

func (p *Processor) notify(ctx context.Context, res *compare.Result) {
	ts, err := p.slack.PostReport(ctx, res.Label, res.Document)
	if err != nil {
		p.logger.Error("slack post failed", "run_id", res.RunID, "error", err)
		return
	}

	p.mu.Lock()
	p.pendingReports[ts] = res.RunID
	p.mu.Unlock()

	if res.Document.Narrative != "" {
		if err := p.slack.PostThread(ctx, ts, res.Document.Narrative); err != nil {
			p.logger.Error("failed to post narrative thread", "run_id", res.RunID, "error", err)
		}
	}
}

// HandleReaction records triage feedback for a posted report.
func (p *Processor) HandleReaction(subject string, data []byte) {
	ctx := context.Background()

	evt, err := slack.ParseReactionEvent(data)
	if err != nil {
		p.logger.Error("failed to parse reaction", "error", err)
		return
	}

	verdict := slack.ParseReaction(evt.Reaction)
	if verdict == slack.TriageUnknown {
		return
	}

	p.mu.Lock()
	runID, ok := p.pendingReports[evt.MessageTS]
	if ok {
		delete(p.pendingReports, evt.MessageTS)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	p.logger.Info("processing triage reaction",
		"reaction", evt.Reaction,
		"verdict", string(verdict),
		"run_id", runID,
	)

	if p.store != nil {
		if err := p.store.UpdateRunTriage(ctx, runID, string(verdict), evt.UserID); err != nil {
			p.logger.Error("failed to update triage", "run_id", runID, "error", err)
		}
	}

	if verdict == slack.TriageRegression && p.slack != nil {
		if err := p.slack.PostThread(ctx, evt.MessageTS, "Flagged as a regression. Which divergence is the real one?"); err != nil {
			p.logger.Error("failed to post regression thread", "error", err)
		}
	}
}

func (p *Processor) publish(subject string, data any) {
	if p.hermes == nil {
		return
	}
	if err := p.hermes.Publish(subject, data); err != nil {
		p.logger.Error("failed to publish", "subject", subject, "error", err)
	}
}

func completedEvent(req hermes.CompareRequest, res *compare.Result) hermes.ReportCompleted {
	doc := res.Document
	return hermes.ReportCompleted{
		RunID:           res.RunID.String(),
		RunLabel:        req.RunLabel,
		FirstPath:       req.FirstPath,
		SecondPath:      req.SecondPath,
		Total:           doc.Summary.Total,
		ByCategory:      doc.Summary.ByCategory,
		BySeverity:      doc.Summary.BySeverity,
		Worst:           string(res.Report.Worst()),
		Unresolved:      len(doc.Unresolved),
		NarrativeStatus: doc.NarrativeStatus,
	}
}

func archive(path string, doc *report.Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	return report.WriteFile(path, doc)
}
