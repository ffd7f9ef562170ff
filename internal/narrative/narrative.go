// Package narrative writes a prose summary of a diff report with the
// Anthropic messages API.
package narrative

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/MikeSquared-Agency/amqpdiff/internal/anthropic"
	"github.com/MikeSquared-Agency/amqpdiff/internal/report"
)

// maxDivergences bounds how many divergences are sent; the summary counts
// always cover the full report.
const maxDivergences = 200

type Summarizer struct {
	llm    *anthropic.Client
	logger *slog.Logger
}

func New(llm *anthropic.Client, logger *slog.Logger) *Summarizer {
	return &Summarizer{llm: llm, logger: logger}
}

// Summarize implements report.Summarizer. Every failure wraps
// report.ErrSummarizationUnavailable.
func (s *Summarizer) Summarize(ctx context.Context, doc *report.Document) (string, error) {
	trimmed := *doc
	if len(trimmed.Divergences) > maxDivergences {
		trimmed.Divergences = trimmed.Divergences[:maxDivergences]
	}
	payload, err := json.Marshal(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: marshal report: %v", report.ErrSummarizationUnavailable, err)
	}

	s.logger.Info("summarizing report",
		"run_id", doc.RunID,
		"divergences", len(doc.Divergences),
		"payload_len", len(payload),
	)

	prompt := fmt.Sprintf(userPrompt, doc.Sources.Reference, doc.Sources.Other, payload)
	text, err := s.llm.Complete(ctx, systemPrompt, []anthropic.Message{{Role: "user", Content: prompt}}, 1024)
	if err != nil {
		return "", fmt.Errorf("%w: %v", report.ErrSummarizationUnavailable, err)
	}

	s.logger.Info("summary complete", "run_id", doc.RunID, "len", len(text))
	return text, nil
}
