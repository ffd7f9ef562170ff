package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/amqpdiff/internal/report"
)

const defaultPostMessageURL = "https://slack.com/api/chat.postMessage"

// maxListed caps how many divergences are itemised in one message.
const maxListed = 10

type Poster struct {
	token   string
	channel string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
	}
}

// PostReport posts a one-message summary of a finished comparison. Returns
// the message timestamp (ts) used to track triage reactions.
func (p *Poster) PostReport(ctx context.Context, label string, doc *report.Document) (string, error) {
	text := formatReportMessage(label, doc)

	ts, err := p.post(ctx, map[string]any{
		"channel": p.channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
			{
				"type": "context",
				"elements": []map[string]any{
					{
						"type": "mrkdwn",
						"text": "React: :+1: expected | :-1: regression | :shrug: skip",
					},
				},
			},
		},
	})
	if err != nil {
		return "", err
	}

	p.logger.Info("posted report to slack", "ts", ts, "run_id", doc.RunID)
	return ts, nil
}

// PostThread posts a threaded reply to a message.
func (p *Poster) PostThread(ctx context.Context, threadTS, text string) error {
	_, err := p.post(ctx, map[string]any{
		"channel":   p.channel,
		"thread_ts": threadTS,
		"text":      text,
	})
	return err
}

func (p *Poster) post(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var slackResp struct {
		OK    bool   `json:"ok"`
		TS    string `json:"ts"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err != nil {
		return "", fmt.Errorf("parse slack response: %w", err)
	}
	if !slackResp.OK {
		return "", fmt.Errorf("slack error: %s", slackResp.Error)
	}
	return slackResp.TS, nil
}

func formatReportMessage(label string, doc *report.Document) string {
	var sb strings.Builder

	if label == "" {
		label = doc.RunID
	}
	fmt.Fprintf(&sb, "*AMQP trace diff:* %s\n", label)
	fmt.Fprintf(&sb, "*Reference:* %s\n*Other:* %s\n\n", doc.Sources.Reference, doc.Sources.Other)

	if doc.Summary.Total == 0 && len(doc.Unresolved) == 0 {
		sb.WriteString("_Traces are equivalent: no divergences, nothing unresolved._")
		return sb.String()
	}

	fmt.Fprintf(&sb, "*Divergences: %d* (protocol-violation %d, behavioral %d, informational %d)\n",
		doc.Summary.Total,
		doc.Summary.BySeverity["protocol-violation"],
		doc.Summary.BySeverity["behavioral"],
		doc.Summary.BySeverity["informational"],
	)
	if n := len(doc.Unresolved); n > 0 {
		fmt.Fprintf(&sb, "*Unresolved exchanges: %d*\n", n)
	}

	listed := 0
	for _, sev := range []string{"protocol-violation", "behavioral"} {
		for _, d := range doc.Divergences {
			if d.Severity != sev || listed == maxListed {
				continue
			}
			listed++
			fmt.Fprintf(&sb, "%d. [%s] %s %s%s\n", listed, d.Severity, d.Category, exchangeID(d), fieldSuffix(d))
		}
	}
	if rest := doc.Summary.Total - listed; rest > 0 && listed > 0 {
		fmt.Fprintf(&sb, "_…and %d more_\n", rest)
	}
	return sb.String()
}

func exchangeID(d report.Divergence) string {
	if d.Reference != nil {
		return d.Reference.ID
	}
	if d.Other != nil {
		return d.Other.ID
	}
	return d.Kind
}

func fieldSuffix(d report.Divergence) string {
	if d.Field == "" {
		return ""
	}
	return fmt.Sprintf(" `%s`: %v → %v", d.Field, d.ReferenceValue, d.OtherValue)
}
