package slack

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MikeSquared-Agency/amqpdiff/internal/report"
)

func testDocument() *report.Document {
	return &report.Document{
		RunID:     "run-42",
		Reference: "first-source",
		Sources:   report.Sources{Reference: "py.jsonl", Other: "net.jsonl"},
		Summary: report.Summary{
			Total:      3,
			ByCategory: map[string]int{"field-mismatch": 2, "missing-on-side": 1},
			BySeverity: map[string]int{"protocol-violation": 1, "behavioral": 1, "informational": 1},
		},
		Divergences: []report.Divergence{
			{Category: "field-mismatch", Severity: "informational", Kind: "delivery", Field: "frames",
				Reference: &report.ExchangeRef{ID: "delivery-1"}, ReferenceValue: 1, OtherValue: 2},
			{Category: "missing-on-side", Severity: "behavioral", Kind: "link",
				Reference: &report.ExchangeRef{ID: "link-2"}},
			{Category: "field-mismatch", Severity: "protocol-violation", Kind: "delivery", Field: "settled",
				Reference: &report.ExchangeRef{ID: "delivery-3"}, ReferenceValue: true, OtherValue: false},
		},
		Unresolved: []report.Unresolved{{Kind: "delivery"}},
	}
}

func TestFormatReportMessage_WithDivergences(t *testing.T) {
	msg := formatReportMessage("fault-detach-01", testDocument())

	checks := []string{
		"fault-detach-01",
		"py.jsonl",
		"net.jsonl",
		"Divergences: 3",
		"protocol-violation 1",
		"Unresolved exchanges: 1",
		"`settled`: true → false",
		"missing-on-side link-2",
		"and 1 more",
	}
	for _, check := range checks {
		if !strings.Contains(msg, check) {
			t.Errorf("expected message to contain %q, got:\n%s", check, msg)
		}
	}
	if strings.Index(msg, "delivery-3") > strings.Index(msg, "link-2") {
		t.Errorf("expected protocol violations listed first:\n%s", msg)
	}
	if strings.Contains(msg, "`frames`") {
		t.Errorf("expected informational divergences not itemised:\n%s", msg)
	}
}

func TestFormatReportMessage_Equivalent(t *testing.T) {
	doc := &report.Document{RunID: "run-1", Sources: report.Sources{Reference: "a", Other: "b"}}

	msg := formatReportMessage("", doc)

	if !strings.Contains(msg, "run-1") {
		t.Errorf("expected run id as fallback label, got %q", msg)
	}
	if !strings.Contains(msg, "Traces are equivalent") {
		t.Errorf("expected equivalence message, got %q", msg)
	}
}

func TestPostReport_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer xoxb-test" {
			t.Errorf("expected Bearer xoxb-test, got %q", r.Header.Get("Authorization"))
		}

		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		json.Unmarshal(body, &payload)

		if payload["channel"] != "C123" {
			t.Errorf("expected channel C123, got %v", payload["channel"])
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"ts": "1234567890.123456",
		})
	}))
	defer server.Close()

	p := NewPoster("xoxb-test", "C123", discardLogger())
	p.apiURL = server.URL

	ts, err := p.PostReport(context.Background(), "label", testDocument())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts != "1234567890.123456" {
		t.Errorf("expected ts 1234567890.123456, got %q", ts)
	}
}

func TestPostReport_SlackError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"ok":    false,
			"error": "channel_not_found",
		})
	}))
	defer server.Close()

	p := NewPoster("xoxb-test", "C123", discardLogger())
	p.apiURL = server.URL

	_, err := p.PostReport(context.Background(), "label", testDocument())
	if err == nil {
		t.Fatal("expected error for slack error response")
	}
}

func TestPostThread(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["thread_ts"] != "1.2" {
			t.Errorf("expected thread_ts 1.2, got %v", payload["thread_ts"])
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "ts": "1.3"})
	}))
	defer server.Close()

	p := NewPoster("xoxb-test", "C123", discardLogger())
	p.apiURL = server.URL

	if err := p.PostThread(context.Background(), "1.2", "narrative"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
