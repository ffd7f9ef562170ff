package hermes

import (
	"encoding/json"
	"testing"
)

func TestCompareRequestParsing(t *testing.T) {
	raw := `{
		"run_label": "fault-detach-01",
		"first_path": "/traces/amqpproxy-traffic-python.jsonl",
		"second_path": "/traces/amqpproxy-traffic-net.jsonl",
		"summarize": true
	}`

	var req CompareRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("failed to parse CompareRequest: %v", err)
	}

	if req.RunLabel != "fault-detach-01" {
		t.Errorf("expected run_label 'fault-detach-01', got '%s'", req.RunLabel)
	}
	if req.FirstPath != "/traces/amqpproxy-traffic-python.jsonl" {
		t.Errorf("unexpected first_path '%s'", req.FirstPath)
	}
	if req.SecondPath != "/traces/amqpproxy-traffic-net.jsonl" {
		t.Errorf("unexpected second_path '%s'", req.SecondPath)
	}
	if !req.Summarize {
		t.Error("expected summarize true")
	}
}

func TestReportCompletedEncoding(t *testing.T) {
	evt := ReportCompleted{
		RunID:      "6f1c",
		Total:      3,
		BySeverity: map[string]int{"protocol-violation": 1, "behavioral": 2, "informational": 0},
		Worst:      "protocol-violation",
	}

	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	for _, key := range []string{"run_id", "total", "by_severity", "worst", "unresolved", "narrative_status"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("expected key %q in %s", key, data)
		}
	}
}

func TestSubjectConstants(t *testing.T) {
	if SubjectCompareRequested != "amqpdiff.compare.requested" {
		t.Errorf("unexpected SubjectCompareRequested '%s'", SubjectCompareRequested)
	}
	if SubjectReportCompleted != "amqpdiff.report.completed" {
		t.Errorf("unexpected SubjectReportCompleted '%s'", SubjectReportCompleted)
	}
}
