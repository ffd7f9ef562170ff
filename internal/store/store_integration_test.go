//go:build integration

package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/amqpdiff/internal/compare"
	"github.com/MikeSquared-Agency/amqpdiff/internal/diff"
	"github.com/MikeSquared-Agency/amqpdiff/internal/tracetest"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func runComparison(t *testing.T) *compare.Result {
	t.Helper()
	dir := t.TempDir()
	py := tracetest.New("py.jsonl").SendScenario("queue",
		tracetest.Message{Body: "a!", Settled: true, State: "accepted"},
		tracetest.Message{Body: "only-python!", State: "accepted"},
	).WriteFile(t, dir)
	net := tracetest.New("net.jsonl").SendScenario("queue", tracetest.Accepted("a!")...).WriteFile(t, dir)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	res, err := compare.New(compare.Options{Diff: diff.Options{OrderingTolerance: 1}}, nil, logger).
		Compare(context.Background(), py, net)
	if err != nil {
		t.Fatalf("compare failed: %v", err)
	}
	res.Label = "integration-test-" + uuid.New().String()[:8]
	return res
}

func TestIntegration_WriteAndGetRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	res := runComparison(t)

	if err := s.WriteRun(ctx, res); err != nil {
		t.Fatalf("WriteRun failed: %v", err)
	}

	row, doc, err := s.GetRun(ctx, res.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if row.Label != res.Label {
		t.Errorf("expected label %q, got %q", res.Label, row.Label)
	}
	if row.Total != 2 {
		t.Errorf("expected 2 divergences, got %d", row.Total)
	}
	if row.ProtocolViolations != 1 {
		t.Errorf("expected 1 protocol violation, got %d", row.ProtocolViolations)
	}
	if len(doc.Divergences) != 2 {
		t.Fatalf("expected 2 stored divergences, got %d", len(doc.Divergences))
	}
	if doc.Divergences[0].Field != "settled" {
		t.Errorf("expected first divergence on settled, got %q", doc.Divergences[0].Field)
	}

	counts, err := s.CountDivergences(ctx, res.RunID)
	if err != nil {
		t.Fatalf("CountDivergences failed: %v", err)
	}
	if counts["protocol-violation"] != 1 || counts["behavioral"] != 1 {
		t.Errorf("unexpected divergence counts: %v", counts)
	}
}

func TestIntegration_ListRuns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	res := runComparison(t)
	if err := s.WriteRun(ctx, res); err != nil {
		t.Fatalf("WriteRun failed: %v", err)
	}

	runs, err := s.ListRuns(ctx, 500)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	found := false
	for _, r := range runs {
		if r.ID == res.RunID {
			found = true
		}
	}
	if !found {
		t.Errorf("run %s not listed", res.RunID)
	}
}

func TestIntegration_UpdateRunTriage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	res := runComparison(t)
	if err := s.WriteRun(ctx, res); err != nil {
		t.Fatalf("WriteRun failed: %v", err)
	}

	row, _, err := s.GetRun(ctx, res.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if row.TriageStatus != "pending" {
		t.Errorf("expected pending triage, got %q", row.TriageStatus)
	}

	if err := s.UpdateRunTriage(ctx, res.RunID, "regression", "U123"); err != nil {
		t.Fatalf("UpdateRunTriage failed: %v", err)
	}
	row, _, err = s.GetRun(ctx, res.RunID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if row.TriageStatus != "regression" || row.TriageNote != "U123" {
		t.Errorf("unexpected triage %q / %q", row.TriageStatus, row.TriageNote)
	}

	if err := s.UpdateRunTriage(ctx, uuid.New(), "expected", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown run, got %v", err)
	}
}

func TestIntegration_GetRunNotFound(t *testing.T) {
	s := setupTestStore(t)
	_, _, err := s.GetRun(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
