package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/amqpdiff/internal/compare"
	"github.com/MikeSquared-Agency/amqpdiff/internal/hermes"
	"github.com/MikeSquared-Agency/amqpdiff/internal/report"
)

type fakeRunner struct {
	calls []hermes.CompareRequest
	fail  map[string]bool
}

func (f *fakeRunner) Run(_ context.Context, req hermes.CompareRequest) (*compare.Result, error) {
	f.calls = append(f.calls, req)
	if f.fail[req.RunLabel] {
		return nil, errors.New("first source: empty trace")
	}
	return &compare.Result{
		RunID:    uuid.New(),
		Label:    req.RunLabel,
		Document: &report.Document{Summary: report.Summary{Total: 2}},
	}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeRun(t *testing.T, root, name string, files ...string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte("{}\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeRun(t, root, "b-slow", "python.json", "dotnet.json.zst")
	writeRun(t, root, "a-detach", "python.json", "dotnet.json")
	writeRun(t, root, "c-incomplete", "python.json")
	if err := os.WriteFile(filepath.Join(root, "stray.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	pairs, err := Discover(root, "python.json", "dotnet.json")
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("expected 2 pairs, got %d: %+v", len(pairs), pairs)
	}
	if pairs[0].Label != "a-detach" || pairs[1].Label != "b-slow" {
		t.Errorf("expected pairs sorted by label, got %q, %q", pairs[0].Label, pairs[1].Label)
	}
	if filepath.Base(pairs[1].Second) != "dotnet.json.zst" {
		t.Errorf("expected compressed second log, got %q", pairs[1].Second)
	}
}

func TestDiscover_MissingDir(t *testing.T) {
	if _, err := Discover(filepath.Join(t.TempDir(), "absent"), "a", "b"); err == nil {
		t.Fatal("expected error for missing dir")
	}
}

func TestBatch_RunResumes(t *testing.T) {
	root := t.TempDir()
	writeRun(t, root, "run-1", "python.json", "dotnet.json")
	writeRun(t, root, "run-2", "python.json", "dotnet.json")
	writeRun(t, root, "run-3", "python.json", "dotnet.json")
	statePath := filepath.Join(t.TempDir(), "state.json")

	cfg := Config{Dir: root, FirstName: "python.json", SecondName: "dotnet.json", StatePath: statePath, Summarize: true}
	runner := &fakeRunner{fail: map[string]bool{"run-2": true}}

	sum, err := New(cfg, runner, discardLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Compared != 2 || sum.Failed != 1 || sum.Divergences != 4 {
		t.Errorf("unexpected summary: %+v", sum)
	}
	if !runner.calls[0].Summarize {
		t.Error("expected summarize to be forwarded")
	}

	state, err := LoadState(statePath)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if len(state.Errors) != 1 {
		t.Errorf("expected 1 recorded error, got %v", state.Errors)
	}

	runner = &fakeRunner{}
	sum, err = New(cfg, runner, discardLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if sum.Skipped != 2 || sum.Compared != 1 {
		t.Errorf("expected only the failed run retried, got %+v", sum)
	}
	if len(runner.calls) != 1 || runner.calls[0].RunLabel != "run-2" {
		t.Errorf("unexpected calls: %+v", runner.calls)
	}
}

func TestBatch_DryRun(t *testing.T) {
	root := t.TempDir()
	writeRun(t, root, "run-1", "python.json", "dotnet.json")
	runner := &fakeRunner{}

	cfg := Config{Dir: root, FirstName: "python.json", SecondName: "dotnet.json", StatePath: filepath.Join(t.TempDir(), "s.json"), DryRun: true}
	sum, err := New(cfg, runner, discardLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(runner.calls) != 0 || sum.Compared != 0 || sum.Discovered != 1 {
		t.Errorf("expected nothing compared in dry run, got %+v", sum)
	}
}

func TestBatch_Cancelled(t *testing.T) {
	root := t.TempDir()
	writeRun(t, root, "run-1", "python.json", "dotnet.json")
	statePath := filepath.Join(t.TempDir(), "state.json")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := Config{Dir: root, FirstName: "python.json", SecondName: "dotnet.json", StatePath: statePath}
	_, err := New(cfg, &fakeRunner{}, discardLogger()).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(statePath); err != nil {
		t.Errorf("expected state saved on interrupt: %v", err)
	}
}
