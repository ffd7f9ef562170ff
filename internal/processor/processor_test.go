package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/amqpdiff/internal/compare"
	"github.com/MikeSquared-Agency/amqpdiff/internal/diff"
	"github.com/MikeSquared-Agency/amqpdiff/internal/hermes"
	"github.com/MikeSquared-Agency/amqpdiff/internal/report"
	"github.com/MikeSquared-Agency/amqpdiff/internal/tracetest"
)

type fakeStore struct {
	mu       sync.Mutex
	runs     []*compare.Result
	triage   map[uuid.UUID]string
	writeErr error
}

func (f *fakeStore) WriteRun(_ context.Context, res *compare.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.runs = append(f.runs, res)
	return nil
}

func (f *fakeStore) UpdateRunTriage(_ context.Context, id uuid.UUID, status, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.triage == nil {
		f.triage = map[uuid.UUID]string{}
	}
	f.triage[id] = status
	return nil
}

type published struct {
	subject string
	data    any
}

type fakePublisher struct {
	events []published
}

func (f *fakePublisher) Publish(subject string, data any) error {
	f.events = append(f.events, published{subject, data})
	return nil
}

type fakeNotifier struct {
	reports []string
	threads []string
}

func (f *fakeNotifier) PostReport(_ context.Context, label string, _ *report.Document) (string, error) {
	f.reports = append(f.reports, label)
	return "1700000000.000100", nil
}

func (f *fakeNotifier) PostThread(_ context.Context, _ string, text string) error {
	f.threads = append(f.threads, text)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeTraces(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	py := tracetest.New("py.jsonl").SendScenario("queue", tracetest.Accepted("a!", "b!")...).WriteFile(t, dir)
	net := tracetest.New("net.jsonl").SendScenario("queue", tracetest.Accepted("a!")...).WriteFile(t, dir)
	return py, net
}

func newEngine() *compare.Engine {
	return compare.New(compare.Options{Diff: diff.Options{OrderingTolerance: 1}}, nil, discardLogger())
}

func TestRun_FansOut(t *testing.T) {
	first, second := writeTraces(t)
	st := &fakeStore{}
	pub := &fakePublisher{}
	sl := &fakeNotifier{}
	archiveDir := filepath.Join(t.TempDir(), "archive")

	p := New(Engines{Plain: newEngine()}, st, pub, sl, archiveDir, discardLogger())

	res, err := p.Run(context.Background(), hermes.CompareRequest{
		RunLabel:   "smoke",
		FirstPath:  first,
		SecondPath: second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Label != "smoke" {
		t.Errorf("expected label smoke, got %q", res.Label)
	}
	if len(st.runs) != 1 {
		t.Fatalf("expected 1 stored run, got %d", len(st.runs))
	}

	if len(pub.events) != 1 || pub.events[0].subject != hermes.SubjectReportCompleted {
		t.Fatalf("expected one report.completed event, got %+v", pub.events)
	}
	evt := pub.events[0].data.(hermes.ReportCompleted)
	if evt.Total != 1 {
		t.Errorf("expected 1 divergence, got %d", evt.Total)
	}
	if evt.Worst != "behavioral" {
		t.Errorf("expected worst behavioral, got %q", evt.Worst)
	}
	if evt.RunID != res.RunID.String() {
		t.Errorf("expected run id %s, got %s", res.RunID, evt.RunID)
	}

	if len(sl.reports) != 1 || sl.reports[0] != "smoke" {
		t.Errorf("expected one slack report, got %v", sl.reports)
	}
	if len(sl.threads) != 0 {
		t.Errorf("expected no narrative thread, got %v", sl.threads)
	}

	doc, err := report.ReadFile(filepath.Join(archiveDir, res.RunID.String()+".json.zst"))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if doc.Summary.Total != 1 {
		t.Errorf("expected archived total 1, got %d", doc.Summary.Total)
	}
}

func TestRun_FatalErrorPublishesFailure(t *testing.T) {
	pub := &fakePublisher{}
	p := New(Engines{Plain: newEngine()}, nil, pub, nil, "", discardLogger())

	_, err := p.Run(context.Background(), hermes.CompareRequest{
		RunLabel:   "broken",
		FirstPath:  filepath.Join(t.TempDir(), "missing.jsonl"),
		SecondPath: filepath.Join(t.TempDir(), "missing.jsonl"),
	})
	if err == nil {
		t.Fatal("expected error for missing traces")
	}
	if len(pub.events) != 1 || pub.events[0].subject != hermes.SubjectCompareFailed {
		t.Fatalf("expected one compare.failed event, got %+v", pub.events)
	}
	if pub.events[0].data.(hermes.CompareFailed).RunLabel != "broken" {
		t.Errorf("expected run label broken")
	}
}

func TestRun_RequiresPaths(t *testing.T) {
	p := New(Engines{Plain: newEngine()}, nil, nil, nil, "", discardLogger())
	if _, err := p.Run(context.Background(), hermes.CompareRequest{FirstPath: "a"}); err == nil {
		t.Fatal("expected error without second path")
	}
}

func TestRun_StoreFailureDoesNotFailRun(t *testing.T) {
	first, second := writeTraces(t)
	st := &fakeStore{writeErr: errors.New("connection refused")}
	pub := &fakePublisher{}

	p := New(Engines{Plain: newEngine()}, st, pub, nil, "", discardLogger())
	if _, err := p.Run(context.Background(), hermes.CompareRequest{FirstPath: first, SecondPath: second}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.events) != 1 {
		t.Errorf("expected completion event despite store failure, got %d", len(pub.events))
	}
}

type summarizerFunc func(context.Context, *report.Document) (string, error)

func (f summarizerFunc) Summarize(ctx context.Context, doc *report.Document) (string, error) {
	return f(ctx, doc)
}

func TestRun_SummarizeUsesNarrativeEngine(t *testing.T) {
	first, second := writeTraces(t)
	sl := &fakeNotifier{}
	emitter := report.NewEmitter(summarizerFunc(func(context.Context, *report.Document) (string, error) {
		return "One delivery is missing from the second source.", nil
	}), discardLogger())
	summarizing := compare.New(compare.Options{Diff: diff.Options{OrderingTolerance: 1}}, emitter, discardLogger())

	p := New(Engines{Plain: newEngine(), Summarizing: summarizing}, nil, nil, sl, "", discardLogger())

	res, err := p.Run(context.Background(), hermes.CompareRequest{FirstPath: first, SecondPath: second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Document.NarrativeStatus != report.NarrativeNotRequested {
		t.Errorf("expected no narrative when not requested, got %q", res.Document.NarrativeStatus)
	}

	res, err = p.Run(context.Background(), hermes.CompareRequest{FirstPath: first, SecondPath: second, Summarize: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Document.NarrativeStatus != report.NarrativeOK {
		t.Errorf("expected narrative ok, got %q", res.Document.NarrativeStatus)
	}
	if len(sl.threads) != 1 || sl.threads[0] != "One delivery is missing from the second source." {
		t.Errorf("expected narrative posted as thread, got %v", sl.threads)
	}
}

func reactionPayload(reaction, ts string) []byte {
	data, _ := json.Marshal(map[string]any{
		"metadata": map[string]string{
			"text":       ":" + reaction + ":",
			"user_id":    "U123",
			"channel_id": "C123",
			"message_ts": ts,
		},
	})
	return data
}

func TestHandleReaction_RecordsTriage(t *testing.T) {
	first, second := writeTraces(t)
	st := &fakeStore{}
	sl := &fakeNotifier{}
	p := New(Engines{Plain: newEngine()}, st, nil, sl, "", discardLogger())

	res, err := p.Run(context.Background(), hermes.CompareRequest{FirstPath: first, SecondPath: second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.HandleReaction("swarm.slack.reaction", reactionPayload("eyes", "1700000000.000100"))
	if len(st.triage) != 0 {
		t.Fatalf("expected unknown reaction ignored, got %v", st.triage)
	}

	p.HandleReaction("swarm.slack.reaction", reactionPayload("-1", "1700000000.000100"))
	if st.triage[res.RunID] != "regression" {
		t.Errorf("expected regression triage, got %q", st.triage[res.RunID])
	}
	if len(sl.threads) != 1 {
		t.Errorf("expected follow-up thread for regression, got %v", sl.threads)
	}

	p.HandleReaction("swarm.slack.reaction", reactionPayload("+1", "1700000000.000100"))
	if st.triage[res.RunID] != "regression" {
		t.Errorf("expected a report to be triaged once, got %q", st.triage[res.RunID])
	}
}

func TestHandleCompareRequested_BadPayload(t *testing.T) {
	pub := &fakePublisher{}
	p := New(Engines{Plain: newEngine()}, nil, pub, nil, "", discardLogger())
	p.HandleCompareRequested(hermes.SubjectCompareRequested, []byte("{not json"))
	if len(pub.events) != 0 {
		t.Errorf("expected no events, got %+v", pub.events)
	}
}

func TestArchiveCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "run.json.zst")
	doc := &report.Document{SchemaVersion: report.SchemaVersion}
	if err := archive(path, doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected archive at %s: %v", path, err)
	}
}
