package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/amqpdiff/internal/compare"
	"github.com/MikeSquared-Agency/amqpdiff/internal/hermes"
	"github.com/MikeSquared-Agency/amqpdiff/internal/report"
	"github.com/MikeSquared-Agency/amqpdiff/internal/store"
)

type fakeRunner struct {
	got hermes.CompareRequest
	err error
}

func (f *fakeRunner) Run(_ context.Context, req hermes.CompareRequest) (*compare.Result, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &compare.Result{
		RunID:    uuid.New(),
		Document: &report.Document{SchemaVersion: report.SchemaVersion, Reference: "first-source"},
	}, nil
}

type fakeRuns struct {
	rows   []store.RunRow
	counts map[string]int
}

func (f *fakeRuns) GetRun(_ context.Context, id uuid.UUID) (*store.RunRow, *report.Document, error) {
	for i := range f.rows {
		if f.rows[i].ID == id {
			return &f.rows[i], &report.Document{RunID: id.String()}, nil
		}
	}
	return nil, nil, fmt.Errorf("get run %s: %w", id, store.ErrNotFound)
}

func (f *fakeRuns) ListRuns(_ context.Context, limit int) ([]store.RunRow, error) {
	return f.rows, nil
}

func (f *fakeRuns) CountDivergences(_ context.Context, id uuid.UUID) (map[string]int, error) {
	return f.counts, nil
}

type fakeBus struct{ connected bool }

func (f fakeBus) Connected() bool { return f.connected }

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv := NewServer(8760, "", &fakeRunner{}, nil, nil)

	w := serve(srv, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := NewServer(8760, "secret", &fakeRunner{}, nil, nil)

	w := serve(srv, httptest.NewRequest("GET", "/api/v1/amqpdiff/status", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["agent"] != "amqpdiff" {
		t.Errorf("expected agent amqpdiff, got %v", body["agent"])
	}
	if body["store"] != false {
		t.Errorf("expected store false, got %v", body["store"])
	}
	if body["nats"] != false {
		t.Errorf("expected nats false without a bus, got %v", body["nats"])
	}
}

func TestStatusEndpoint_BusConnected(t *testing.T) {
	srv := NewServer(8760, "", &fakeRunner{}, &fakeRuns{}, fakeBus{connected: true})

	w := serve(srv, httptest.NewRequest("GET", "/api/v1/amqpdiff/status", nil))
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["nats"] != true {
		t.Errorf("expected nats true, got %v", body["nats"])
	}
	if body["store"] != true {
		t.Errorf("expected store true, got %v", body["store"])
	}
}

func TestNotFoundEndpoint(t *testing.T) {
	srv := NewServer(8760, "", &fakeRunner{}, nil, nil)

	w := serve(srv, httptest.NewRequest("GET", "/nonexistent", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestCompareEndpoint(t *testing.T) {
	runner := &fakeRunner{}
	srv := NewServer(8760, "", runner, nil, nil)

	body := `{"run_label":"ci","first_path":"/traces/py.jsonl","second_path":"/traces/net.jsonl"}`
	w := serve(srv, httptest.NewRequest("POST", "/api/v1/compare", bytes.NewBufferString(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if runner.got.FirstPath != "/traces/py.jsonl" || runner.got.RunLabel != "ci" {
		t.Errorf("unexpected request forwarded: %+v", runner.got)
	}

	var doc report.Document
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatalf("failed to decode document: %v", err)
	}
	if doc.SchemaVersion != report.SchemaVersion {
		t.Errorf("expected schema version %d, got %d", report.SchemaVersion, doc.SchemaVersion)
	}
}

func TestCompareEndpoint_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"invalid json", `{`, nil, http.StatusBadRequest},
		{"missing path", `{"first_path":"a"}`, nil, http.StatusBadRequest},
		{"fatal comparison", `{"first_path":"a","second_path":"b"}`, errors.New("first source: empty trace"), http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(8760, "", &fakeRunner{err: tt.err}, nil, nil)
			w := serve(srv, httptest.NewRequest("POST", "/api/v1/compare", bytes.NewBufferString(tt.body)))
			if w.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestBearerAuth(t *testing.T) {
	srv := NewServer(8760, "secret", &fakeRunner{}, &fakeRuns{}, nil)

	w := serve(srv, httptest.NewRequest("GET", "/api/v1/runs", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	if w := serve(srv, req); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer secret")
	if w := serve(srv, req); w.Code != http.StatusOK {
		t.Errorf("expected 200 with token, got %d", w.Code)
	}
}

func TestRunsEndpoints(t *testing.T) {
	id := uuid.New()
	srv := NewServer(8760, "", &fakeRunner{}, &fakeRuns{
		rows:   []store.RunRow{{ID: id, Label: "nightly", Total: 3}},
		counts: map[string]int{"behavioral": 2, "informational": 1},
	}, nil)

	w := serve(srv, httptest.NewRequest("GET", "/api/v1/runs?limit=10", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list struct {
		Runs  []store.RunRow `json:"runs"`
		Count int            `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if list.Count != 1 || list.Runs[0].Label != "nightly" {
		t.Errorf("unexpected runs: %+v", list)
	}

	w = serve(srv, httptest.NewRequest("GET", "/api/v1/runs/"+id.String(), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got struct {
		Run               store.RunRow   `json:"run"`
		StoredDivergences map[string]int `json:"stored_divergences"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode run: %v", err)
	}
	if got.Run.ID != id {
		t.Errorf("expected run %s, got %s", id, got.Run.ID)
	}
	if got.StoredDivergences["behavioral"] != 2 || got.StoredDivergences["informational"] != 1 {
		t.Errorf("unexpected stored divergences: %v", got.StoredDivergences)
	}

	if w := serve(srv, httptest.NewRequest("GET", "/api/v1/runs/"+uuid.NewString(), nil)); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown run, got %d", w.Code)
	}
	if w := serve(srv, httptest.NewRequest("GET", "/api/v1/runs/not-a-uuid", nil)); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %d", w.Code)
	}
	if w := serve(srv, httptest.NewRequest("GET", "/api/v1/runs?limit=ten", nil)); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestRunsEndpoints_NoStore(t *testing.T) {
	srv := NewServer(8760, "", &fakeRunner{}, nil, nil)
	if w := serve(srv, httptest.NewRequest("GET", "/api/v1/runs", nil)); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}
