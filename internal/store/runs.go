package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/amqpdiff/internal/compare"
	"github.com/MikeSquared-Agency/amqpdiff/internal/report"
)

type RunRow struct {
	ID                 uuid.UUID     `json:"id"`
	Label              string        `json:"label"`
	FirstPath          string        `json:"first_path"`
	SecondPath         string        `json:"second_path"`
	Reference          string        `json:"reference"`
	Total              int           `json:"total"`
	ProtocolViolations int           `json:"protocol_violations"`
	Behavioral         int           `json:"behavioral"`
	Informational      int           `json:"informational"`
	Unresolved         int           `json:"unresolved"`
	NarrativeStatus    string        `json:"narrative_status"`
	TriageStatus       string        `json:"triage_status"`
	TriageNote         string        `json:"triage_note,omitempty"`
	StartedAt          time.Time     `json:"started_at"`
	Elapsed            time.Duration `json:"elapsed_ns"`
	CreatedAt          time.Time     `json:"created_at"`
}

// WriteRun stores a finished comparison: the run summary and full document
// in diff_runs, one diff_divergences row per divergence.
func (s *Store) WriteRun(ctx context.Context, res *compare.Result) error {
	doc := res.Document
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO diff_runs (id, label, first_path, second_path, reference, total, protocol_violations,
			behavioral, informational, unresolved, narrative_status, document, started_at, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		res.RunID, res.Label, res.First.Path, res.Second.Path, doc.Reference, doc.Summary.Total,
		doc.Summary.BySeverity["protocol-violation"], doc.Summary.BySeverity["behavioral"],
		doc.Summary.BySeverity["informational"], len(doc.Unresolved), doc.NarrativeStatus,
		payload, res.StartedAt, res.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	batch := &pgx.Batch{}
	for i, d := range doc.Divergences {
		var refID, otherID string
		if d.Reference != nil {
			refID = d.Reference.ID
		}
		if d.Other != nil {
			otherID = d.Other.ID
		}
		batch.Queue(`
			INSERT INTO diff_divergences (id, run_id, position, category, severity, kind, field, reference_exchange, other_exchange)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			uuid.New(), res.RunID, i, d.Category, d.Severity, d.Kind, d.Field, refID, otherID,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert divergences: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const runColumns = `id, label, first_path, second_path, reference, total, protocol_violations,
	behavioral, informational, unresolved, narrative_status, triage_status, triage_note,
	started_at, elapsed_ms, created_at`

func scanRun(row pgx.Row, extra ...any) (*RunRow, error) {
	var r RunRow
	var elapsedMS int64
	dest := append([]any{&r.ID, &r.Label, &r.FirstPath, &r.SecondPath, &r.Reference, &r.Total,
		&r.ProtocolViolations, &r.Behavioral, &r.Informational, &r.Unresolved, &r.NarrativeStatus,
		&r.TriageStatus, &r.TriageNote, &r.StartedAt, &elapsedMS, &r.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	return &r, nil
}

// GetRun fetches a run and its stored document.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*RunRow, *report.Document, error) {
	var payload []byte
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+`, document FROM diff_runs WHERE id = $1`, id)
	r, err := scanRun(row, &payload)
	if err != nil {
		return nil, nil, fmt.Errorf("get run %s: %w", id, err)
	}
	var doc report.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, nil, fmt.Errorf("decode document: %w", err)
	}
	return r, &doc, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM diff_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// CountDivergences returns how many divergence rows a run has per severity.
func (s *Store) CountDivergences(ctx context.Context, id uuid.UUID) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT severity, count(*) FROM diff_divergences WHERE run_id = $1 GROUP BY severity`, id)
	if err != nil {
		return nil, fmt.Errorf("count divergences: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, err
		}
		out[sev] = n
	}
	return out, rows.Err()
}

// UpdateRunTriage records a reviewer's verdict on a run.
func (s *Store) UpdateRunTriage(ctx context.Context, id uuid.UUID, status, note string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE diff_runs SET triage_status = $2, triage_note = $3 WHERE id = $1`, id, status, note)
	if err != nil {
		return fmt.Errorf("update triage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update triage %s: %w", id, ErrNotFound)
	}
	return nil
}
