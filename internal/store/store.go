package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a run id has no row.
var ErrNotFound = errors.New("not found")

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS diff_runs (
	id                  uuid PRIMARY KEY,
	label               text NOT NULL DEFAULT '',
	first_path          text NOT NULL,
	second_path         text NOT NULL,
	reference           text NOT NULL,
	total               integer NOT NULL,
	protocol_violations integer NOT NULL,
	behavioral          integer NOT NULL,
	informational       integer NOT NULL,
	unresolved          integer NOT NULL,
	narrative_status    text NOT NULL,
	document            jsonb NOT NULL,
	started_at          timestamptz NOT NULL,
	elapsed_ms          bigint NOT NULL,
	triage_status       text NOT NULL DEFAULT 'pending',
	triage_note         text NOT NULL DEFAULT '',
	created_at          timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS diff_divergences (
	id                 uuid PRIMARY KEY,
	run_id             uuid NOT NULL REFERENCES diff_runs(id) ON DELETE CASCADE,
	position           integer NOT NULL,
	category           text NOT NULL,
	severity           text NOT NULL,
	kind               text NOT NULL,
	field              text NOT NULL DEFAULT '',
	reference_exchange text NOT NULL DEFAULT '',
	other_exchange     text NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS diff_divergences_run_idx ON diff_divergences (run_id, position);
CREATE INDEX IF NOT EXISTS diff_runs_created_idx ON diff_runs (created_at DESC);
`

// Migrate creates the tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
