package trace

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// retainSessions is how many of the newest sessions survive pruning.
const retainSessions = 100

// ErrNotFound is returned when a session or run does not exist.
var ErrNotFound = errors.New("trace: not found")

// Store persists trace data to PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to a PostgreSQL trace database at connStr and applies pending migrations.
func Open(ctx context.Context, connStr string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("trace config: %w", err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("trace open: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("trace ping: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("trace migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// migrate applies every embedded migration newer than the recorded schema version.
// Migrations are numbered by their position in lexical file order, each in its own transaction.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}
	var applied int
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), -1) FROM schema_version`).Scan(&applied); err != nil {
		return err
	}

	files, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	for version := applied + 1; version < len(files); version++ {
		script, err := migrationFS.ReadFile(files[version])
		if err != nil {
			return err
		}
		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(script)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, version)
			return err
		})
		if err != nil {
			return fmt.Errorf("%s: %w", files[version], err)
		}
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// CreateSession inserts a session and prunes all but the newest retainSessions.
func (s *Store) CreateSession(ctx context.Context, id, metadata string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO sessions (id, metadata, started_at) VALUES ($1, $2, $3)`,
			id, metadata, time.Now().UTC(),
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`DELETE FROM sessions WHERE id NOT IN (SELECT id FROM sessions ORDER BY started_at DESC LIMIT $1)`,
			retainSessions,
		)
		return err
	})
}

func (s *Store) EndSession(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET ended_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	return err
}

// CreateRun inserts a run in the running state.
func (s *Store) CreateRun(ctx context.Context, id, sessionID, kind, input string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, session_id, kind, input, started_at, status) VALUES ($1, $2, $3, $4, $5, 'running')`,
		id, sessionID, kind, input, time.Now().UTC(),
	)
	return err
}

func (s *Store) UpdateRun(ctx context.Context, id string, res RunResult) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET duration_ms = $1, transcript = $2, response = $3, chunks = $4, status = $5 WHERE id = $6`,
		res.DurationMs, res.Transcript, res.Response, res.Chunks, res.Status, id,
	)
	return err
}

func (s *Store) CreateSpan(ctx context.Context, sp Span) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO spans (id, run_id, name, started_at, duration_ms, input, output, status, error_msg)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sp.ID, sp.RunID, sp.Name, sp.StartedAt.UTC(), sp.DurationMs, sp.Input, sp.Output, sp.Status, sp.Error,
	)
	return err
}

// ListSessions returns one page of sessions, newest first, and the total session count.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]Session, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.metadata, s.started_at, s.ended_at, COUNT(r.id) AS run_count
		FROM sessions s
		LEFT JOIN runs r ON r.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	sessions, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[Session])
	return sessions, total, err
}

// GetSession returns a session and its runs in start order.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, []Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, metadata, started_at, ended_at FROM sessions WHERE id = $1`, id)
	if err != nil {
		return nil, nil, err
	}
	sess, err := collectOne(rows, pgx.RowToStructByNameLax[Session])
	if err != nil {
		return nil, nil, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT r.id, r.session_id, r.kind, r.input, r.started_at, r.duration_ms, r.transcript, r.response,
		       r.chunks, r.status, COUNT(sp.id) AS span_count
		FROM runs r
		LEFT JOIN spans sp ON sp.run_id = r.id
		WHERE r.session_id = $1
		GROUP BY r.id
		ORDER BY r.started_at ASC`, id)
	if err != nil {
		return nil, nil, err
	}
	runs, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[Run])
	return sess, runs, err
}

// GetRun returns a run of the given session and its spans in start order.
func (s *Store) GetRun(ctx context.Context, sessionID, runID string) (*Run, []Span, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, kind, input, started_at, duration_ms, transcript, response, chunks, status
		FROM runs WHERE id = $1 AND session_id = $2`, runID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	run, err := collectOne(rows, pgx.RowToStructByNameLax[Run])
	if err != nil {
		return nil, nil, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT id, run_id, name, started_at, duration_ms, input, output, status, error_msg
		FROM spans WHERE run_id = $1 ORDER BY started_at ASC`, runID)
	if err != nil {
		return nil, nil, err
	}
	spans, err := pgx.CollectRows(rows, pgx.RowToStructByName[Span])
	return run, spans, err
}

func collectOne[T any](rows pgx.Rows, fn pgx.RowToFunc[T]) (*T, error) {
	v, err := pgx.CollectExactlyOneRow(rows, fn)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}
