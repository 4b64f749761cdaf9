package trace

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxCalls = 500

// Store persists the call log to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to a PostgreSQL trace database at connStr and applies
// pending migrations.
func Open(ctx context.Context, connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("trace open: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace ping: %w", err)
	}
	if err = migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.ExecContext(ctx, string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateCall inserts a new call and prunes the oldest beyond maxCalls.
func (s *Store) CreateCall(id, patient, caller string, startedAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO calls (id, patient, caller, started_at) VALUES ($1, $2, $3, $4)`,
		id, patient, caller, startedAt.UTC(),
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`DELETE FROM calls WHERE id NOT IN (SELECT id FROM calls ORDER BY started_at DESC LIMIT $1)`,
		maxCalls,
	)
	return err
}

// EndCall records the call's outcome.
func (s *Store) EndCall(id, status, summary string, endedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE calls SET ended_at = $1, status = $2, summary = $3 WHERE id = $4`,
		endedAt.UTC(), status, summary, id,
	)
	return err
}

// CreateEvent inserts a call event.
func (s *Store) CreateEvent(ev Event) error {
	_, err := s.db.Exec(
		`INSERT INTO call_events (id, call_id, name, started_at, duration_ms, detail, status, error_msg)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.CallID, ev.Name, ev.StartedAt.UTC(),
		ev.DurationMs, ev.Detail, ev.Status, ev.Error,
	)
	return err
}

// ListCalls returns calls newest first, with event counts.
func (s *Store) ListCalls(ctx context.Context, limit, offset int) ([]Call, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calls`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.patient, c.caller, c.started_at, c.ended_at, c.status, c.summary, COUNT(e.id) AS event_count
		FROM calls c
		LEFT JOIN call_events e ON e.call_id = c.id
		GROUP BY c.id
		ORDER BY c.started_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var calls []Call
	for rows.Next() {
		c, err := scanCall(rows, true)
		if err != nil {
			return nil, 0, err
		}
		calls = append(calls, c)
	}
	return calls, total, rows.Err()
}

// GetCall returns one call with its events in order.
func (s *Store) GetCall(ctx context.Context, id string) (*Call, []Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, patient, caller, started_at, ended_at, status, summary FROM calls WHERE id = $1`, id)
	c, err := scanCall(row, false)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, call_id, name, started_at, duration_ms, detail, status, error_msg
		 FROM call_events WHERE call_id = $1 ORDER BY started_at ASC`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err = rows.Scan(&ev.ID, &ev.CallID, &ev.Name, &ev.StartedAt, &ev.DurationMs, &ev.Detail, &ev.Status, &ev.Error); err != nil {
			return nil, nil, err
		}
		events = append(events, ev)
	}
	return &c, events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(row scanner, withCount bool) (Call, error) {
	var c Call
	var endedAt sql.NullTime
	dest := []any{&c.ID, &c.Patient, &c.Caller, &c.StartedAt, &endedAt, &c.Status, &c.Summary}
	if withCount {
		dest = append(dest, &c.EventCount)
	}
	if err := row.Scan(dest...); err != nil {
		return Call{}, err
	}
	if endedAt.Valid {
		c.EndedAt = &endedAt.Time
	}
	return c, nil
}
