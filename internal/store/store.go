package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/attendcam/internal/events"
	"github.com/jackc/pgx/v5"
)

// Journal appends attendance events to PostgreSQL. Nothing is read back at
// startup; the table is an audit trail only.
type Journal struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

// Row is one stored event.
type Row struct {
	ID         string
	Kind       string
	Name       string
	Confidence float64
	Detail     string
	At         time.Time
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Journal, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Journal{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS attendance_events (
			id UUID PRIMARY KEY,
			kind TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL,
			recorded_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS attendance_events_name_idx ON attendance_events (name, occurred_at);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (j *Journal) Close(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.conn.Close(ctx)
}

func (j *Journal) Name() string { return "postgres" }

// Deliver records ev. Duplicate IDs are ignored so a retried delivery is harmless.
func (j *Journal) Deliver(ctx context.Context, ev events.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.conn.Exec(ctx, `
		INSERT INTO attendance_events (id, kind, name, confidence, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, string(ev.Kind), ev.Name, ev.Confidence, ev.Detail, ev.At)
	return err
}

// Recent returns the newest events first. An empty name matches everyone.
func (j *Journal) Recent(ctx context.Context, name string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 50
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.conn.Query(ctx, `
		SELECT id::text, kind, name, confidence, detail, occurred_at
		FROM attendance_events
		WHERE $1 = '' OR name = $1
		ORDER BY occurred_at DESC, recorded_at DESC
		LIMIT $2
	`, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.Kind, &r.Name, &r.Confidence, &r.Detail, &r.At); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reset drops the journal table. The next New recreates it.
func (j *Journal) Reset(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.conn.Exec(ctx, `DROP TABLE IF EXISTS attendance_events CASCADE;`)
	return err
}
