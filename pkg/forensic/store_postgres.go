package forensic

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists ledger entries in PostgreSQL. Same contract as
// SQLiteStore; intended for deployments where the audit trail must live on
// a shared database server.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection and ensures the schema exists.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("forensic: postgres migrate: %w", err)
	}
	return s, nil
}

// OpenPostgresStore connects using a lib/pq DSN.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("forensic: open postgres: %w", err)
	}
	return NewPostgresStore(db)
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		sequence     BIGINT PRIMARY KEY,
		event_id     TEXT NOT NULL,
		timestamp    TEXT NOT NULL,
		actor_id     TEXT NOT NULL,
		actor_role   TEXT NOT NULL,
		action       TEXT NOT NULL,
		target       TEXT NOT NULL,
		state_before JSONB,
		state_after  JSONB,
		payload      JSONB,
		prev_hash    TEXT NOT NULL,
		curr_hash    TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	query := `INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	before, after, payload, err := marshalSnapshots(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query,
		e.Sequence, e.EventID, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.ActorID, e.ActorRole, string(e.Action), e.Target,
		nullable(before), nullable(after), nullable(payload), e.PrevHash, e.CurrHash,
	)
	return err
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, seq uint64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE sequence = $1`, seq)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("forensic: entry %d not found", seq)
	}
	return e, err
}

// Last implements Store.
func (s *PostgresStore) Last(ctx context.Context) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries ORDER BY sequence DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// Scan implements Store.
func (s *PostgresStore) Scan(ctx context.Context, fn func(Entry) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries ORDER BY sequence ASC`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(*e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Len implements Store.
func (s *PostgresStore) Len(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries`).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ Store = (*PostgresStore)(nil)
