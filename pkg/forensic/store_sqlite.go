package forensic

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists ledger entries in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open SQLite handle and ensures the schema exists.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("forensic: sqlite migrate: %w", err)
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) a SQLite database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("forensic: open sqlite %q: %w", path, err)
	}
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		sequence     INTEGER PRIMARY KEY,
		event_id     TEXT NOT NULL,
		timestamp    TEXT NOT NULL,
		actor_id     TEXT NOT NULL,
		actor_role   TEXT NOT NULL,
		action       TEXT NOT NULL,
		target       TEXT NOT NULL,
		state_before JSON,
		state_after  JSON,
		payload      JSON,
		prev_hash    TEXT NOT NULL,
		curr_hash    TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const entryColumns = `sequence, event_id, timestamp, actor_id, actor_role, action, target, state_before, state_after, payload, prev_hash, curr_hash`

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	query := `INSERT INTO ledger_entries (` + entryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	before, after, payload, err := marshalSnapshots(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query,
		e.Sequence, e.EventID, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.ActorID, e.ActorRole, string(e.Action), e.Target,
		before, after, payload, e.PrevHash, e.CurrHash,
	)
	return err
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, seq uint64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE sequence = ?`, seq)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("forensic: entry %d not found", seq)
	}
	return e, err
}

// Last implements Store.
func (s *SQLiteStore) Last(ctx context.Context) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries ORDER BY sequence DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// Scan implements Store.
func (s *SQLiteStore) Scan(ctx context.Context, fn func(Entry) error) error {
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
func (s *SQLiteStore) Len(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_entries`).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e                     Entry
		ts, action            string
		before, after, payload sql.NullString
	)
	err := row.Scan(&e.Sequence, &e.EventID, &ts, &e.ActorID, &e.ActorRole,
		&action, &e.Target, &before, &after, &payload, &e.PrevHash, &e.CurrHash)
	if err != nil {
		return nil, err
	}

	e.Action = ActionType(action)
	e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("forensic: parse timestamp %q: %w", ts, err)
	}

	if err := unmarshalSnapshot(before, &e.StateBefore); err != nil {
		return nil, err
	}
	if err := unmarshalSnapshot(after, &e.StateAfter); err != nil {
		return nil, err
	}
	if err := unmarshalSnapshot(payload, &e.Payload); err != nil {
		return nil, err
	}
	return &e, nil
}

func marshalSnapshots(e Entry) (before, after, payload []byte, err error) {
	if e.StateBefore != nil {
		if before, err = json.Marshal(e.StateBefore); err != nil {
			return nil, nil, nil, err
		}
	}
	if e.StateAfter != nil {
		if after, err = json.Marshal(e.StateAfter); err != nil {
			return nil, nil, nil, err
		}
	}
	if e.Payload != nil {
		if payload, err = json.Marshal(e.Payload); err != nil {
			return nil, nil, nil, err
		}
	}
	return before, after, payload, nil
}

func unmarshalSnapshot(col sql.NullString, dst *map[string]any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

var _ Store = (*SQLiteStore)(nil)
