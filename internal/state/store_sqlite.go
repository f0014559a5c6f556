package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	name          TEXT PRIMARY KEY,
	document      TEXT NOT NULL,
	saved_at_unix INTEGER NOT NULL
);
`

// DefaultCheckpointName is the row key used by NewSQLiteStore.
const DefaultCheckpointName = "recleaner"

// SQLiteStore keeps the checkpoint document as a single row of a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
	name string
}

// NewSQLiteStore opens (and creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path, name: DefaultCheckpointName}, nil
}

func (s *SQLiteStore) Location() string { return s.path + "#" + s.name }

// Save upserts the document inside a transaction.
func (s *SQLiteStore) Save(ctx context.Context, doc []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (name, document, saved_at_unix) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET document = excluded.document, saved_at_unix = excluded.saved_at_unix`,
		s.name, string(doc), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Load(ctx context.Context) ([]byte, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM checkpoints WHERE name = ?`, s.name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	return []byte(doc), nil
}

func (s *SQLiteStore) Remove(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE name = ?`, s.name)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
