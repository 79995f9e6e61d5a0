package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStorage keeps the snapshot as a single row of a SQLite database.
//
// The change marker combines PRAGMA data_version, which moves when another
// connection commits, with the updated_at column written by Save. Edits made
// with external tools are therefore picked up by the reload loop.
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStorage opens (and initializes if needed) the database at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// data_version is per connection; keep exactly one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStorage{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS rule_snapshot (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version TEXT NOT NULL,
		body TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStorage) Load(ctx context.Context) (*Snapshot, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM rule_snapshot WHERE id = 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		empty := &Snapshot{Version: stamp(s.now()), Routes: []Rule{}}
		if err := s.Save(ctx, empty); err != nil {
			return nil, err
		}
		return empty, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return decodeSnapshot([]byte(body))
}

func (s *SQLiteStorage) Save(ctx context.Context, snap *Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rule_snapshot (id, version, body, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			body = excluded.body,
			updated_at = excluded.updated_at`,
		snap.Version, string(data), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Marker(ctx context.Context) (string, error) {
	var dataVersion int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA data_version`).Scan(&dataVersion); err != nil {
		return "", fmt.Errorf("failed to read data_version: %w", err)
	}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `SELECT updated_at FROM rule_snapshot WHERE id = 1`).Scan(&updatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to read updated_at: %w", err)
	}
	return fmt.Sprintf("%d-%d", dataVersion, updatedAt), nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
