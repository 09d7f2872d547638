package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteStore persists snapshots in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore initializes the snapshots table in the given DB and
// returns a new store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			kind TEXT NOT NULL,
			key TEXT NOT NULL,
			data BLOB NOT NULL,
			saved_at INTEGER NOT NULL,
			PRIMARY KEY (kind, key)
		);
	`)
	return err
}

var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (kind, key, data, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (kind, key) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`,
		rec.Kind,
		rec.Key,
		rec.Data,
		rec.SavedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, kind, key string) (*Record, error) {
	var (
		data    []byte
		savedAt int64
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT data, saved_at FROM snapshots WHERE kind = ? AND key = ?`, kind, key)
	if err := row.Scan(&data, &savedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &Record{
		Kind:    kind,
		Key:     key,
		Data:    data,
		SavedAt: time.Unix(0, savedAt),
	}, nil
}

func (s *SQLiteStore) Keys(ctx context.Context, kind string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM snapshots WHERE kind = ? ORDER BY key`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, kind, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE kind = ? AND key = ?`, kind, key)
	return err
}
