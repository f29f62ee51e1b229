package session

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"
)

// Settings keys.
const (
	KeyDeviceID    = "device_id"
	KeyAccessToken = "access_token"
	KeyLastChannel = "last_channel"
)

const settingsSchema = `CREATE TABLE IF NOT EXISTS settings (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`

// Settings is the small on-disk key-value store backing the session: device
// id, access token, last selected channel.
type Settings struct {
	db *sql.DB
}

func OpenSettings(path string) (*Settings, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(settingsSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	return &Settings{db: db}, nil
}

func (s *Settings) Close() error { return s.db.Close() }

// Get returns the stored value, or ok=false when the key is unset.
func (s *Settings) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?;`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "get setting")
	}
	return value, true, nil
}

func (s *Settings) Set(ctx context.Context, key, value string) error {
	const q = `INSERT INTO settings (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value;`
	_, err := s.db.ExecContext(ctx, q, key, value)
	return errors.Wrap(err, "set setting")
}

func (s *Settings) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?;`, key)
	return errors.Wrap(err, "delete setting")
}
