package settings

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/cjeanneret/SplitFlap/internal/debug"
	_ "github.com/mattn/go-sqlite3"
)

// SQLite persists settings in a single configuration table so calibration
// survives restarts.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings database: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS configuration (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create configuration table: %w", err)
	}
	debug.Info("Settings database: %s", path)
	return &SQLite{db: db}, nil
}

func (s *SQLite) String(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM configuration WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLite) Int(key string) (int, error) { return getter(s.String).Int(key) }
func (s *SQLite) Float(key string) (float64, error) { return getter(s.String).Float(key) }
func (s *SQLite) Bool(key string) (bool, error) { return getter(s.String).Bool(key) }

func (s *SQLite) Set(key, value string) error {
	debug.Verbose("Setting %s = %q", key, value)
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO configuration (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) All() (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM configuration")
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting row: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
