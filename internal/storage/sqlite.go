package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage is a SQLite storage backend.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage backend.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStorage{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// init creates the necessary tables.
func (s *SQLiteStorage) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS modules (
			dir TEXT NOT NULL,
			name TEXT NOT NULL,
			file_name TEXT NOT NULL,
			path TEXT NOT NULL,
			shadow_path TEXT NOT NULL,
			mod_time INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			loaded_at INTEGER NOT NULL,
			PRIMARY KEY (dir, name)
		);
	`)
	return err
}

// Store saves a module's state.
func (s *SQLiteStorage) Store(m *ModuleState) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO modules (dir, name, file_name, path, shadow_path, mod_time, session_id, loaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.Dir, m.Name, m.FileName, m.Path, m.ShadowPath, m.ModTime.UnixNano(), m.SessionID, m.LoadedAt.UnixNano())
	return err
}

// Load retrieves one module's state.
func (s *SQLiteStorage) Load(dir, name string) (*ModuleState, error) {
	m := &ModuleState{Dir: dir, Name: name}
	var modTime, loadedAt int64

	err := s.db.QueryRow(`
		SELECT file_name, path, shadow_path, mod_time, session_id, loaded_at
		FROM modules WHERE dir = ? AND name = ?
	`, dir, name).Scan(&m.FileName, &m.Path, &m.ShadowPath, &modTime, &m.SessionID, &loadedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s in %s: %w", name, dir, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	m.ModTime = time.Unix(0, modTime)
	m.LoadedAt = time.Unix(0, loadedAt)
	return m, nil
}

// Delete removes one module's state.
func (s *SQLiteStorage) Delete(dir, name string) error {
	_, err := s.db.Exec("DELETE FROM modules WHERE dir = ? AND name = ?", dir, name)
	return err
}

// List returns all module states for dir.
func (s *SQLiteStorage) List(dir string) ([]*ModuleState, error) {
	rows, err := s.db.Query(`
		SELECT name, file_name, path, shadow_path, mod_time, session_id, loaded_at
		FROM modules WHERE dir = ? ORDER BY name
	`, dir)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ModuleState
	for rows.Next() {
		m := &ModuleState{Dir: dir}
		var modTime, loadedAt int64
		if err := rows.Scan(&m.Name, &m.FileName, &m.Path, &m.ShadowPath, &modTime, &m.SessionID, &loadedAt); err != nil {
			return nil, err
		}
		m.ModTime = time.Unix(0, modTime)
		m.LoadedAt = time.Unix(0, loadedAt)
		result = append(result, m)
	}

	return result, rows.Err()
}

// Clear removes all state for dir.
func (s *SQLiteStorage) Clear(dir string) error {
	_, err := s.db.Exec("DELETE FROM modules WHERE dir = ?", dir)
	return err
}

// Close closes the storage backend.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
