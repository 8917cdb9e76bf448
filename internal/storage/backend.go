// Package storage records the active revision of each loaded module so other processes
// (the status command, dashboards) can see what a host has loaded.
// Only the current revision is kept; a reload overwrites the previous row.
package storage

import (
	"fmt"
	"time"

	"github.com/zot/hotplug/internal/config"
)

// ModuleState is the stored view of one loaded module.
type ModuleState struct {
	Dir        string    `json:"dir"`
	Name       string    `json:"name"`
	FileName   string    `json:"fileName"`
	Path       string    `json:"path"`
	ShadowPath string    `json:"shadowPath"`
	ModTime    time.Time `json:"modTime"`
	SessionID  string    `json:"sessionId"`
	LoadedAt   time.Time `json:"loadedAt"`
}

// Backend defines the interface for storage backends.
type Backend interface {
	// Store saves a module's state, replacing any previous state for (Dir, Name).
	Store(m *ModuleState) error

	// Load retrieves one module's state.
	Load(dir, name string) (*ModuleState, error)

	// Delete removes one module's state.
	Delete(dir, name string) error

	// List returns all module states for dir, sorted by name.
	List(dir string) ([]*ModuleState, error)

	// Clear removes all state for dir.
	Clear(dir string) error

	// Close closes the storage backend.
	Close() error
}

// ErrNotFound is wrapped by Load when no state exists.
var ErrNotFound = fmt.Errorf("module state not found")

// Open creates the backend selected by cfg.
func Open(cfg config.StorageConfig) (Backend, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "sqlite":
		return NewSQLiteStorage(cfg.Path)
	case "postgresql":
		return NewPostgresStorage(cfg.URL)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
