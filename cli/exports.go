// This file re-exports the plugin session API for programs embedding hotplug.

package cli

import (
	"github.com/zot/hotplug/internal/lua"
	"github.com/zot/hotplug/internal/plugin"
	"github.com/zot/hotplug/internal/storage"
)

// Re-export plugin types
type (
	Session    = plugin.Session
	Options    = plugin.Options
	Event      = plugin.Event
	EventKind  = plugin.EventKind
	Observer   = plugin.Observer
	Callbacks  = plugin.Callbacks
	Handle     = plugin.Handle
	ModuleInfo = plugin.ModuleInfo
	Stats      = plugin.Stats
	ScanError  = plugin.ScanError
	LoadError  = plugin.LoadError
	Export     = lua.Export
	LuaRuntime = lua.Runtime
	// Storage types for recording loaded modules
	ModuleState    = storage.ModuleState
	StorageBackend = storage.Backend
)

// Re-export event kinds
const (
	Added   = plugin.Added
	Changed = plugin.Changed
	Removed = plugin.Removed
	Error   = plugin.Error
)

// Re-export plugin functions
var (
	Attach            = plugin.Attach
	AttachWithOptions = plugin.AttachWithOptions
	CleanShadows      = plugin.CleanShadows
	NewLuaRuntime     = lua.NewRuntime
	LuaToGo           = lua.LuaToGo
	OpenStorage       = storage.Open
	ErrInert          = plugin.ErrInert
	ErrClosed         = plugin.ErrClosed
)
