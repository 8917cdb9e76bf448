// This file re-exports config types from internal/config for public API.

package cli

import (
	"github.com/zot/hotplug/internal/config"
)

// Re-export config types for public API
type (
	Config        = config.Config
	PluginsConfig = config.PluginsConfig
	StorageConfig = config.StorageConfig
	ServerConfig  = config.ServerConfig
	LoggingConfig = config.LoggingConfig
	Duration      = config.Duration
)

// Re-export config functions for public API
var (
	DefaultConfig = config.DefaultConfig
	LoadConfig    = config.Load
)
