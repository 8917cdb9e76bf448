package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/zot/hotplug/internal/config"
	"github.com/zot/hotplug/internal/mcp"
	"github.com/zot/hotplug/internal/plugin"
	"github.com/zot/hotplug/internal/server"
	"github.com/zot/hotplug/internal/storage"
)

// host is one attached plugin directory with everything that observes it.
type host struct {
	config   *config.Config
	backend  storage.Backend
	recorder *storage.Recorder
	session  *plugin.Session
}

// loadConfig parses args for command; a positional argument names the plugin directory.
func loadConfig(command string, args []string) (*config.Config, error) {
	cfg, rest, err := config.Load(command, args)
	if err != nil {
		return nil, err
	}
	if len(rest) > 1 {
		return nil, fmt.Errorf("%s: expected at most one directory, got %v", command, rest)
	}
	if len(rest) == 1 {
		cfg.Plugins.Dir = rest[0]
	}
	return cfg, nil
}

// logEvents reports Session events through the config logger.
func logEvents(cfg *config.Config) plugin.Observer {
	return plugin.ObserverFunc(func(event plugin.Event) {
		if event.Kind == plugin.Error {
			cfg.Log(0, "Plugin %s: %v", event.Name, event.Err)
			return
		}
		cfg.Log(1, "Plugin %s: %s", event.Name, event.Kind)
	})
}

// openHost opens storage and attaches the plugin directory. observers receive every event.
func openHost(cfg *config.Config, observers ...plugin.Observer) (*host, error) {
	backend, err := storage.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("opening %s storage: %w", cfg.Storage.Type, err)
	}

	dir, err := plugin.ResolveDir(cfg.Plugins.Dir)
	if err != nil {
		backend.Close()
		return nil, err
	}
	id := uuid.NewString()
	recorder := storage.NewRecorder(backend, dir, id, cfg)
	if err := recorder.Reset(); err != nil {
		cfg.Log(0, "Storage: clearing state for %s: %v", dir, err)
	}

	all := plugin.Observers{logEvents(cfg), recorder}
	all = append(all, observers...)
	session, err := plugin.AttachWithOptions(dir, all, plugin.Options{
		ID:          id,
		Suffix:      cfg.Plugins.Suffix,
		Debounce:    cfg.Plugins.Debounce.Duration(),
		LoadTimeout: cfg.Plugins.LoadTimeout.Duration(),
		Logger:      cfg,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}
	return &host{config: cfg, backend: backend, recorder: recorder, session: session}, nil
}

// close tears the session down and closes storage.
func (h *host) close() {
	if err := h.session.Teardown(); err != nil {
		h.config.Log(0, "Closing watch: %v", err)
	}
	if err := h.backend.Close(); err != nil {
		h.config.Log(0, "Closing storage: %v", err)
	}
}

func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	signal.Stop(sigChan)
}

func runServe(args []string, hooks *Hooks) int {
	cfg, err := loadConfig("serve", args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	var observers []plugin.Observer
	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(cfg)
		observers = append(observers, srv.Events())
	}
	if hooks != nil && hooks.Observer != nil {
		observers = append(observers, hooks.Observer)
	}

	h, err := openHost(cfg, observers...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to attach %s: %v\n", cfg.Plugins.Dir, err)
		return 1
	}
	defer h.close()

	if srv != nil {
		srv.Bind(h.session)
		url, err := srv.StartHTTP(cfg.Server.Port)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			return 1
		}
		cfg.Log(0, "Serving %s at %s", h.session.Dir(), url)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	waitForSignal()
	cfg.Log(0, "Shutting down...")
	return 0
}

func runMCP(args []string, hooks *Hooks) int {
	cfg, err := loadConfig("mcp", args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	mcpServer := mcp.NewServer(cfg, Version)
	observers := []plugin.Observer{mcpServer}
	if hooks != nil && hooks.Observer != nil {
		observers = append(observers, hooks.Observer)
	}

	h, err := openHost(cfg, observers...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to attach %s: %v\n", cfg.Plugins.Dir, err)
		return 1
	}
	defer h.close()
	mcpServer.Bind(h.session)

	// ServeStdio blocks until EOF or a signal
	if err := mcpServer.ServeStdio(); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		return 1
	}
	return 0
}
