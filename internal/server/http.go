package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/zot/hotplug/internal/config"
	"github.com/zot/hotplug/internal/plugin"
)

// ModuleSource is the part of a Session the HTTP API uses.
type ModuleSource interface {
	Dir() string
	Modules() []plugin.ModuleInfo
	Module(name string) (*plugin.ModuleInfo, bool)
	Lookup(name string) (plugin.Handle, bool)
	Reload() error
	Stats() plugin.Stats
}

// Caller is implemented by handles whose exports can be invoked, such as *lua.Export.
type Caller interface {
	Call(ctx context.Context, name string, args ...interface{}) (interface{}, error)
}

// CallRequest is the body of POST /api/modules/{name}/call.
type CallRequest struct {
	Function string        `json:"function"`
	Args     []interface{} `json:"args"`
}

// ModuleList is the body of GET /api/modules.
type ModuleList struct {
	Dir     string              `json:"dir"`
	Modules []plugin.ModuleInfo `json:"modules"`
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	plugin.Stats
	Connections int `json:"connections"`
}

// HTTPEndpoint handles HTTP requests.
type HTTPEndpoint struct {
	config      *config.Config
	source      ModuleSource
	wsEndpoint  *WebSocketEndpoint
	callTimeout time.Duration
	mux         *http.ServeMux
}

// NewHTTPEndpoint creates a new HTTP endpoint.
func NewHTTPEndpoint(cfg *config.Config, source ModuleSource, wsEndpoint *WebSocketEndpoint) *HTTPEndpoint {
	h := &HTTPEndpoint{
		config:      cfg,
		source:      source,
		wsEndpoint:  wsEndpoint,
		callTimeout: cfg.Plugins.LoadTimeout.Duration(),
		mux:         http.NewServeMux(),
	}
	h.setupRoutes()
	return h
}

// setupRoutes configures HTTP routes.
func (h *HTTPEndpoint) setupRoutes() {
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux.HandleFunc("GET /api/modules", h.handleModules)
	h.mux.HandleFunc("GET /api/modules/{name}", h.handleModule)
	h.mux.HandleFunc("POST /api/modules/{name}/call", h.handleCall)
	h.mux.HandleFunc("POST /api/reload", h.handleReload)
	h.mux.HandleFunc("GET /api/stats", h.handleStats)
	if h.wsEndpoint != nil {
		h.mux.HandleFunc("GET /api/events", h.wsEndpoint.HandleWebSocket)
	}
}

// ServeHTTP implements http.Handler.
func (h *HTTPEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Recover from panics in handlers, including ones raised by module code
	defer func() {
		if p := recover(); p != nil {
			h.config.Log(0, "PANIC in %s %s: %v", r.Method, r.URL.Path, p)
			h.writeError(w, fmt.Sprintf("internal error: %v", p), http.StatusInternalServerError)
		}
	}()
	h.config.Log(2, "HTTP %s %s", r.Method, r.URL.Path)
	h.mux.ServeHTTP(w, r)
}

func (h *HTTPEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPEndpoint) handleModules(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, ModuleList{Dir: h.source.Dir(), Modules: h.source.Modules()})
}

func (h *HTTPEndpoint) handleModule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	info, ok := h.source.Module(name)
	if !ok {
		h.writeError(w, fmt.Sprintf("module %q is not loaded", name), http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

func (h *HTTPEndpoint) handleCall(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	handle, ok := h.source.Lookup(name)
	if !ok {
		h.writeError(w, fmt.Sprintf("module %q is not loaded", name), http.StatusNotFound)
		return
	}
	caller, ok := handle.(Caller)
	if !ok {
		h.writeError(w, fmt.Sprintf("module %q cannot be called", name), http.StatusBadRequest)
		return
	}

	var req CallRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()
	if h.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.callTimeout)
		defer cancel()
	}
	result, err := caller.Call(ctx, req.Function, req.Args...)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"result": result})
}

func (h *HTTPEndpoint) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := h.source.Reload(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, plugin.ErrInert) || errors.Is(err, plugin.ErrClosed) {
			status = http.StatusConflict
		}
		h.writeError(w, err.Error(), status)
		return
	}
	h.writeJSON(w, http.StatusOK, ModuleList{Dir: h.source.Dir(), Modules: h.source.Modules()})
}

func (h *HTTPEndpoint) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Stats: h.source.Stats()}
	if h.wsEndpoint != nil {
		resp.Connections = h.wsEndpoint.ConnectionCount()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPEndpoint) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.config.Log(1, "HTTP: encoding response: %v", err)
	}
}

// writeError writes an error response.
func (h *HTTPEndpoint) writeError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
