// Package mcp exposes a Session to MCP clients over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/zot/hotplug/internal/config"
	"github.com/zot/hotplug/internal/plugin"
)

// ModulesURI is the resource listing loaded modules.
const ModulesURI = "hotplug://modules"

// Source is the part of a Session the tools use.
type Source interface {
	Dir() string
	Modules() []plugin.ModuleInfo
	Module(name string) (*plugin.ModuleInfo, bool)
	Lookup(name string) (plugin.Handle, bool)
	Reload() error
	Stats() plugin.Stats
}

// Caller is implemented by handles whose exports can be invoked.
type Caller interface {
	Call(ctx context.Context, name string, args ...interface{}) (interface{}, error)
}

var errUnbound = errors.New("no plugin directory is attached")

// Server wraps an MCP server whose tools operate on one Session.
type Server struct {
	config *config.Config
	source Source
	mcp    *server.MCPServer
}

// NewServer creates the MCP server and registers its tools and resources.
func NewServer(cfg *config.Config, version string) *Server {
	s := &Server{
		config: cfg,
		mcp: server.NewMCPServer("hotplug", version,
			server.WithToolCapabilities(false),
			server.WithResourceCapabilities(true, false),
			server.WithRecovery(),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// Bind sets the Session the tools operate on.
func (s *Server) Bind(source Source) {
	s.source = source
}

// ServeStdio serves MCP on stdin/stdout until EOF.
func (s *Server) ServeStdio() error {
	s.config.Log(1, "MCP: serving on stdio")
	return server.ServeStdio(s.mcp)
}

// Notify implements plugin.Observer by telling clients the module list changed.
func (s *Server) Notify(event plugin.Event) {
	s.config.Log(2, "MCP: %s %s", event.Kind, event.Name)
	s.mcp.SendNotificationToAllClients("notifications/resources/updated", map[string]any{
		"uri": ModulesURI,
	})
}

func (s *Server) registerResources() {
	s.mcp.AddResource(
		mcpgo.NewResource(ModulesURI, "Loaded modules",
			mcpgo.WithResourceDescription("Modules currently loaded from the plugin directory"),
			mcpgo.WithMIMEType("application/json"),
		),
		func(ctx context.Context, req mcpgo.ReadResourceRequest) ([]mcpgo.ResourceContents, error) {
			if s.source == nil {
				return nil, errUnbound
			}
			data, err := json.Marshal(s.moduleList())
			if err != nil {
				return nil, err
			}
			return []mcpgo.ResourceContents{
				mcpgo.TextResourceContents{
					URI:      ModulesURI,
					MIMEType: "application/json",
					Text:     string(data),
				},
			}, nil
		},
	)
}

type moduleList struct {
	Dir     string              `json:"dir"`
	Modules []plugin.ModuleInfo `json:"modules"`
}

func (s *Server) moduleList() moduleList {
	return moduleList{Dir: s.source.Dir(), Modules: s.source.Modules()}
}
