package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(mcpgo.NewTool("list_modules",
		mcpgo.WithDescription("List the modules loaded from the plugin directory"),
	), s.handleListModules)

	s.mcp.AddTool(mcpgo.NewTool("get_module",
		mcpgo.WithDescription("Describe one loaded module: source file, shadow copy and modification time"),
		mcpgo.WithString("name", mcpgo.Required(), mcpgo.Description("Module name (file name without suffix)")),
	), s.handleGetModule)

	s.mcp.AddTool(mcpgo.NewTool("reload_modules",
		mcpgo.WithDescription("Rescan the plugin directory now, loading new and changed modules and unloading removed ones"),
	), s.handleReload)

	s.mcp.AddTool(mcpgo.NewTool("call_module",
		mcpgo.WithDescription("Call a function exported by a loaded module and return its result as JSON"),
		mcpgo.WithString("name", mcpgo.Required(), mcpgo.Description("Module name")),
		mcpgo.WithString("function", mcpgo.Description("Exported function; omit when the module itself is a function")),
		mcpgo.WithArray("args", mcpgo.Description("Arguments passed to the function")),
	), s.handleCall)

	s.mcp.AddTool(mcpgo.NewTool("module_stats",
		mcpgo.WithDescription("Report rescan and coalescing counters for the plugin directory"),
	), s.handleStats)
}

func jsonResult(v interface{}) (*mcpgo.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcpgo.NewToolResultText(string(data)), nil
}

func (s *Server) handleListModules(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.source == nil {
		return mcpgo.NewToolResultError(errUnbound.Error()), nil
	}
	return jsonResult(s.moduleList())
}

func (s *Server) handleGetModule(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.source == nil {
		return mcpgo.NewToolResultError(errUnbound.Error()), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	info, ok := s.source.Module(name)
	if !ok {
		return mcpgo.NewToolResultError(fmt.Sprintf("module %q is not loaded", name)), nil
	}
	return jsonResult(info)
}

func (s *Server) handleReload(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.source == nil {
		return mcpgo.NewToolResultError(errUnbound.Error()), nil
	}
	if err := s.source.Reload(); err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("reload failed: %v", err)), nil
	}
	return jsonResult(s.moduleList())
}

func (s *Server) handleCall(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.source == nil {
		return mcpgo.NewToolResultError(errUnbound.Error()), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	handle, ok := s.source.Lookup(name)
	if !ok {
		return mcpgo.NewToolResultError(fmt.Sprintf("module %q is not loaded", name)), nil
	}
	caller, ok := handle.(Caller)
	if !ok {
		return mcpgo.NewToolResultError(fmt.Sprintf("module %q cannot be called", name)), nil
	}

	var args []interface{}
	if raw, ok := req.GetArguments()["args"]; ok && raw != nil {
		if args, ok = raw.([]interface{}); !ok {
			return mcpgo.NewToolResultError("args must be an array"), nil
		}
	}

	if timeout := s.config.Plugins.LoadTimeout.Duration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	result, err := caller.Call(ctx, req.GetString("function", ""), args...)
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	s.config.Log(2, "MCP: called %s in %v", name, time.Since(start))
	return jsonResult(map[string]interface{}{"result": result})
}

func (s *Server) handleStats(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.source == nil {
		return mcpgo.NewToolResultError(errUnbound.Error()), nil
	}
	return jsonResult(s.source.Stats())
}
