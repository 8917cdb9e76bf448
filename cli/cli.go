// Package cli provides the command-line interface for hotplug.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"fmt"
	"os"
)

// Version is the hotplug release.
const Version = "0.1.0"

// Hooks allows extending the CLI with additional commands.
type Hooks struct {
	// BeforeDispatch is called before command dispatch.
	// Return (handled=true, exitCode) to skip normal dispatch.
	BeforeDispatch func(command string, args []string) (handled bool, exitCode int)

	// CustomHelp returns additional help text to append.
	CustomHelp func() string

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string

	// Observer receives every Session event in serve and mcp modes (optional).
	Observer Observer
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	if len(args) < 1 {
		return runServe(args, hooks)
	}

	command := args[0]
	cmdArgs := args[1:]

	// Let hooks intercept first
	if hooks != nil && hooks.BeforeDispatch != nil {
		if handled, code := hooks.BeforeDispatch(command, cmdArgs); handled {
			return code
		}
	}

	switch command {
	case "serve":
		return runServe(cmdArgs, hooks)
	case "mcp":
		return runMCP(cmdArgs, hooks)
	case "status":
		return runStatus(cmdArgs)
	case "clean":
		return runClean(cmdArgs)
	case "help", "-h", "--help":
		printHelp(hooks)
		return 0
	case "version", "--version":
		printVersion(hooks)
		return 0
	default:
		// Check if it's a flag (starts with -)
		if len(command) > 0 && command[0] == '-' {
			return runServe(args, hooks)
		}
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printHelp(hooks)
		return 1
	}
}

func printHelp(hooks *Hooks) {
	fmt.Println(`hotplug: keep a directory of Lua plugins loaded while you edit them

Usage: hotplug [command] [options] [dir]

Commands:
  serve           Load and watch the plugin directory, serve the HTTP API (default)
  mcp             Load and watch the plugin directory, serve MCP on stdio
  status          Show the modules a running host recorded in storage;
                  "status [dir] [name]" shows one module
  clean           Delete leftover shadow copies from the plugin directory
  help            Show this help
  version         Show the version

Options:
  --config        TOML config file (default: config/config.toml)
  --dir           Plugin directory (default: plugins)
  --suffix        Plugin file suffix (default: .lua)
  --debounce      Delay used to coalesce filesystem events (default: 100ms)
  --load-timeout  Maximum time a plugin may take to load (default: none)
  --storage       State storage: memory, sqlite, postgresql (default: memory)
  --storage-path  SQLite database path (default: hotplug.db)
  --storage-url   PostgreSQL connection URL
  --host          HTTP listen address (default: 127.0.0.1)
  --port          HTTP listen port (default: 8080)
  --no-server     Do not start the HTTP server
  --log-level     Log level: debug, info, warn, error
  -v, -vv, -vvv   Verbosity

Examples:
  hotplug serve --port 9000 plugins/
  hotplug serve --storage sqlite --storage-path state.db
  hotplug status --storage sqlite --storage-path state.db plugins/
  hotplug status --storage sqlite --storage-path state.db plugins/ greeter
  hotplug clean plugins/`)

	if hooks != nil && hooks.CustomHelp != nil {
		fmt.Println(hooks.CustomHelp())
	}
}

func printVersion(hooks *Hooks) {
	fmt.Println("hotplug v" + Version)
	if hooks != nil && hooks.CustomVersion != nil {
		fmt.Println(hooks.CustomVersion())
	}
}
