package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/zot/hotplug/internal/config"
	"github.com/zot/hotplug/internal/plugin"
	"github.com/zot/hotplug/internal/storage"
)

// runStatus prints the modules recorded in storage for the plugin directory,
// or the details of one module when a name follows the directory.
func runStatus(args []string) int {
	cfg, rest, err := config.Load("status", args)
	if err == nil && len(rest) > 2 {
		err = fmt.Errorf("status: expected [dir] [name], got %v", rest)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	name := ""
	if len(rest) > 0 {
		cfg.Plugins.Dir = rest[0]
	}
	if len(rest) > 1 {
		name = rest[1]
	}
	if cfg.Storage.Type == "memory" {
		fmt.Fprintln(os.Stderr, "status needs shared storage: use --storage sqlite or --storage postgresql")
		return 1
	}

	backend, err := storage.Open(cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open storage: %v\n", err)
		return 1
	}
	defer backend.Close()

	dir, err := plugin.ResolveDir(cfg.Plugins.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if name != "" {
		return printModuleState(backend, dir, name)
	}
	modules, err := backend.List(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list modules: %v\n", err)
		return 1
	}

	if len(modules) == 0 {
		fmt.Printf("No modules recorded for %s\n", dir)
		return 0
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tFILE\tMODIFIED\tLOADED\tSESSION")
	for _, m := range modules {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.Name, m.FileName,
			m.ModTime.Format(time.RFC3339), m.LoadedAt.Format(time.RFC3339), m.SessionID)
	}
	w.Flush()
	return 0
}

func printModuleState(backend storage.Backend, dir, name string) int {
	m, err := backend.Load(dir, name)
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "No module %s recorded for %s\n", name, dir)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load module %s: %v\n", name, err)
		return 1
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Name:\t%s\n", m.Name)
	fmt.Fprintf(w, "File:\t%s\n", m.Path)
	fmt.Fprintf(w, "Shadow:\t%s\n", m.ShadowPath)
	fmt.Fprintf(w, "Modified:\t%s\n", m.ModTime.Format(time.RFC3339Nano))
	fmt.Fprintf(w, "Loaded:\t%s\n", m.LoadedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(w, "Session:\t%s\n", m.SessionID)
	w.Flush()
	return 0
}

// runClean deletes leftover shadow copies. Run it only while no host watches the directory.
func runClean(args []string) int {
	cfg, err := loadConfig("clean", args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	removed, err := plugin.CleanShadows(cfg.Plugins.Dir, cfg.Plugins.Suffix)
	for _, path := range removed {
		fmt.Printf("removed %s\n", path)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(removed) == 0 {
		fmt.Println("No shadow copies found")
	}
	return 0
}
