package plugin

import (
	"sort"
	"sync"
	"time"
)

// Handle is the opaque value an Evaluator returns for a loaded module.
type Handle = interface{}

// Record is the Registry entry for one loaded module.
type Record struct {
	Name       string
	FileName   string
	Path       string
	ModTime    time.Time // mtime of the source when the active version was loaded
	ShadowPath string
	Handle     Handle
}

// ModuleInfo is a handle-free snapshot of a Record.
type ModuleInfo struct {
	Name       string    `json:"name"`
	FileName   string    `json:"fileName"`
	Path       string    `json:"path"`
	ShadowPath string    `json:"shadowPath"`
	ModTime    time.Time `json:"modTime"`
}

// Info returns a snapshot of the record.
func (r *Record) Info() *ModuleInfo {
	return &ModuleInfo{
		Name:       r.Name,
		FileName:   r.FileName,
		Path:       r.Path,
		ShadowPath: r.ShadowPath,
		ModTime:    r.ModTime,
	}
}

// Registry maps module names to records for one Session.
// Writes happen only inside a pass; the lock lets readers outside the pass see a
// consistent view.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	failed  map[string]time.Time // name -> mtime of the last failed load attempt
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		failed:  make(map[string]time.Time),
	}
}

// Get returns the record for name.
func (r *Registry) Get(name string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	return rec, ok
}

// Put stores rec and clears any failed attempt for its name.
func (r *Registry) Put(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.Name] = rec
	delete(r.failed, rec.Name)
}

// Delete removes the record and failure state for name.
func (r *Registry) Delete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, name)
	delete(r.failed, name)
}

// MarkFailed remembers that loading name at modTime failed.
func (r *Registry) MarkFailed(name string, modTime time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[name] = modTime
}

// failedAt returns the mtime of the last failed load attempt for name.
func (r *Registry) failedAt(name string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.failed[name]
	return t, ok
}

// Len returns the number of loaded modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Names returns the loaded module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.records))
	for name := range r.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Infos returns snapshots of every record, sorted by name.
func (r *Registry) Infos() []ModuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ModuleInfo, 0, len(r.records))
	for _, rec := range r.records {
		infos = append(infos, *rec.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Diff classifies a fresh scan against the registry.
type Diff struct {
	Added   []File   // present now, not loaded
	Changed []File   // loaded, and the file's mtime is strictly newer
	Removed []string // loaded or failed, no longer present
}

// Empty reports whether the diff requires no work.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// Diff compares current against the registry.
// Only a strictly newer mtime counts as a change. A name whose last load failed is
// retried only once its mtime moves past the failed attempt.
func (r *Registry) Diff(current map[string]File) Diff {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var d Diff
	for name, file := range current {
		if failedAt, failed := r.failed[name]; failed && !file.ModTime.After(failedAt) {
			continue
		}
		rec, loaded := r.records[name]
		switch {
		case !loaded:
			d.Added = append(d.Added, file)
		case file.ModTime.After(rec.ModTime):
			d.Changed = append(d.Changed, file)
		}
	}
	for name := range r.records {
		if _, ok := current[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	for name := range r.failed {
		if _, loaded := r.records[name]; loaded {
			continue
		}
		if _, ok := current[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}

	sort.Slice(d.Added, func(i, j int) bool { return d.Added[i].Name < d.Added[j].Name })
	sort.Slice(d.Changed, func(i, j int) bool { return d.Changed[i].Name < d.Changed[j].Name })
	sort.Strings(d.Removed)
	return d
}
