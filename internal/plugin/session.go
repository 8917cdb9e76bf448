package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zot/hotplug/internal/lua"
)

const (
	DefaultSuffix   = ".lua"
	DefaultDebounce = 100 * time.Millisecond
)

// ErrClosed is returned by Reload after Teardown.
var ErrClosed = errors.New("session is torn down")

// Logger receives diagnostics. *config.Config satisfies it.
type Logger interface {
	Log(level int, format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Log(int, string, ...interface{}) {}

// Options controls a Session.
type Options struct {
	// ID names the session in logs and stored state. Default: a random UUID.
	ID string
	// Suffix is the module file suffix. Default ".lua".
	Suffix string
	// Debounce coalesces filesystem notifications. Default 100ms; negative disables it.
	Debounce time.Duration
	// LoadTimeout bounds each module load. Zero means no bound.
	LoadTimeout time.Duration
	// Evaluator executes module code. Default: a Lua runtime owned by the Session.
	Evaluator Evaluator
	// Logger receives diagnostics. Default: discard.
	Logger Logger
}

// Stats reports Session activity counters.
type Stats struct {
	Passes    uint64 `json:"passes"`
	Requests  uint64 `json:"requests"`  // rescan requests from filesystem notifications
	Coalesced uint64 `json:"coalesced"` // requests absorbed into an already pending rescan
	Modules   int    `json:"modules"`
	Watching  bool   `json:"watching"`
	Inert     bool   `json:"inert"`
}

// Session keeps one directory's modules loaded. Create it with Attach.
type Session struct {
	id          string
	dir         string
	suffix      string
	scanner     *Scanner
	registry    *Registry
	evaluator   Evaluator
	ownsRuntime *lua.Runtime
	observer    Observer
	logger      Logger
	loadTimeout time.Duration
	trigger     *trigger

	passMu    sync.Mutex        // serializes passes
	conflicts map[string]string // name -> ignored files already reported; guarded by passMu
	passes atomic.Uint64
	inert  atomic.Bool
	closed atomic.Bool

	watchMu sync.Mutex
	watch   *watch
}

// Attach starts keeping dir's modules loaded with default options.
func Attach(dir string, observer Observer) (*Session, error) {
	return AttachWithOptions(dir, observer, Options{})
}

// AttachWithOptions deletes orphan shadow artifacts in dir, loads every module found,
// and watches dir for changes. Load failures are reported to observer and do not fail
// the call; a directory that cannot be listed returns a *ScanError.
func AttachWithOptions(dir string, observer Observer, options Options) (*Session, error) {
	abs, err := ResolveDir(dir)
	if err != nil {
		return nil, &ScanError{Dir: dir, Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, &ScanError{Dir: abs, Err: err}
	}
	if !info.IsDir() {
		return nil, &ScanError{Dir: abs, Err: fmt.Errorf("not a directory")}
	}

	suffix := options.Suffix
	if suffix == "" {
		suffix = DefaultSuffix
	}
	debounce := options.Debounce
	if debounce == 0 {
		debounce = DefaultDebounce
	}
	logger := options.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	id := options.ID
	if id == "" {
		id = uuid.NewString()
	}

	s := &Session{
		id:          id,
		dir:         abs,
		suffix:      suffix,
		scanner:     NewScanner(abs, suffix),
		registry:    NewRegistry(),
		conflicts:   make(map[string]string),
		evaluator:   options.Evaluator,
		observer:    observer,
		logger:      logger,
		loadTimeout: options.LoadTimeout,
		trigger:     newTrigger(debounce),
	}
	if s.evaluator == nil {
		s.ownsRuntime = lua.NewRuntime(logger)
		s.evaluator = s.ownsRuntime
	}

	removed, err := CleanShadows(abs, suffix)
	for _, path := range removed {
		s.Log(1, "Session: removed orphan shadow %s", filepath.Base(path))
	}
	var scanErr *ScanError
	if errors.As(err, &scanErr) {
		s.shutdownRuntime()
		return nil, err
	}
	if err != nil {
		s.Log(0, "Session: orphan cleanup in %s: %v", abs, err)
		s.emit(Event{Kind: Error, Name: abs, Err: err})
	}

	w, err := newWatch(abs, s.trigger, s.scanner.IsModule, logger)
	if err != nil {
		s.shutdownRuntime()
		return nil, fmt.Errorf("watch %s: %w", abs, err)
	}

	if err := s.pass(true); err != nil {
		w.stop()
		s.shutdownRuntime()
		return nil, err
	}

	s.watchMu.Lock()
	s.watch = w
	s.watchMu.Unlock()
	w.start(s.watchPass)

	s.Log(1, "Session %s: watching %s for %s modules (%d loaded)", s.id, abs, suffix, s.registry.Len())
	return s, nil
}

// ResolveDir returns the absolute, symlink-free form of dir that a Session reports
// from Dir. A dir that does not exist yet is returned absolute but unresolved.
func ResolveDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return abs, nil
}

// Log logs a message via the configured logger.
func (s *Session) Log(level int, format string, args ...interface{}) {
	s.logger.Log(level, format, args...)
}

// ID returns the session's unique id.
func (s *Session) ID() string {
	return s.id
}

// Dir returns the absolute watched directory.
func (s *Session) Dir() string {
	return s.dir
}

// Suffix returns the module file suffix.
func (s *Session) Suffix() string {
	return s.suffix
}

// Reload runs a rescan pass now and returns when it is complete.
func (s *Session) Reload() error {
	return s.pass(false)
}

// watchPass runs a pass requested by the watcher.
func (s *Session) watchPass() {
	if err := s.pass(false); err != nil && !errors.Is(err, ErrInert) && !errors.Is(err, ErrClosed) {
		s.Log(1, "Session: rescan of %s failed: %v", s.dir, err)
	}
}

// pass scans the directory and loads, reloads and unloads modules to match it.
// After the initial pass a scan failure makes the session inert.
func (s *Session) pass(initial bool) error {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	if s.inert.Load() {
		return ErrInert
	}
	s.passes.Add(1)

	files, err := s.scanner.Scan()
	if err != nil {
		if !initial {
			s.becomeInert(err)
		}
		return err
	}

	s.reportConflicts(files)
	diff := s.registry.Diff(files)
	if diff.Empty() {
		s.Log(3, "Session: no changes in %s", s.dir)
		return nil
	}
	for _, file := range diff.Added {
		s.load(file)
	}
	for _, file := range diff.Changed {
		s.load(file)
	}
	for _, name := range diff.Removed {
		s.unload(name)
	}
	return nil
}

// reportConflicts emits one Error per name conflict, again only when its set of
// ignored files changes.
func (s *Session) reportConflicts(files map[string]File) {
	for name := range s.conflicts {
		if file, ok := files[name]; !ok || len(file.Ignored) == 0 {
			delete(s.conflicts, name)
		}
	}
	for name, file := range files {
		if len(file.Ignored) == 0 {
			continue
		}
		key := strings.Join(file.Ignored, "\x00")
		if s.conflicts[name] == key {
			continue
		}
		s.conflicts[name] = key
		s.Log(0, "Session: %s and %v both map to module %s; using %s", file.FileName, file.Ignored, name, file.FileName)
		rec, _ := s.registry.Get(name)
		s.emitError(name, rec, &NameConflictError{Name: name, Kept: file.FileName, Ignored: file.Ignored})
	}
}

// becomeInert stops change tracking after the directory became unreadable.
// Loaded modules stay loaded.
func (s *Session) becomeInert(err error) {
	s.inert.Store(true)
	s.Log(0, "Session: %v; no longer tracking changes", err)
	s.emit(Event{Kind: Error, Name: s.dir, Err: err})
	if derr := s.Detach(); derr != nil {
		s.Log(1, "Session: closing watch: %v", derr)
	}
}

// Detach stops watching the directory. Loaded modules stay loaded and Reload still
// works. Safe to call more than once and from inside an Observer.
func (s *Session) Detach() error {
	s.watchMu.Lock()
	w := s.watch
	s.watch = nil
	s.watchMu.Unlock()

	if w == nil {
		return nil
	}
	s.Log(1, "Session %s: stopped watching %s", s.id, s.dir)
	return w.stop()
}

// Teardown detaches, unloads every module (one Removed event each) and shuts down the
// Lua runtime if the session created it. Must not be called from inside an Observer.
func (s *Session) Teardown() error {
	err := s.Detach()

	s.passMu.Lock()
	if !s.closed.Swap(true) {
		for _, name := range s.registry.Names() {
			s.unload(name)
		}
	}
	s.passMu.Unlock()

	s.shutdownRuntime()
	return err
}

func (s *Session) shutdownRuntime() {
	if s.ownsRuntime != nil {
		s.ownsRuntime.Shutdown()
	}
}

// Lookup returns the loaded handle for a module.
func (s *Session) Lookup(name string) (Handle, bool) {
	rec, ok := s.registry.Get(name)
	if !ok {
		return nil, false
	}
	return rec.Handle, true
}

// Module returns the snapshot for a loaded module.
func (s *Session) Module(name string) (*ModuleInfo, bool) {
	rec, ok := s.registry.Get(name)
	if !ok {
		return nil, false
	}
	return rec.Info(), true
}

// Modules returns snapshots of all loaded modules, sorted by name.
func (s *Session) Modules() []ModuleInfo {
	return s.registry.Infos()
}

// Stats returns activity counters.
func (s *Session) Stats() Stats {
	s.watchMu.Lock()
	watching := s.watch != nil
	s.watchMu.Unlock()
	return Stats{
		Passes:    s.passes.Load(),
		Requests:  s.trigger.requests.Load(),
		Coalesced: s.trigger.coalesced.Load(),
		Modules:   s.registry.Len(),
		Watching:  watching,
		Inert:     s.inert.Load(),
	}
}
