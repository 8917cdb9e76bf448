package plugin

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/zot/hotplug/internal/lua"
)

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) count(kind EventKind, name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind && e.Name == name {
			n++
		}
	}
	return n
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) last(kind EventKind, name string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind && r.events[i].Name == name {
			return r.events[i], true
		}
	}
	return Event{}, false
}

// waitFor polls until at least n events of kind for name arrived.
func (r *recorder) waitFor(kind EventKind, name string, n int) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if r.count(kind, name) >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// baseTime is an mtime safely in the past so tests control every timestamp.
var baseTime = time.Now().Add(-time.Hour).Truncate(time.Second)

func writeModule(t *testing.T, dir, fileName, code string, tick int) string {
	t.Helper()
	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, []byte(code), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", fileName, err)
	}
	setMtime(t, path, tick)
	return path
}

func setMtime(t *testing.T, path string, tick int) {
	t.Helper()
	mtime := baseTime.Add(time.Duration(tick) * time.Second)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("Failed to set mtime on %s: %v", path, err)
	}
}

func exportValue(t *testing.T, handle Handle) interface{} {
	t.Helper()
	export, ok := handle.(*lua.Export)
	if !ok {
		t.Fatalf("handle is %T, want *lua.Export", handle)
	}
	return export.Value
}

func shadowsIn(t *testing.T, dir string) []string {
	t.Helper()
	shadows, err := NewScanner(dir, DefaultSuffix).Shadows()
	if err != nil {
		t.Fatalf("Shadows failed: %v", err)
	}
	return shadows
}

// attachQuiet attaches with a debounce long enough that only explicit Reload calls run
// passes during the test.
func attachQuiet(t *testing.T, dir string, observer Observer) *Session {
	t.Helper()
	s, err := AttachWithOptions(dir, observer, Options{Debounce: time.Hour})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	t.Cleanup(func() { s.Teardown() })
	return s
}

func TestScenarioAddChangeRemove(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "a.lua", "return 1", 0)

	var mu sync.Mutex
	var added, changed []interface{}
	var removed []string
	cb := Callbacks{
		OnAdd: func(h Handle, name string) {
			mu.Lock()
			defer mu.Unlock()
			if name == "a" {
				added = append(added, exportValue(t, h))
			}
		},
		OnChange: func(h Handle, name string) {
			mu.Lock()
			defer mu.Unlock()
			if name == "a" {
				changed = append(changed, exportValue(t, h))
			}
		},
		OnRemove: func(name string) {
			mu.Lock()
			defer mu.Unlock()
			removed = append(removed, name)
		},
		OnError: func(name string, err error) {
			t.Errorf("unexpected error for %s: %v", name, err)
		},
	}

	s := attachQuiet(t, dir, cb)

	mu.Lock()
	if len(added) != 1 || added[0] != float64(1) {
		t.Errorf("onAdd values = %v, want [1]", added)
	}
	mu.Unlock()

	writeModule(t, dir, "a.lua", "return 2", 1)
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	mu.Lock()
	if len(changed) != 1 || changed[0] != float64(2) {
		t.Errorf("onChange values = %v, want [2]", changed)
	}
	mu.Unlock()
	if shadows := shadowsIn(t, s.Dir()); len(shadows) != 1 {
		t.Errorf("shadows = %v, want exactly one", shadows)
	}

	if err := os.Remove(filepath.Join(dir, "a.lua")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	mu.Lock()
	if len(removed) != 1 || removed[0] != "a" {
		t.Errorf("onRemove = %v, want [a]", removed)
	}
	mu.Unlock()
	if n := len(s.Modules()); n != 0 {
		t.Errorf("loaded modules = %d, want 0", n)
	}
	if shadows := shadowsIn(t, s.Dir()); len(shadows) != 0 {
		t.Errorf("shadows = %v, want none", shadows)
	}
}

func TestSyntaxErrorReportedOnce(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "b.lua", "return {", 0)

	rec := &recorder{}
	s := attachQuiet(t, dir, rec)

	if rec.count(Added, "b") != 0 {
		t.Error("onAdd should not be called for a module with a syntax error")
	}
	if rec.count(Error, "b") != 1 {
		t.Fatalf("onError count = %d, want 1", rec.count(Error, "b"))
	}
	event, _ := rec.last(Error, "b")
	var loadErr *LoadError
	if !errors.As(event.Err, &loadErr) {
		t.Errorf("error is %T, want *LoadError", event.Err)
	}
	if _, ok := s.Lookup("b"); ok {
		t.Error("no registry entry should exist for b")
	}
	if shadows := shadowsIn(t, s.Dir()); len(shadows) != 0 {
		t.Errorf("failed load left shadows %v", shadows)
	}

	// Not retried until the file changes
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if rec.count(Error, "b") != 1 {
		t.Errorf("onError count after idle reload = %d, want 1", rec.count(Error, "b"))
	}

	writeModule(t, dir, "b.lua", "return 'fixed'", 1)
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	event, ok := rec.last(Added, "b")
	if !ok {
		t.Fatal("fixed module was not added")
	}
	if v := exportValue(t, event.Handle); v != "fixed" {
		t.Errorf("value = %v, want fixed", v)
	}
}

func TestReloadIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "a.lua", "return 1", 0)
	writeModule(t, dir, "b.lua", "return 2", 0)
	writeModule(t, dir, "bad.lua", "this is not lua", 0)

	rec := &recorder{}
	s := attachQuiet(t, dir, rec)
	before := rec.total()

	for i := 0; i < 2; i++ {
		if err := s.Reload(); err != nil {
			t.Fatalf("Reload failed: %v", err)
		}
	}
	if after := rec.total(); after != before {
		t.Errorf("idle reloads produced %d extra events", after-before)
	}
}

func TestChangeRequiresStrictlyNewerMtime(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "a.lua", "return 1", 5)

	rec := &recorder{}
	s := attachQuiet(t, dir, rec)

	// Same mtime, new content: invisible
	writeModule(t, dir, "a.lua", "return 2", 5)
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	// Older mtime: invisible
	writeModule(t, dir, "a.lua", "return 3", 4)
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if n := rec.count(Changed, "a"); n != 0 {
		t.Errorf("onChange count = %d, want 0", n)
	}
	handle, _ := s.Lookup("a")
	if v := exportValue(t, handle); v != float64(1) {
		t.Errorf("value = %v, want 1", v)
	}

	setMtime(t, filepath.Join(dir, "a.lua"), 6)
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if n := rec.count(Changed, "a"); n != 1 {
		t.Errorf("onChange count = %d, want 1", n)
	}
	handle, _ = s.Lookup("a")
	if v := exportValue(t, handle); v != float64(3) {
		t.Errorf("value = %v, want 3", v)
	}
}

func TestShadowHygiene(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "a.lua", "return 0", 0)

	rec := &recorder{}
	s := attachQuiet(t, dir, rec)

	const changes = 5
	for k := 1; k <= changes; k++ {
		writeModule(t, dir, "a.lua", fmt.Sprintf("return %d", k), k)
		if err := s.Reload(); err != nil {
			t.Fatalf("Reload %d failed: %v", k, err)
		}
	}

	shadows := shadowsIn(t, s.Dir())
	if len(shadows) != 1 {
		t.Fatalf("shadows = %v, want exactly one", shadows)
	}
	info, _ := s.Module("a")
	if shadows[0] != info.ShadowPath {
		t.Errorf("shadow on disk %s is not the active %s", shadows[0], info.ShadowPath)
	}
	want := filepath.Join(s.Dir(), ShadowName("a.lua", baseTime.Add(changes*time.Second)))
	if info.ShadowPath != want {
		t.Errorf("ShadowPath = %s, want %s", info.ShadowPath, want)
	}
	if n := rec.count(Changed, "a"); n != changes {
		t.Errorf("onChange count = %d, want %d", n, changes)
	}
	handle, _ := s.Lookup("a")
	if v := exportValue(t, handle); v != float64(changes) {
		t.Errorf("value = %v, want %d", v, changes)
	}
}

func TestOrphanShadowsPurgedOnAttach(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "a.lua", "return 1", 0)
	orphans := []string{".a.lua_1700000000000000000", ".gone.lua_42", ".a.lua_17.tmp12345"}
	for _, name := range orphans {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("return 'stale'"), 0644); err != nil {
			t.Fatalf("write orphan: %v", err)
		}
	}
	userFile := filepath.Join(dir, ".notes_1")
	if err := os.WriteFile(userFile, []byte("keep"), 0644); err != nil {
		t.Fatalf("write user file: %v", err)
	}

	s := attachQuiet(t, dir, &recorder{})

	for _, name := range orphans {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("orphan %s still present", name)
		}
	}
	if _, err := os.Stat(userFile); err != nil {
		t.Errorf("non-shadow hidden file was removed: %v", err)
	}
	if shadows := shadowsIn(t, s.Dir()); len(shadows) != 1 {
		t.Errorf("shadows = %v, want only the live one", shadows)
	}
	if _, ok := s.Lookup("gone"); ok {
		t.Error("orphan shadow must not be loaded as a module")
	}
}

func TestFailedReloadKeepsPreviousHandle(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "a.lua", "return 1", 0)

	rec := &recorder{}
	s := attachQuiet(t, dir, rec)
	before, _ := s.Module("a")

	writeModule(t, dir, "a.lua", "return (", 1)
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if rec.count(Error, "a") != 1 {
		t.Fatalf("onError count = %d, want 1", rec.count(Error, "a"))
	}
	if rec.count(Changed, "a") != 0 {
		t.Error("failed reload must not fire onChange")
	}
	handle, ok := s.Lookup("a")
	if !ok || exportValue(t, handle) != float64(1) {
		t.Errorf("previous handle not kept: %v", handle)
	}
	after, _ := s.Module("a")
	if after.ShadowPath != before.ShadowPath || !after.ModTime.Equal(before.ModTime) {
		t.Errorf("record changed after failed reload: %+v -> %+v", before, after)
	}
	if shadows := shadowsIn(t, s.Dir()); len(shadows) != 1 || shadows[0] != before.ShadowPath {
		t.Errorf("shadows = %v, want only %s", shadows, before.ShadowPath)
	}

	writeModule(t, dir, "a.lua", "return 3", 2)
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	event, ok := rec.last(Changed, "a")
	if !ok || exportValue(t, event.Handle) != float64(3) {
		t.Errorf("fixed module not reloaded: %+v", event)
	}
}

func TestRenameIsRemoveAndAdd(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "a.lua", "return 'x'", 0)

	rec := &recorder{}
	s := attachQuiet(t, dir, rec)

	if err := os.Rename(filepath.Join(dir, "a.lua"), filepath.Join(dir, "b.lua")); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if rec.count(Removed, "a") != 1 || rec.count(Added, "b") != 1 {
		t.Errorf("events = %+v", rec.events)
	}
	if shadows := shadowsIn(t, s.Dir()); len(shadows) != 1 {
		t.Errorf("shadows = %v, want one", shadows)
	}
}

func TestLoadTimeout(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "spin.lua", "while true do end", 0)
	writeModule(t, dir, "ok.lua", "return 'ok'", 0)

	rec := &recorder{}
	s, err := AttachWithOptions(dir, rec, Options{Debounce: time.Hour, LoadTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer s.Teardown()

	if rec.count(Error, "spin") != 1 {
		t.Errorf("onError count for spin = %d, want 1", rec.count(Error, "spin"))
	}
	if rec.count(Added, "ok") != 1 {
		t.Error("sibling module should still load")
	}
}

func TestObserverPanicDoesNotAbortPass(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "a.lua", "return 1", 0)
	writeModule(t, dir, "b.lua", "return 2", 0)

	rec := &recorder{}
	panicky := ObserverFunc(func(e Event) {
		if e.Name == "a" {
			panic("observer bug")
		}
	})
	s := attachQuiet(t, dir, Observers{panicky, rec})

	if len(s.Modules()) != 2 {
		t.Errorf("modules = %v, want a and b", s.Modules())
	}
	if rec.count(Added, "b") != 1 {
		t.Error("b should be added despite the panic on a")
	}
}

func TestAttachMissingDirectory(t *testing.T) {
	_, err := Attach(filepath.Join(t.TempDir(), "missing"), &recorder{})
	var scanErr *ScanError
	if !errors.As(err, &scanErr) {
		t.Fatalf("err = %v, want *ScanError", err)
	}
}

func TestAttachFileIsNotDirectory(t *testing.T) {
	path := writeModule(t, t.TempDir(), "a.lua", "return 1", 0)
	_, err := Attach(path, &recorder{})
	var scanErr *ScanError
	if !errors.As(err, &scanErr) {
		t.Fatalf("err = %v, want *ScanError", err)
	}
}

func TestTeardownUnloadsEverything(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "a.lua", "return 1", 0)
	writeModule(t, dir, "b.lua", "return 2", 0)

	rec := &recorder{}
	s, err := AttachWithOptions(dir, rec, Options{Debounce: time.Hour})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := s.Teardown(); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}

	if rec.count(Removed, "a") != 1 || rec.count(Removed, "b") != 1 {
		t.Errorf("expected one onRemove per module, got %+v", rec.events)
	}
	if shadows := shadowsIn(t, s.Dir()); len(shadows) != 0 {
		t.Errorf("shadows after teardown = %v", shadows)
	}
	if err := s.Reload(); !errors.Is(err, ErrClosed) {
		t.Errorf("Reload after Teardown = %v, want ErrClosed", err)
	}
	if err := s.Teardown(); err != nil {
		t.Errorf("second Teardown = %v", err)
	}
}

// Random add/modify/remove sequences always converge to the files on disk.
func TestRegistryMatchesDirectory(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	s := attachQuiet(t, dir, rec)

	rng := rand.New(rand.NewSource(7))
	names := []string{"alpha", "beta", "gamma", "delta"}
	present := map[string]bool{}
	tick := 0

	for step := 0; step < 60; step++ {
		name := names[rng.Intn(len(names))]
		path := filepath.Join(dir, name+".lua")
		tick++
		switch op := rng.Intn(3); {
		case op == 0 || !present[name]:
			writeModule(t, dir, name+".lua", fmt.Sprintf("return %d", tick), tick)
			present[name] = true
		case op == 1:
			writeModule(t, dir, name+".lua", fmt.Sprintf("return %d", tick), tick)
		default:
			if err := os.Remove(path); err != nil {
				t.Fatalf("remove: %v", err)
			}
			present[name] = false
		}

		if rng.Intn(3) == 0 || step == 59 {
			if err := s.Reload(); err != nil {
				t.Fatalf("Reload failed: %v", err)
			}

			var want []string
			for n, ok := range present {
				if ok {
					want = append(want, n)
				}
			}
			sort.Strings(want)
			got := s.registry.Names()
			if fmt.Sprint(got) != fmt.Sprint(want) {
				t.Fatalf("step %d: loaded %v, want %v", step, got, want)
			}
			if shadows := shadowsIn(t, s.Dir()); len(shadows) != len(want) {
				t.Fatalf("step %d: %d shadows for %d modules", step, len(shadows), len(want))
			}
		}
	}
}

// === Watch-driven behavior ===

func TestWatchLoadsChangesAndRemovals(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	s, err := AttachWithOptions(dir, rec, Options{Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer s.Teardown()

	writeModule(t, dir, "w.lua", "return 'one'", 0)
	if !rec.waitFor(Added, "w", 1) {
		t.Fatal("new file was not loaded by the watcher")
	}

	writeModule(t, dir, "w.lua", "return 'two'", 1)
	if !rec.waitFor(Changed, "w", 1) {
		t.Fatal("modified file was not reloaded by the watcher")
	}
	event, _ := rec.last(Changed, "w")
	if v := exportValue(t, event.Handle); v != "two" {
		t.Errorf("value = %v, want two", v)
	}

	if err := os.Remove(filepath.Join(dir, "w.lua")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !rec.waitFor(Removed, "w", 1) {
		t.Fatal("deleted file was not unloaded by the watcher")
	}
}

func TestWatchIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	s, err := AttachWithOptions(dir, rec, Options{Debounce: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer s.Teardown()
	passes := s.Stats().Passes

	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, "data.json"), []byte("{}"), 0644)
	time.Sleep(150 * time.Millisecond)

	if got := s.Stats().Passes; got != passes {
		t.Errorf("non-module files triggered %d passes", got-passes)
	}
	if rec.total() != 0 {
		t.Errorf("unexpected events %+v", rec.events)
	}
}

func TestEventCoalescing(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "a.lua", "return 1", 0)

	rec := &recorder{}
	s, err := AttachWithOptions(dir, rec, Options{Debounce: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer s.Teardown()

	writeModule(t, dir, "a.lua", "return 2", 1)
	for i := 0; i < 50; i++ {
		s.trigger.Request()
	}

	if !rec.waitFor(Changed, "a", 1) {
		t.Fatal("change was not picked up")
	}
	time.Sleep(150 * time.Millisecond)
	if n := rec.count(Changed, "a"); n != 1 {
		t.Errorf("onChange count = %d, want 1", n)
	}
	if c := s.Stats().Coalesced; c < 49 {
		t.Errorf("Coalesced = %d, want at least 49", c)
	}
}

func TestDetachStopsWatching(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	s, err := AttachWithOptions(dir, rec, Options{Debounce: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer s.Teardown()

	if err := s.Detach(); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	if s.Stats().Watching {
		t.Error("Stats.Watching should be false after Detach")
	}

	writeModule(t, dir, "late.lua", "return 1", 0)
	time.Sleep(150 * time.Millisecond)
	if rec.count(Added, "late") != 0 {
		t.Error("detached session should not react to changes")
	}

	// Explicit reloads still work
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if rec.count(Added, "late") != 1 {
		t.Error("Reload after Detach should load the new module")
	}
}

func TestDirectoryRemovedMakesSessionInert(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "plugins")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeModule(t, dir, "a.lua", "return 1", 0)

	rec := &recorder{}
	s, err := AttachWithOptions(dir, rec, Options{Debounce: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer s.Teardown()

	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if !rec.waitFor(Error, s.Dir(), 1) {
		t.Fatal("directory removal was not reported")
	}
	event, _ := rec.last(Error, s.Dir())
	var scanErr *ScanError
	if !errors.As(event.Err, &scanErr) {
		t.Errorf("error is %T, want *ScanError", event.Err)
	}
	if !s.Stats().Inert {
		t.Error("session should be inert")
	}
	if err := s.Reload(); !errors.Is(err, ErrInert) {
		t.Errorf("Reload on inert session = %v, want ErrInert", err)
	}
}

func TestShadowWriteFailureReportedOnce(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "a.lua", "return 1", 0)
	// A directory squatting on the shadow name makes the rename fail
	if err := os.Mkdir(filepath.Join(dir, ShadowName("a.lua", baseTime)), 0755); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	s := attachQuiet(t, dir, rec)

	if rec.count(Error, "a") != 1 {
		t.Fatalf("onError count = %d, want 1", rec.count(Error, "a"))
	}
	event, _ := rec.last(Error, "a")
	var artifactErr *ArtifactError
	if !errors.As(event.Err, &artifactErr) || artifactErr.Op != "write" {
		t.Errorf("error = %v, want write *ArtifactError", event.Err)
	}

	for i := 0; i < 3; i++ {
		if err := s.Reload(); err != nil {
			t.Fatalf("Reload failed: %v", err)
		}
	}
	if rec.count(Error, "a") != 1 {
		t.Errorf("onError count after idle reloads = %d, want 1", rec.count(Error, "a"))
	}

	setMtime(t, filepath.Join(dir, "a.lua"), 1)
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if rec.count(Added, "a") != 1 {
		t.Error("a should load once its mtime moves past the squatted shadow name")
	}
}

func TestSuffixCaseConflictReported(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "a.lua", "return 'lower'", 0)
	writeModule(t, dir, "a.LUA", "return 'upper'", 0)
	if entries, _ := os.ReadDir(dir); len(entries) != 2 {
		t.Skip("case-insensitive filesystem")
	}

	rec := &recorder{}
	s := attachQuiet(t, dir, rec)

	// a.LUA sorts before a.lua
	event, ok := rec.last(Added, "a")
	if !ok || exportValue(t, event.Handle) != "upper" {
		t.Fatalf("Added a = %+v, want the a.LUA export", event)
	}
	if rec.count(Error, "a") != 1 {
		t.Fatalf("onError count = %d, want 1", rec.count(Error, "a"))
	}
	event, _ = rec.last(Error, "a")
	var conflict *NameConflictError
	if !errors.As(event.Err, &conflict) || conflict.Kept != "a.LUA" || len(conflict.Ignored) != 1 || conflict.Ignored[0] != "a.lua" {
		t.Errorf("error = %#v, want conflict keeping a.LUA", event.Err)
	}

	if err := s.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if rec.count(Error, "a") != 1 {
		t.Errorf("conflict reported again on an idle reload")
	}

	// Resolving and recreating the conflict reports it again
	os.Remove(filepath.Join(dir, "a.lua"))
	s.Reload()
	writeModule(t, dir, "a.lua", "return 'lower'", 0)
	s.Reload()
	if rec.count(Error, "a") != 2 {
		t.Errorf("onError count = %d, want 2 after the conflict returned", rec.count(Error, "a"))
	}
}

func TestSelfReferencingModuleLoads(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "c.lua", "local M = { name = 'c' } M.self = M return M", 0)

	rec := &recorder{}
	s := attachQuiet(t, dir, rec)

	if rec.count(Added, "c") != 1 {
		t.Fatalf("onAdd count = %d, want 1", rec.count(Added, "c"))
	}
	handle, _ := s.Lookup("c")
	value, ok := exportValue(t, handle).(map[string]interface{})
	if !ok || value["name"] != "c" {
		t.Errorf("export = %#v", exportValue(t, handle))
	}
}

func TestObserversDeliverPastPanic(t *testing.T) {
	rec := &recorder{}
	panicky := ObserverFunc(func(Event) { panic("observer bug") })

	defer func() {
		if p := recover(); p != "observer bug" {
			t.Errorf("recovered %v, want the observer's panic", p)
		}
		if rec.count(Removed, "a") != 1 {
			t.Error("observer after the panicking one missed the event")
		}
	}()
	Observers{panicky, nil, rec}.Notify(Event{Kind: Removed, Name: "a"})
	t.Error("Notify should re-raise the panic")
}
