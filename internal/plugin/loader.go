package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Evaluator executes module code. Load must memoize by path or behave as if it did;
// the Session never loads two versions of a module from the same path.
type Evaluator interface {
	Load(ctx context.Context, path string) (Handle, error)
	// Release forgets what was loaded from path. Called when a shadow is deleted.
	Release(path string)
}

// load loads or reloads one module through a fresh shadow copy.
// Must be called with passMu held.
func (s *Session) load(file File) {
	rec, reloading := s.registry.Get(file.Name)

	info, err := os.Stat(file.Path)
	if os.IsNotExist(err) {
		s.Log(2, "Session: %s vanished before loading", file.FileName)
		return
	}
	if err != nil {
		s.loadFailed(file, file.ModTime, rec, err)
		return
	}
	modTime := info.ModTime()
	if reloading && !modTime.After(rec.ModTime) {
		return
	}

	content, err := os.ReadFile(file.Path)
	if err != nil {
		s.loadFailed(file, modTime, rec, err)
		return
	}

	shadow := filepath.Join(s.dir, ShadowName(file.FileName, modTime))
	if err := s.writeShadow(shadow, content); err != nil {
		s.registry.MarkFailed(file.Name, modTime)
		s.Log(1, "Session: error writing shadow for %s: %v", file.FileName, err)
		s.emitError(file.Name, rec, err)
		return
	}

	handle, err := s.evaluate(shadow)
	if err != nil {
		if !reloading || shadow != rec.ShadowPath {
			if derr := s.deleteShadow(shadow); derr != nil {
				s.emitError(file.Name, rec, derr)
			}
		}
		s.loadFailed(file, modTime, rec, err)
		return
	}

	if reloading && rec.ShadowPath != shadow {
		if err := s.deleteShadow(rec.ShadowPath); err != nil {
			s.emitError(file.Name, rec, err)
		}
	}

	next := &Record{
		Name:       file.Name,
		FileName:   file.FileName,
		Path:       file.Path,
		ModTime:    modTime,
		ShadowPath: shadow,
		Handle:     handle,
	}
	s.registry.Put(next)

	kind := Added
	if reloading {
		kind = Changed
	}
	s.Log(2, "Session: %s %s from %s", kind, file.Name, filepath.Base(shadow))
	s.emit(Event{Kind: kind, Name: file.Name, Handle: handle, Module: next.Info()})
}

// loadFailed records a failed attempt and reports it. The previous record, if any,
// stays active.
func (s *Session) loadFailed(file File, modTime time.Time, rec *Record, err error) {
	s.registry.MarkFailed(file.Name, modTime)
	s.Log(1, "Session: error loading %s: %v", file.FileName, err)
	s.emitError(file.Name, rec, &LoadError{Name: file.Name, Path: file.Path, Err: err})
}

// unload removes a module from the registry and deletes its shadow.
// Names that never loaded successfully are forgotten without an event.
func (s *Session) unload(name string) {
	rec, ok := s.registry.Get(name)
	if !ok {
		s.registry.Delete(name)
		return
	}

	s.Log(2, "Session: removed %s", name)
	s.emit(Event{Kind: Removed, Name: name, Module: rec.Info()})
	if err := s.deleteShadow(rec.ShadowPath); err != nil {
		s.emitError(name, rec, err)
	}
	s.registry.Delete(name)
}

// evaluate runs the evaluator, bounded by the load timeout when one is set.
func (s *Session) evaluate(path string) (handle Handle, err error) {
	ctx := context.Background()
	if s.loadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.loadTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while loading: %v", r)
		}
	}()
	return s.evaluator.Load(ctx, path)
}

// writeShadow writes content to a temp file in the watched directory and renames it
// into place, so the evaluator never reads a partial artifact.
func (s *Session) writeShadow(path string, content []byte) error {
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return &ArtifactError{Op: "write", Path: path, Err: err}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &ArtifactError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &ArtifactError{Op: "write", Path: path, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &ArtifactError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// deleteShadow deletes a shadow artifact and releases it from the evaluator.
func (s *Session) deleteShadow(path string) error {
	if path == "" {
		return nil
	}
	s.evaluator.Release(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &ArtifactError{Op: "delete", Path: path, Err: err}
	}
	return nil
}

// emitError reports err for name, attaching the current record when there is one.
func (s *Session) emitError(name string, rec *Record, err error) {
	event := Event{Kind: Error, Name: name, Err: err}
	if rec != nil {
		event.Module = rec.Info()
	}
	s.emit(event)
}

// emit delivers an event to the observer. A panicking observer is logged and does not
// abort the pass.
func (s *Session) emit(event Event) {
	if s.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.Log(0, "Session: PANIC in observer for %s %s: %v", event.Kind, event.Name, r)
		}
	}()
	s.observer.Notify(event)
}
