package storage

import (
	"time"

	"github.com/zot/hotplug/internal/plugin"
)

// Recorder is a plugin.Observer that keeps a Backend in step with a Session's
// loaded modules.
type Recorder struct {
	backend   Backend
	dir       string
	sessionID string
	logger    plugin.Logger
	now       func() time.Time
}

// NewRecorder creates a recorder for modules of dir, tagging rows with sessionID.
// dir should be the resolved form returned by plugin.ResolveDir. Call Reset before
// attaching so rows left by an earlier process are dropped.
func NewRecorder(backend Backend, dir, sessionID string, logger plugin.Logger) *Recorder {
	return &Recorder{
		backend:   backend,
		dir:       dir,
		sessionID: sessionID,
		logger:    logger,
		now:       time.Now,
	}
}

// Reset clears stored state for the recorder's directory.
func (r *Recorder) Reset() error {
	return r.backend.Clear(r.dir)
}

// Notify implements plugin.Observer.
func (r *Recorder) Notify(event plugin.Event) {
	var err error
	switch event.Kind {
	case plugin.Added, plugin.Changed:
		if event.Module == nil {
			return
		}
		err = r.backend.Store(&ModuleState{
			Dir:        r.dir,
			Name:       event.Name,
			FileName:   event.Module.FileName,
			Path:       event.Module.Path,
			ShadowPath: event.Module.ShadowPath,
			ModTime:    event.Module.ModTime,
			SessionID:  r.sessionID,
			LoadedAt:   r.now(),
		})
	case plugin.Removed:
		err = r.backend.Delete(r.dir, event.Name)
	}
	if err != nil && r.logger != nil {
		r.logger.Log(0, "Storage: recording %s of %s: %v", event.Kind, event.Name, err)
	}
}
