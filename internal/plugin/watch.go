package plugin

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// trigger coalesces rescan requests. Requests arriving within the debounce delay of
// each other collapse into one, and at most one rescan is ever pending in C.
type trigger struct {
	C chan struct{}

	mu      sync.Mutex
	delay   time.Duration
	timer   *time.Timer
	gen     uint64 // identifies the armed timer; a firing timer of an older gen is stale
	stopped bool

	requests  atomic.Uint64
	coalesced atomic.Uint64
}

func newTrigger(delay time.Duration) *trigger {
	return &trigger{
		C:     make(chan struct{}, 1),
		delay: delay,
	}
}

// Request asks for a rescan.
func (t *trigger) Request() {
	t.requests.Add(1)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.delay <= 0 {
		t.fireLocked()
		return
	}
	if t.timer != nil {
		// The old timer may already be waiting on mu in fire; the gen check retires it
		t.timer.Stop()
		t.coalesced.Add(1)
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.delay, func() { t.fire(gen) })
}

func (t *trigger) fire(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || t.stopped {
		return
	}
	t.timer = nil
	t.fireLocked()
}

func (t *trigger) fireLocked() {
	select {
	case t.C <- struct{}{}:
	default:
		// a rescan is already pending
		t.coalesced.Add(1)
	}
}

// Stop cancels any pending debounce. Requests after Stop are ignored.
func (t *trigger) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// watch holds the single fsnotify watch on a Session's directory and the goroutines
// that turn its events into passes.
type watch struct {
	dir     string
	watcher *fsnotify.Watcher
	trigger *trigger
	accept  func(fileName string) bool
	logger  Logger

	done     chan struct{}
	stopOnce sync.Once
}

// newWatch subscribes to dir. Events are not consumed until start.
func newWatch(dir string, trig *trigger, accept func(string) bool, logger Logger) (*watch, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	return &watch{
		dir:     dir,
		watcher: watcher,
		trigger: trig,
		accept:  accept,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// start runs the event loop and the owner loop that calls pass for each trigger.
func (w *watch) start(pass func()) {
	go w.eventLoop()
	go w.ownerLoop(pass)
}

// stop releases the fsnotify watch. It does not wait for a running pass, so it is
// safe to call from inside one.
func (w *watch) stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.trigger.Stop()
		err = w.watcher.Close()
	})
	return err
}

// eventLoop processes file system events.
func (w *watch) eventLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Log(0, "Watch: watcher error on %s: %v", w.dir, err)
			// Overflow or similar: the event stream lost detail, so rescan
			w.trigger.Request()
		}
	}
}

// handleEvent turns a relevant event into a rescan request.
func (w *watch) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) == w.dir {
		w.logger.Log(1, "Watch: %s on watched directory %s", event.Op, w.dir)
		w.trigger.Request()
		return
	}
	if !w.accept(filepath.Base(event.Name)) {
		return
	}
	w.logger.Log(3, "Watch: event %s on %s", event.Op, event.Name)
	w.trigger.Request()
}

// ownerLoop runs one pass per pending trigger until stopped.
func (w *watch) ownerLoop(pass func()) {
	for {
		select {
		case <-w.done:
			return
		case <-w.trigger.C:
			select {
			case <-w.done:
				return
			default:
			}
			pass()
		}
	}
}
