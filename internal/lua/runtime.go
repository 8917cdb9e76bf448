// Package lua runs plugin code in an embedded Lua VM.
//
// A Runtime owns one Lua state. All VM work runs on a single executor goroutine so
// exported plugin functions can be called from any host goroutine. Loading a file is
// memoized by path, the same way require() caches modules: loading a path a second time
// returns the first result without reading the file again. Callers that need to observe
// new content must load it from a new path.
package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// ErrClosed is returned for work submitted after Shutdown.
var ErrClosed = errors.New("lua runtime is shut down")

// workItem represents a unit of work for the executor.
type workItem struct {
	fn     func() (interface{}, error)
	result chan workResult
}

// workResult holds the result of a work item.
type workResult struct {
	value interface{}
	err   error
}

// Logger receives runtime diagnostics.
type Logger interface {
	Log(level int, format string, args ...interface{})
}

// Runtime is a Lua VM shared by every plugin loaded through it.
type Runtime struct {
	state        *lua.LState
	loaded       map[string]*Export // path -> export, the load memo table
	executorChan chan workItem
	done         chan struct{}
	closeOnce    sync.Once
	logger       Logger
}

// Export is the result of executing one plugin file: the value its chunk returned.
type Export struct {
	// Path is the file the export was loaded from.
	Path string
	// Value is the returned value converted to Go (see LuaToGo).
	Value interface{}

	raw     lua.LValue // only touched on the executor
	runtime *Runtime
}

// NewRuntime creates a Lua runtime and starts its executor goroutine.
func NewRuntime(logger Logger) *Runtime {
	L := lua.NewState()

	r := &Runtime{
		state:        L,
		loaded:       make(map[string]*Export),
		executorChan: make(chan workItem, 100),
		done:         make(chan struct{}),
		logger:       logger,
	}

	r.registerHostModule()
	r.startExecutor()
	return r
}

// Log logs a message via the configured logger.
func (r *Runtime) Log(level int, format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.Log(level, format, args...)
	}
}

// registerHostModule exposes a small "host" table to plugins.
func (r *Runtime) registerHostModule() {
	L := r.state
	host := L.NewTable()
	L.SetField(host, "log", L.NewFunction(func(L *lua.LState) int {
		r.Log(1, "plugin: %s", L.CheckString(1))
		return 0
	}))
	L.SetGlobal("host", host)
}

// startExecutor creates the goroutine that processes work items.
func (r *Runtime) startExecutor() {
	go func() {
		for {
			select {
			case <-r.done:
				return
			case work := <-r.executorChan:
				result, err := r.run(work.fn)
				work.result <- workResult{value: result, err: err}
			}
		}
	}()
}

// run executes fn, turning a Go panic raised inside the VM into an error.
func (r *Runtime) run(fn func() (interface{}, error)) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("lua panic: %v", p)
		}
	}()
	return fn()
}

// execute queues a function on the executor and blocks until complete.
func (r *Runtime) execute(fn func() (interface{}, error)) (interface{}, error) {
	result := make(chan workResult, 1)
	select {
	case <-r.done:
		return nil, ErrClosed
	case r.executorChan <- workItem{fn: fn, result: result}:
	}
	select {
	case <-r.done:
		return nil, ErrClosed
	case res := <-result:
		return res.value, res.err
	}
}

// withState runs fn on the executor with direct access to the Lua state.
func (r *Runtime) withState(fn func(L *lua.LState) (interface{}, error)) (interface{}, error) {
	return r.execute(func() (interface{}, error) {
		return fn(r.state)
	})
}

// Load executes the Lua file at path and returns its Export.
// Results are memoized by path: a path that loaded successfully is never read again
// until it is released. A failed load is not memoized.
// ctx bounds execution of the chunk; cancelling it aborts a running plugin.
func (r *Runtime) Load(ctx context.Context, path string) (interface{}, error) {
	return r.execute(func() (interface{}, error) {
		if export, ok := r.loaded[path]; ok {
			return export, nil
		}

		L := r.state
		fn, err := L.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}

		if ctx != nil {
			L.SetContext(ctx)
			defer L.RemoveContext()
		}

		top := L.GetTop()
		L.Push(fn)
		if err := L.PCall(0, 1, nil); err != nil {
			L.SetTop(top)
			return nil, fmt.Errorf("failed to execute %s: %w", path, err)
		}
		ret := L.Get(-1)
		L.SetTop(top)

		export := &Export{
			Path:    path,
			Value:   LuaToGo(ret),
			raw:     ret,
			runtime: r,
		}
		r.loaded[path] = export
		r.Log(3, "LuaRuntime: loaded %s", path)
		return export, nil
	})
}

// Release forgets the memoized result for path.
func (r *Runtime) Release(path string) {
	r.execute(func() (interface{}, error) {
		delete(r.loaded, path)
		return nil, nil
	})
}

// isLoaded reports whether path is in the memo table.
func (r *Runtime) isLoaded(path string) bool {
	loaded, _ := r.execute(func() (interface{}, error) {
		_, ok := r.loaded[path]
		return ok, nil
	})
	b, _ := loaded.(bool)
	return b
}

// loadedCount returns the number of memoized loads.
func (r *Runtime) loadedCount() int {
	count, _ := r.execute(func() (interface{}, error) {
		return len(r.loaded), nil
	})
	n, _ := count.(int)
	return n
}

// Shutdown stops the executor and closes the Lua state.
func (r *Runtime) Shutdown() {
	r.closeOnce.Do(func() {
		// Close the state on the executor so no work item is running against it.
		result := make(chan workResult, 1)
		r.executorChan <- workItem{fn: func() (interface{}, error) {
			r.state.Close()
			return nil, nil
		}, result: result}
		<-result
		close(r.done)
	})
}

// Call invokes an exported function.
// With an empty name the export itself must be a function; otherwise the export must be
// a table holding a function under that name. Arguments are converted with GoToLua.
func (e *Export) Call(ctx context.Context, name string, args ...interface{}) (interface{}, error) {
	if e.runtime == nil {
		return nil, fmt.Errorf("export %s is not bound to a runtime", e.Path)
	}
	r := e.runtime
	return r.execute(func() (interface{}, error) {
		L := r.state

		fnValue := e.raw
		if name != "" {
			tbl, ok := e.raw.(*lua.LTable)
			if !ok {
				return nil, fmt.Errorf("export of %s is %s, not a table", e.Path, e.raw.Type())
			}
			fnValue = L.GetField(tbl, name)
		}
		fn, ok := fnValue.(*lua.LFunction)
		if !ok {
			if name == "" {
				return nil, fmt.Errorf("export of %s is not a function", e.Path)
			}
			return nil, fmt.Errorf("function %s not found in %s", name, e.Path)
		}

		if ctx != nil {
			L.SetContext(ctx)
			defer L.RemoveContext()
		}

		luaArgs := make([]lua.LValue, len(args))
		for i, arg := range args {
			luaArgs[i] = GoToLua(L, arg)
		}

		top := L.GetTop()
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, luaArgs...); err != nil {
			L.SetTop(top)
			return nil, fmt.Errorf("call %s in %s: %w", name, e.Path, err)
		}
		ret := L.Get(-1)
		L.SetTop(top)
		return LuaToGo(ret), nil
	})
}
