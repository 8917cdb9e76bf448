package plugin

// EventKind identifies what happened to a module during a pass.
type EventKind int

const (
	Added EventKind = iota
	Changed
	Removed
	Error
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered to an Observer once per affected module per pass.
type Event struct {
	Kind EventKind
	Name string
	// Handle is the loaded value for Added and Changed.
	Handle Handle
	// Module describes the record the event applies to. Nil for Error events that
	// happened before any record existed and for directory-level errors.
	Module *ModuleInfo
	// Err is set for Error events.
	Err error
}

// Observer receives events synchronously from the pass that produced them.
type Observer interface {
	Notify(event Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(event Event) {
	f(event)
}

// Observers fans each event out to every non-nil observer in order. A panicking
// observer does not keep the event from the ones after it; the first panic is raised
// again once every observer has been called.
type Observers []Observer

func (o Observers) Notify(event Event) {
	var first interface{}
	for _, observer := range o {
		if observer == nil {
			continue
		}
		if p := notifyOne(observer, event); p != nil && first == nil {
			first = p
		}
	}
	if first != nil {
		panic(first)
	}
}

func notifyOne(observer Observer, event Event) (recovered interface{}) {
	defer func() {
		recovered = recover()
	}()
	observer.Notify(event)
	return nil
}

// Callbacks adapts the four-callback contract to Observer. Nil callbacks are skipped.
type Callbacks struct {
	OnAdd    func(handle Handle, name string)
	OnChange func(handle Handle, name string)
	OnRemove func(name string)
	OnError  func(name string, err error)
}

func (c Callbacks) Notify(event Event) {
	switch event.Kind {
	case Added:
		if c.OnAdd != nil {
			c.OnAdd(event.Handle, event.Name)
		}
	case Changed:
		if c.OnChange != nil {
			c.OnChange(event.Handle, event.Name)
		}
	case Removed:
		if c.OnRemove != nil {
			c.OnRemove(event.Name)
		}
	case Error:
		if c.OnError != nil {
			c.OnError(event.Name, event.Err)
		}
	}
}
