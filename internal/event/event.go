// Package event implements the listener model of an event-driven request object: typed events,
// identity-comparable listeners, dispatch targets and the relocation registry that replays
// listener bindings onto a different target.
package event

import "sync"

// Type names an event.
type Type string

const (
	ReadyStateChange Type = "readystatechange"
	LoadStart        Type = "loadstart"
	Progress         Type = "progress"
	Abort            Type = "abort"
	Error            Type = "error"
	Load             Type = "load"
	Timeout          Type = "timeout"
	LoadEnd          Type = "loadend"
)

// Types lists every event type a request or its upload channel may dispatch.
var Types = []Type{ReadyStateChange, LoadStart, Progress, Abort, Error, Load, Timeout, LoadEnd}

// Event is passed to every listener of one dispatch.
type Event struct {
	Type             Type
	Loaded           int64
	Total            int64
	LengthComputable bool

	stopped bool
}

// New returns a plain event of type t.
func New(t Type) *Event {
	return &Event{Type: t}
}

// NewProgress returns a progress-style event. A negative total marks the length as unknown.
func NewProgress(t Type, loaded, total int64) *Event {
	e := &Event{Type: t, Loaded: loaded}
	if total >= 0 {
		e.Total = total
		e.LengthComputable = true
	}
	return e
}

// StopImmediatePropagation prevents the remaining listeners of this dispatch from running.
func (e *Event) StopImmediatePropagation() { e.stopped = true }

// Stopped reports whether StopImmediatePropagation was called.
func (e *Event) Stopped() bool { return e.stopped }

// Listener wraps a callback so it can be compared by identity for removal.
type Listener struct {
	fn func(*Event)
}

// NewListener returns a listener calling fn.
func NewListener(fn func(*Event)) *Listener {
	return &Listener{fn: fn}
}

// HandleEvent invokes the callback.
func (l *Listener) HandleEvent(e *Event) {
	if l != nil && l.fn != nil {
		l.fn(e)
	}
}

// Option tunes AddEventListener.
type Option func(*options)

type options struct {
	once bool
}

// Once removes the listener after its first invocation.
func Once() Option {
	return func(o *options) { o.once = true }
}

// Target is anything listeners can be attached to.
type Target interface {
	AddEventListener(t Type, l *Listener, opts ...Option)
	RemoveEventListener(t Type, l *Listener)
	// SetHandler assigns the single on<type> handler property; nil clears it.
	SetHandler(t Type, fn func(*Event))
	Handler(t Type) func(*Event)
	DispatchEvent(e *Event)
}

type binding struct {
	listener *Listener
	handler  func(*Event)
	isProp   bool
	once     bool
	removed  bool
}

// Dispatcher is a synchronous Target. The zero value is ready to use.
type Dispatcher struct {
	mu       sync.Mutex
	bindings map[Type][]*binding
	props    map[Type]*binding
}

// AddEventListener appends l to the listeners of t. Adding the same listener twice is a no-op.
func (d *Dispatcher) AddEventListener(t Type, l *Listener, opts ...Option) {
	if l == nil {
		return
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range d.bindings[t] {
		if !b.isProp && b.listener == l {
			return
		}
	}
	if d.bindings == nil {
		d.bindings = make(map[Type][]*binding)
	}
	d.bindings[t] = append(d.bindings[t], &binding{listener: l, once: o.once})
}

// RemoveEventListener detaches l from t. Unknown listeners are ignored.
func (d *Dispatcher) RemoveEventListener(t Type, l *Listener) {
	if l == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range d.bindings[t] {
		if !b.isProp && b.listener == l {
			d.removeLocked(t, b)
			return
		}
	}
}

// SetHandler assigns the on<t> property. Like the DOM, the handler keeps the position it got
// when first assigned.
func (d *Dispatcher) SetHandler(t Type, fn func(*Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b := d.props[t]
	if fn == nil {
		if b != nil {
			d.removeLocked(t, b)
			delete(d.props, t)
		}
		return
	}
	if b != nil {
		b.handler = fn
		return
	}
	b = &binding{handler: fn, isProp: true}
	if d.props == nil {
		d.props = make(map[Type]*binding)
	}
	if d.bindings == nil {
		d.bindings = make(map[Type][]*binding)
	}
	d.props[t] = b
	d.bindings[t] = append(d.bindings[t], b)
}

// Handler returns the on<t> property, or nil.
func (d *Dispatcher) Handler(t Type) func(*Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b := d.props[t]; b != nil {
		return b.handler
	}
	return nil
}

// Len returns the number of listeners and handler properties bound to t.
func (d *Dispatcher) Len(t Type) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.bindings[t])
}

// DispatchEvent runs the listeners of e.Type in order on the calling goroutine. Listeners added
// during dispatch do not run for this event; listeners removed during dispatch do not run.
func (d *Dispatcher) DispatchEvent(e *Event) {
	d.mu.Lock()
	snapshot := append([]*binding(nil), d.bindings[e.Type]...)
	d.mu.Unlock()

	for _, b := range snapshot {
		d.mu.Lock()
		if b.removed {
			d.mu.Unlock()
			continue
		}
		if b.once {
			d.removeLocked(e.Type, b)
		}
		l, fn := b.listener, b.handler
		d.mu.Unlock()

		if fn != nil {
			fn(e)
		} else {
			l.HandleEvent(e)
		}
		if e.stopped {
			return
		}
	}
}

func (d *Dispatcher) removeLocked(t Type, target *binding) {
	target.removed = true
	list := d.bindings[t]
	for i, b := range list {
		if b == target {
			d.bindings[t] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// MoveHandlers relocates every on<type> property from src to dst and clears it on src.
func MoveHandlers(dst, src Target) {
	for _, t := range Types {
		if fn := src.Handler(t); fn != nil {
			dst.SetHandler(t, fn)
			src.SetHandler(t, nil)
		}
	}
}
