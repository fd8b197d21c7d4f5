package event

import "sync"

// Op is the kind of listener operation recorded by a Registry.
type Op int

const (
	OpAdd Op = iota
	OpRemove
)

type replay struct {
	apply  func(Target)
	revert func(Target)
}

// Registry records listener operations issued before the concrete target is known and replays
// them later against whichever target ends up carrying the transfer.
type Registry struct {
	mu      sync.Mutex
	added   []replay
	removed []replay
}

// Record appends a replay closure for op.
func (r *Registry) Record(op Op, t Type, l *Listener, opts ...Option) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch op {
	case OpAdd:
		r.added = append(r.added, replay{
			apply:  func(tg Target) { tg.AddEventListener(t, l, opts...) },
			revert: func(tg Target) { tg.RemoveEventListener(t, l) },
		})
	case OpRemove:
		r.removed = append(r.removed, replay{
			apply: func(tg Target) { tg.RemoveEventListener(t, l) },
		})
	}
}

// Replay applies every recorded add in order, then every recorded remove in order, so an
// add/remove pair recorded before the decision leaves the target without that listener.
func (r *Registry) Replay(target Target) {
	added, removed := r.snapshot()
	for _, b := range added {
		b.apply(target)
	}
	for _, b := range removed {
		b.apply(target)
	}
}

// Revert removes every recorded add from target.
func (r *Registry) Revert(target Target) {
	added, _ := r.snapshot()
	for _, b := range added {
		b.revert(target)
	}
}

func (r *Registry) snapshot() (added, removed []replay) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]replay(nil), r.added...), append([]replay(nil), r.removed...)
}
