package event

import "testing"

func TestRegistry_ReplayAddsThenRemoves(t *testing.T) {
	var r Registry
	var target Dispatcher

	fired := map[string]bool{}
	kept := NewListener(func(*Event) { fired["kept"] = true })
	dropped := NewListener(func(*Event) { fired["dropped"] = true })

	r.Record(OpAdd, LoadEnd, dropped)
	r.Record(OpRemove, LoadEnd, dropped)
	r.Record(OpAdd, LoadEnd, kept)
	r.Record(OpAdd, LoadEnd, dropped)
	r.Record(OpRemove, LoadEnd, dropped)

	r.Replay(&target)
	target.DispatchEvent(New(LoadEnd))

	if !fired["kept"] {
		t.Error("kept listener did not fire")
	}
	if fired["dropped"] {
		t.Error("added-then-removed listener fired")
	}
}

func TestRegistry_ReplayOntoSeveralTargets(t *testing.T) {
	var r Registry
	n := 0
	r.Record(OpAdd, Progress, NewListener(func(*Event) { n++ }))

	var a, b Dispatcher
	r.Replay(&a)
	r.Replay(&b)
	a.DispatchEvent(New(Progress))
	b.DispatchEvent(New(Progress))

	if n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestRegistry_Revert(t *testing.T) {
	var r Registry
	var target Dispatcher
	called := false
	r.Record(OpAdd, Load, NewListener(func(*Event) { called = true }))

	r.Replay(&target)
	r.Revert(&target)
	target.DispatchEvent(New(Load))

	if called {
		t.Error("listener still bound after Revert")
	}
}
