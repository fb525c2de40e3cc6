package emitter

import "testing"

func TestOnIsIdempotent(t *testing.T) {
	var em Emitter[string]
	calls := 0
	fn := func(string) { calls++ }

	if !em.On("chat", "h1", fn) {
		t.Fatalf("expected first registration to be added")
	}
	if em.On("chat", "h1", fn) {
		t.Fatalf("expected duplicate registration to be ignored")
	}
	if em.Len() != 1 {
		t.Fatalf("expected 1 listener, got %d", em.Len())
	}
	em.Emit("chat", "x")
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
}

func TestEmitOrderAndFiltering(t *testing.T) {
	var em Emitter[int]
	var order []string
	em.On("a", "first", func(int) { order = append(order, "first") })
	em.On("b", "other", func(int) { order = append(order, "other") })
	em.On("a", "second", func(int) { order = append(order, "second") })

	if n := em.Emit("a", 1); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestOffAndClear(t *testing.T) {
	var em Emitter[int]
	em.On("a", "x", func(int) {})
	em.On("a", "y", func(int) {})
	if !em.Off("a", "x") {
		t.Fatalf("expected removal")
	}
	if em.Off("a", "x") {
		t.Fatalf("expected second removal to report false")
	}
	if keys := em.Keys(); len(keys) != 1 || keys[0].ID != "y" {
		t.Fatalf("unexpected keys %v", keys)
	}
	em.Clear()
	if em.Len() != 0 {
		t.Fatalf("expected empty emitter")
	}
}

func TestListenerMayUnregisterDuringEmit(t *testing.T) {
	var em Emitter[int]
	em.On("a", "self", func(int) { em.Off("a", "self") })
	em.Emit("a", 0)
	if em.Len() != 0 {
		t.Fatalf("expected listener removed")
	}
}
