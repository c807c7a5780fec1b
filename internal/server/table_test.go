package server

import (
	"testing"
)

func TestTableInsertLookupRemove(t *testing.T) {
	var tb table
	c := &Conn{}

	tok := tb.insert(c, sideClient)
	got, sd, ok := tb.lookup(tok)
	if !ok || got != c || sd != sideClient {
		t.Fatalf("lookup = %v %v %v", got, sd, ok)
	}

	tb.remove(tok)
	if _, _, ok := tb.lookup(tok); ok {
		t.Fatal("lookup succeeded after remove")
	}
	if n := len(tb.conns()); n != 0 {
		t.Fatalf("%d live connections", n)
	}
}

func TestTableStaleTokenAfterSlotReuse(t *testing.T) {
	var tb table
	a := &Conn{}
	b := &Conn{}

	tokA := tb.insert(a, sideClient)
	tb.remove(tokA)

	// The slot is reused; the old token must not resolve to the new
	// occupant.
	tokB := tb.insert(b, sideClient)
	if uint32(tokA) != uint32(tokB) {
		t.Fatalf("expected slot reuse, got slots %d and %d", uint32(tokA), uint32(tokB))
	}
	if _, _, ok := tb.lookup(tokA); ok {
		t.Fatal("stale token resolved")
	}
	if got, _, ok := tb.lookup(tokB); !ok || got != b {
		t.Fatalf("fresh token lookup = %v %v", got, ok)
	}
}

func TestTableRemoveStaleTokenKeepsOccupant(t *testing.T) {
	var tb table
	a := &Conn{}
	b := &Conn{}

	tokA := tb.insert(a, sideClient)
	tb.remove(tokA)
	tokB := tb.insert(b, sideClient)

	tb.remove(tokA) // stale; must be a no-op
	if got, _, ok := tb.lookup(tokB); !ok || got != b {
		t.Fatal("stale remove evicted the new occupant")
	}
}

func TestTableConnsListsClientsOnce(t *testing.T) {
	var tb table
	c := &Conn{}

	tb.insert(c, sideClient)
	tb.insert(c, sideUpstream)

	conns := tb.conns()
	if len(conns) != 1 || conns[0] != c {
		t.Fatalf("conns = %v", conns)
	}
}
