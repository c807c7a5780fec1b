package server

type side uint8

const (
	sideClient side = iota
	sideUpstream
)

type entry struct {
	gen  uint32
	conn *Conn
	side side
}

// table is a slab of live connections indexed by token. Slots are reused,
// with a per-slot generation bumped on removal so that a stale token from a
// previous occupant fails lookup instead of resolving to the wrong
// connection.
type table struct {
	entries []entry
	free    []uint32
	live    int
}

func (t *table) insert(c *Conn, sd side) Token {
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.entries = append(t.entries, entry{})
		idx = uint32(len(t.entries) - 1)
	}
	e := &t.entries[idx]
	e.conn = c
	e.side = sd
	t.live++
	return Token(uint64(e.gen)<<32 | uint64(idx))
}

func (t *table) lookup(tok Token) (*Conn, side, bool) {
	idx := uint32(tok)
	if int(idx) >= len(t.entries) {
		return nil, 0, false
	}
	e := &t.entries[idx]
	if e.conn == nil || e.gen != uint32(tok>>32) {
		return nil, 0, false
	}
	return e.conn, e.side, true
}

func (t *table) remove(tok Token) {
	idx := uint32(tok)
	if int(idx) >= len(t.entries) {
		return
	}
	e := &t.entries[idx]
	if e.conn == nil || e.gen != uint32(tok>>32) {
		return
	}
	e.conn = nil
	e.gen++
	t.live--
	t.free = append(t.free, idx)
}

// conns returns every live connection exactly once (by its client-side
// entry).
func (t *table) conns() []*Conn {
	out := make([]*Conn, 0, t.live)
	for i := range t.entries {
		e := &t.entries[i]
		if e.conn != nil && e.side == sideClient {
			out = append(out, e.conn)
		}
	}
	return out
}
