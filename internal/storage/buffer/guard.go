package buffer

import "github.com/naivedb/core/internal/storage/disk"

// Guard is the sole sanctioned borrow of a pinned page. It carries the
// page buffer, its id, a local dirty flag, and releases its pin
// exactly once via Release — Go has no destructors, so callers must
// `defer g.Release()` immediately after a successful fetch/new, the
// scoped-release idiom the original's RAII guard expresses with its
// own destructor. Never rely on a finalizer to release a guard.
//
// A Guard is movable but not copyable: pass it by pointer (as returned)
// and do not copy the struct by value after use.
type Guard struct {
	pool     *Pool
	frame    FrameID
	pageID   disk.PageID
	dirty    bool
	released bool
}

func (p *Pool) newGuard(fid FrameID, id disk.PageID) *Guard {
	return &Guard{pool: p, frame: fid, pageID: id}
}

// PageID returns the id of the page this guard borrows.
func (g *Guard) PageID() disk.PageID { return g.pageID }

// Data returns a read-only view of the page buffer. Does not dirty it.
func (g *Guard) Data() []byte {
	g.checkLive()
	return g.pool.frames[g.frame].buf
}

// DataMut returns a mutable view of the page buffer and marks the
// guard dirty; the dirty flag propagates to the frame on Release.
func (g *Guard) DataMut() []byte {
	g.checkLive()
	g.dirty = true
	return g.pool.frames[g.frame].buf
}

// Clear zeroes the page buffer and marks the guard dirty.
func (g *Guard) Clear() {
	buf := g.DataMut()
	for i := range buf {
		buf[i] = 0
	}
}

// Release unpins the frame, propagating the final dirty flag. Calling
// Release more than once is a no-op (guards the common defer-plus-
// early-return pattern from double-unpinning).
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.pool.unpin(g.frame, g.dirty)
}

func (g *Guard) checkLive() {
	if g.released {
		panic("buffer: use of guard after Release")
	}
}
