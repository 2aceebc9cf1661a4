package table

import (
	"github.com/naivedb/core/internal/storage/buffer"
	"github.com/naivedb/core/internal/storage/disk"
)

// TableHeap is a doubly-linked chain of table pages, identified by its
// immutable root_page_id. The root is never deleted, even when empty;
// every non-root page on the chain always holds at least one live
// tuple (invariant TH1).
type TableHeap struct {
	pool       *buffer.Pool
	rootPageID disk.PageID
}

// New allocates and initializes a fresh root page, returning the heap
// that owns it.
func New(pool *buffer.Pool) (*TableHeap, bool) {
	g, ok := pool.NewPage()
	if !ok {
		return nil, false
	}
	root := WrapTablePage(g)
	root.Init(disk.InvalidPageID)
	id := root.PageID()
	g.Release()
	return &TableHeap{pool: pool, rootPageID: id}, true
}

// Open reopens an existing chain by its root page id.
func Open(pool *buffer.Pool, rootPageID disk.PageID) *TableHeap {
	return &TableHeap{pool: pool, rootPageID: rootPageID}
}

// RootPageID returns the heap's immutable root page id.
func (h *TableHeap) RootPageID() disk.PageID { return h.rootPageID }

// InsertTuple walks the chain until a page accepts data, allocating
// and linking a new tail page if every existing page is full.
func (h *TableHeap) InsertTuple(data []byte) (TupleID, bool) {
	if len(data)+slotEntrySize > disk.PageSize-headerSize {
		return InvalidTupleID, false
	}
	pageID := h.rootPageID
	for {
		g, ok := h.pool.FetchPage(pageID)
		if !ok {
			return InvalidTupleID, false
		}
		tp := WrapTablePage(g)

		if slot, ok := tp.InsertTuple(data); ok {
			id := PackTupleID(pageID, slot)
			g.Release()
			return id, true
		}

		next := tp.NextPageID()
		if next != disk.InvalidPageID {
			g.Release()
			pageID = next
			continue
		}

		newGuard, ok := h.pool.NewPage()
		if !ok {
			g.Release()
			return InvalidTupleID, false
		}
		newPage := WrapTablePage(newGuard)
		newPage.Init(pageID)
		tp.SetNextPageID(newPage.PageID())
		g.Release()

		slot, ok := newPage.InsertTuple(data)
		if !ok {
			newGuard.Release()
			return InvalidTupleID, false
		}
		id := PackTupleID(newPage.PageID(), slot)
		newGuard.Release()
		return id, true
	}
}

// DeleteTuple removes the identified tuple. If its page becomes empty
// and is not the root, the page is spliced out of the chain and freed.
func (h *TableHeap) DeleteTuple(id TupleID) bool {
	pageID, slot := id.Decode()
	g, ok := h.pool.FetchPage(pageID)
	if !ok {
		return false
	}
	tp := WrapTablePage(g)
	if !tp.DeleteTuple(slot) {
		g.Release()
		return false
	}

	if !tp.IsEmpty() || pageID == h.rootPageID {
		g.Release()
		return true
	}

	prev := tp.PrevPageID()
	next := tp.NextPageID()
	g.Release()

	if prev != disk.InvalidPageID {
		if pg, ok := h.pool.FetchPage(prev); ok {
			WrapTablePage(pg).SetNextPageID(next)
			pg.Release()
		}
	}
	if next != disk.InvalidPageID {
		if ng, ok := h.pool.FetchPage(next); ok {
			WrapTablePage(ng).SetPrevPageID(prev)
			ng.Release()
		}
	}
	h.pool.DeletePage(pageID)
	return true
}

// GetTuple decodes id and returns the tuple's bytes, if live.
func (h *TableHeap) GetTuple(id TupleID) ([]byte, bool) {
	pageID, slot := id.Decode()
	g, ok := h.pool.FetchPage(pageID)
	if !ok {
		return nil, false
	}
	defer g.Release()
	return WrapTablePage(g).GetTuple(slot)
}

// UpdateTuple decodes id and overwrites its bytes in place (same size only).
func (h *TableHeap) UpdateTuple(id TupleID, data []byte) bool {
	pageID, slot := id.Decode()
	g, ok := h.pool.FetchPage(pageID)
	if !ok {
		return false
	}
	defer g.Release()
	return WrapTablePage(g).UpdateTuple(slot, data)
}

// Iterator walks live tuples in a heap, forward or backward.
type Iterator struct {
	heap   *TableHeap
	pageID disk.PageID
	slot   SlotID
}

// Valid reports whether the iterator refers to a live tuple.
func (it *Iterator) Valid() bool {
	return it.pageID != disk.InvalidPageID && it.slot != InvalidSlotID
}

// TupleID returns the packed id of the current tuple.
func (it *Iterator) TupleID() TupleID { return PackTupleID(it.pageID, it.slot) }

// Tuple re-fetches and returns the current tuple's bytes.
func (it *Iterator) Tuple() ([]byte, bool) {
	if !it.Valid() {
		return nil, false
	}
	g, ok := it.heap.pool.FetchPage(it.pageID)
	if !ok {
		return nil, false
	}
	defer g.Release()
	return WrapTablePage(g).GetTuple(it.slot)
}

// Begin returns an iterator at the first live tuple reachable from the
// root, skipping an empty root to the next page if necessary.
func (h *TableHeap) Begin() *Iterator {
	pageID := h.rootPageID
	for pageID != disk.InvalidPageID {
		g, ok := h.pool.FetchPage(pageID)
		if !ok {
			return h.End()
		}
		tp := WrapTablePage(g)
		slot := tp.FirstSlot()
		next := tp.NextPageID()
		g.Release()
		if slot != InvalidSlotID {
			return &Iterator{heap: h, pageID: pageID, slot: slot}
		}
		pageID = next
	}
	return h.End()
}

// End returns the forward/backward end sentinel.
func (h *TableHeap) End() *Iterator {
	return &Iterator{heap: h, pageID: disk.InvalidPageID, slot: InvalidSlotID}
}

// Last returns an iterator at the last live tuple in the chain.
func (h *TableHeap) Last() *Iterator {
	tail := h.rootPageID
	for {
		g, ok := h.pool.FetchPage(tail)
		if !ok {
			return h.End()
		}
		tp := WrapTablePage(g)
		next := tp.NextPageID()
		g.Release()
		if next == disk.InvalidPageID {
			break
		}
		tail = next
	}

	pageID := tail
	for pageID != disk.InvalidPageID {
		g, ok := h.pool.FetchPage(pageID)
		if !ok {
			return h.End()
		}
		tp := WrapTablePage(g)
		slot := tp.LastSlot()
		prev := tp.PrevPageID()
		g.Release()
		if slot != InvalidSlotID {
			return &Iterator{heap: h, pageID: pageID, slot: slot}
		}
		if pageID == h.rootPageID {
			break
		}
		pageID = prev
	}
	return h.End()
}

// Next advances the iterator to the next live tuple, within the page
// or across to the next page's first slot; it becomes the end
// sentinel when the chain is exhausted.
func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	g, ok := it.heap.pool.FetchPage(it.pageID)
	if !ok {
		*it = *it.heap.End()
		return
	}
	tp := WrapTablePage(g)
	nextSlot := tp.NextSlot(it.slot)
	nextPage := tp.NextPageID()
	g.Release()

	if nextSlot != InvalidSlotID {
		it.slot = nextSlot
		return
	}

	for pageID := nextPage; pageID != disk.InvalidPageID; {
		g2, ok := it.heap.pool.FetchPage(pageID)
		if !ok {
			break
		}
		tp2 := WrapTablePage(g2)
		slot := tp2.FirstSlot()
		np := tp2.NextPageID()
		g2.Release()
		if slot != InvalidSlotID {
			it.pageID = pageID
			it.slot = slot
			return
		}
		pageID = np
	}
	it.pageID = disk.InvalidPageID
	it.slot = InvalidSlotID
}

// Prev moves the iterator backward, symmetric to Next. From the end
// sentinel it repositions at Last().
func (it *Iterator) Prev() {
	if !it.Valid() {
		*it = *it.heap.Last()
		return
	}
	g, ok := it.heap.pool.FetchPage(it.pageID)
	if !ok {
		*it = *it.heap.End()
		return
	}
	tp := WrapTablePage(g)
	prevSlot := tp.PrevSlot(it.slot)
	prevPage := tp.PrevPageID()
	g.Release()

	if prevSlot != InvalidSlotID {
		it.slot = prevSlot
		return
	}

	pageID := prevPage
	for pageID != disk.InvalidPageID {
		g2, ok := it.heap.pool.FetchPage(pageID)
		if !ok {
			break
		}
		tp2 := WrapTablePage(g2)
		slot := tp2.LastSlot()
		pp := tp2.PrevPageID()
		g2.Release()
		if slot != InvalidSlotID {
			it.pageID = pageID
			it.slot = slot
			return
		}
		if pageID == it.heap.rootPageID {
			break
		}
		pageID = pp
	}
	it.pageID = disk.InvalidPageID
	it.slot = InvalidSlotID
}
