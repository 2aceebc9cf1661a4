// Package table implements the L3 layer: a slotted table page wrapping
// a buffer page guard, and a table heap chaining such pages into a
// doubly-linked, bidirectionally-iterable relation.
package table

import (
	"encoding/binary"

	"github.com/naivedb/core/internal/storage/buffer"
	"github.com/naivedb/core/internal/storage/disk"
)

// SlotID indexes a slot within a table page. -1 is the sentinel.
type SlotID int32

// InvalidSlotID is the sentinel for "no slot".
const InvalidSlotID SlotID = -1

const (
	headerSize    = 40 // lsn(8) + prev(8) + next(8) + free_space_ptr(4) + slot_count(4) + tuple_count(4) + pad(4)
	slotEntrySize = 8  // offset(4) + size(4)

	offLSN          = 0
	offPrevPageID   = 8
	offNextPageID   = 16
	offFreeSpacePtr = 24
	offSlotCount    = 28
	offTupleCount   = 32
)

// TablePage wraps a pinned buffer guard with slotted-page semantics.
// Every read/write goes through the guard, so the dirty flag and
// eventual unpin are always consistent with the underlying frame.
type TablePage struct {
	g *buffer.Guard
}

// WrapTablePage adapts an already-fetched guard as a table page. The
// caller retains ownership of the guard's lifetime (Release still
// belongs to the caller).
func WrapTablePage(g *buffer.Guard) *TablePage {
	return &TablePage{g: g}
}

// Guard returns the underlying page guard.
func (tp *TablePage) Guard() *buffer.Guard { return tp.g }

// PageID returns this page's id.
func (tp *TablePage) PageID() disk.PageID { return tp.g.PageID() }

// Init zeroes the page and sets up an empty table page whose previous
// link is prevPageID.
func (tp *TablePage) Init(prevPageID disk.PageID) {
	tp.g.Clear()
	tp.setLSN(-1)
	tp.setPrevPageID(prevPageID)
	tp.setNextPageID(disk.InvalidPageID)
	tp.setFreeSpacePointer(disk.PageSize)
	tp.setSlotCount(0)
	tp.setTupleCount(0)
}

func (tp *TablePage) LSN() int64 { return int64(binary.LittleEndian.Uint64(tp.g.Data()[offLSN:])) }
func (tp *TablePage) SetLSN(v int64) {
	binary.LittleEndian.PutUint64(tp.g.DataMut()[offLSN:], uint64(v))
}
func (tp *TablePage) setLSN(v int64) { tp.SetLSN(v) }

func (tp *TablePage) PrevPageID() disk.PageID {
	return disk.PageID(int64(binary.LittleEndian.Uint64(tp.g.Data()[offPrevPageID:])))
}
func (tp *TablePage) setPrevPageID(id disk.PageID) {
	binary.LittleEndian.PutUint64(tp.g.DataMut()[offPrevPageID:], uint64(int64(id)))
}
func (tp *TablePage) SetPrevPageID(id disk.PageID) { tp.setPrevPageID(id) }

func (tp *TablePage) NextPageID() disk.PageID {
	return disk.PageID(int64(binary.LittleEndian.Uint64(tp.g.Data()[offNextPageID:])))
}
func (tp *TablePage) setNextPageID(id disk.PageID) {
	binary.LittleEndian.PutUint64(tp.g.DataMut()[offNextPageID:], uint64(int64(id)))
}
func (tp *TablePage) SetNextPageID(id disk.PageID) { tp.setNextPageID(id) }

func (tp *TablePage) FreeSpacePointer() uint32 {
	return binary.LittleEndian.Uint32(tp.g.Data()[offFreeSpacePtr:])
}
func (tp *TablePage) setFreeSpacePointer(v uint32) {
	binary.LittleEndian.PutUint32(tp.g.DataMut()[offFreeSpacePtr:], v)
}

func (tp *TablePage) SlotCount() uint32 {
	return binary.LittleEndian.Uint32(tp.g.Data()[offSlotCount:])
}
func (tp *TablePage) setSlotCount(v uint32) {
	binary.LittleEndian.PutUint32(tp.g.DataMut()[offSlotCount:], v)
}

func (tp *TablePage) TupleCount() uint32 {
	return binary.LittleEndian.Uint32(tp.g.Data()[offTupleCount:])
}
func (tp *TablePage) setTupleCount(v uint32) {
	binary.LittleEndian.PutUint32(tp.g.DataMut()[offTupleCount:], v)
}

// IsEmpty reports whether the page holds zero live tuples.
func (tp *TablePage) IsEmpty() bool { return tp.TupleCount() == 0 }

func slotEntryOffset(i int) int { return headerSize + i*slotEntrySize }

func (tp *TablePage) slotOffset(i int) uint32 {
	return binary.LittleEndian.Uint32(tp.g.Data()[slotEntryOffset(i):])
}

func (tp *TablePage) slotSize(i int) uint32 {
	return binary.LittleEndian.Uint32(tp.g.Data()[slotEntryOffset(i)+4:])
}

func (tp *TablePage) setSlotEntry(i int, offset, size uint32) {
	b := tp.g.DataMut()
	o := slotEntryOffset(i)
	binary.LittleEndian.PutUint32(b[o:], offset)
	binary.LittleEndian.PutUint32(b[o+4:], size)
}

// FreeSpace returns the number of bytes available for a new tuple plus
// its slot entry.
func (tp *TablePage) FreeSpace() uint32 {
	used := uint32(headerSize) + uint32(slotEntrySize)*tp.SlotCount()
	fsp := tp.FreeSpacePointer()
	if fsp < used {
		return 0
	}
	return fsp - used
}

// InsertTuple appends data as a new tuple. Returns (sentinel, false)
// if there is not enough free space for the tuple plus a slot entry.
func (tp *TablePage) InsertTuple(data []byte) (SlotID, bool) {
	size := uint32(len(data))
	if tp.FreeSpace() < size+slotEntrySize {
		return InvalidSlotID, false
	}

	slotCount := int(tp.SlotCount())
	idx := -1
	for i := 0; i < slotCount; i++ {
		if tp.slotOffset(i) == 0 {
			idx = i
			break
		}
	}
	if idx == -1 {
		idx = slotCount
		tp.setSlotCount(uint32(slotCount + 1))
	}

	newFSP := tp.FreeSpacePointer() - size
	buf := tp.g.DataMut()
	copy(buf[newFSP:newFSP+size], data)
	tp.setSlotEntry(idx, newFSP, size)
	tp.setFreeSpacePointer(newFSP)
	tp.setTupleCount(tp.TupleCount() + 1)
	return SlotID(idx), true
}

// DeleteTuple removes the tuple at slot, compacting the tuple area so
// that free space stays contiguous. Invalid or already-deleted slots
// fail.
func (tp *TablePage) DeleteTuple(slot SlotID) bool {
	i := int(slot)
	if i < 0 || i >= int(tp.SlotCount()) {
		return false
	}
	off := tp.slotOffset(i)
	if off == 0 {
		return false
	}
	size := tp.slotSize(i)
	fsp := tp.FreeSpacePointer()

	buf := tp.g.DataMut()
	copy(buf[fsp+size:off+size], buf[fsp:off])

	for j := 0; j < int(tp.SlotCount()); j++ {
		if j == i {
			continue
		}
		joff := tp.slotOffset(j)
		if joff != 0 && joff < off {
			tp.setSlotEntry(j, joff+size, tp.slotSize(j))
		}
	}

	tp.setSlotEntry(i, 0, 0)
	tp.setFreeSpacePointer(fsp + size)
	tp.setTupleCount(tp.TupleCount() - 1)
	return true
}

// GetTuple copies out the tuple bytes at slot. Tombstoned or
// out-of-range slots return (nil, false).
func (tp *TablePage) GetTuple(slot SlotID) ([]byte, bool) {
	i := int(slot)
	if i < 0 || i >= int(tp.SlotCount()) {
		return nil, false
	}
	off := tp.slotOffset(i)
	if off == 0 {
		return nil, false
	}
	size := tp.slotSize(i)
	out := make([]byte, size)
	copy(out, tp.g.Data()[off:off+size])
	return out, true
}

// UpdateTuple overwrites the tuple at slot in place. Fails if the slot
// is invalid/tombstoned or data is not exactly the existing size.
func (tp *TablePage) UpdateTuple(slot SlotID, data []byte) bool {
	i := int(slot)
	if i < 0 || i >= int(tp.SlotCount()) {
		return false
	}
	off := tp.slotOffset(i)
	if off == 0 {
		return false
	}
	size := tp.slotSize(i)
	if uint32(len(data)) != size {
		return false
	}
	buf := tp.g.DataMut()
	copy(buf[off:off+size], data)
	return true
}

// TupleSize returns the size of the tuple at slot and whether it is live.
func (tp *TablePage) TupleSize(slot SlotID) (uint32, bool) {
	i := int(slot)
	if i < 0 || i >= int(tp.SlotCount()) {
		return 0, false
	}
	off := tp.slotOffset(i)
	if off == 0 {
		return 0, false
	}
	return tp.slotSize(i), true
}

// FirstSlot returns the first live slot, or InvalidSlotID if none.
func (tp *TablePage) FirstSlot() SlotID {
	n := int(tp.SlotCount())
	for i := 0; i < n; i++ {
		if tp.slotOffset(i) != 0 {
			return SlotID(i)
		}
	}
	return InvalidSlotID
}

// NextSlot returns the next live slot strictly after s.
func (tp *TablePage) NextSlot(s SlotID) SlotID {
	n := int(tp.SlotCount())
	for i := int(s) + 1; i < n; i++ {
		if tp.slotOffset(i) != 0 {
			return SlotID(i)
		}
	}
	return InvalidSlotID
}

// LastSlot returns the last live slot, or InvalidSlotID if none.
func (tp *TablePage) LastSlot() SlotID {
	for i := int(tp.SlotCount()) - 1; i >= 0; i-- {
		if tp.slotOffset(i) != 0 {
			return SlotID(i)
		}
	}
	return InvalidSlotID
}

// PrevSlot returns the previous live slot strictly before s.
func (tp *TablePage) PrevSlot(s SlotID) SlotID {
	for i := int(s) - 1; i >= 0; i-- {
		if tp.slotOffset(i) != 0 {
			return SlotID(i)
		}
	}
	return InvalidSlotID
}
