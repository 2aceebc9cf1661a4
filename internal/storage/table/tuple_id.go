package table

import "github.com/naivedb/core/internal/storage/disk"

// TupleID packs a (page_id, slot_id) pair into a single identifier.
// slot_id occupies the low 16 bits; a persisted tuple's slot must
// therefore fit in 16 bits (spec.md §3.1).
type TupleID int64

// InvalidTupleID is the sentinel for "no tuple".
const InvalidTupleID TupleID = -1

const (
	tupleIDShift = 16
	tupleIDMask  = (1 << tupleIDShift) - 1
)

// PackTupleID combines a page id and slot id into a TupleID.
func PackTupleID(pageID disk.PageID, slot SlotID) TupleID {
	return TupleID(int64(pageID)<<tupleIDShift | (int64(slot) & tupleIDMask))
}

// Decode splits a TupleID back into its page id and slot id.
func (t TupleID) Decode() (disk.PageID, SlotID) {
	pageID := disk.PageID(int64(t) >> tupleIDShift)
	slot := SlotID(int64(t) & tupleIDMask)
	return pageID, slot
}
