// Package walog implements the L4 layer: the write-ahead log record
// format and the log manager that appends/reads records through the
// buffer pool.
package walog

import (
	"encoding/binary"

	"github.com/naivedb/core/internal/storage/disk"
	"github.com/naivedb/core/internal/storage/table"
)

// LSN is a byte-addressed log sequence number: page_id*PageSize + offset.
type LSN int64

// InvalidLSN is the sentinel for "no record"/"chain terminator".
const InvalidLSN LSN = -1

// RecordType identifies the kind of a log record.
type RecordType uint8

const (
	Invalid RecordType = iota
	Update
	Begin
	Commit
	Abort
)

func (t RecordType) String() string {
	switch t {
	case Update:
		return "Update"
	case Begin:
		return "Begin"
	case Commit:
		return "Commit"
	case Abort:
		return "Abort"
	default:
		return "Invalid"
	}
}

// headerSize is (type:1 + pad:3 + size:4 + txn_id:8 + prev_lsn:8) = 24 bytes.
const headerSize = 24

// Record is a single WAL entry. Update records additionally carry the
// tuple location and fixed-length before/after images; |OldData| must
// equal |NewData|.
type Record struct {
	Type    RecordType
	TxnID   int64
	PrevLSN LSN

	// Update-only fields.
	PageID  disk.PageID
	SlotID  table.SlotID
	OldData []byte
	NewData []byte
}

// NewBegin/NewCommit/NewAbort build non-Update records.
func NewBegin(txnID int64, prevLSN LSN) *Record  { return &Record{Type: Begin, TxnID: txnID, PrevLSN: prevLSN} }
func NewCommit(txnID int64, prevLSN LSN) *Record { return &Record{Type: Commit, TxnID: txnID, PrevLSN: prevLSN} }
func NewAbort(txnID int64, prevLSN LSN) *Record  { return &Record{Type: Abort, TxnID: txnID, PrevLSN: prevLSN} }

// NewUpdate builds an Update record. oldData and newData must be the
// same length (fixed-length updates).
func NewUpdate(txnID int64, prevLSN LSN, pageID disk.PageID, slot table.SlotID, oldData, newData []byte) *Record {
	return &Record{
		Type: Update, TxnID: txnID, PrevLSN: prevLSN,
		PageID: pageID, SlotID: slot, OldData: oldData, NewData: newData,
	}
}

// Size returns the serialized length of the record.
func (r *Record) Size() int {
	if r.Type != Update {
		return headerSize
	}
	return headerSize + 8 + 4 + 4 + len(r.OldData) + 4 + len(r.NewData)
}

// Serialize encodes the record. Header, then for Update records
// page_id | slot_id | old_size | old_bytes | new_size | new_bytes.
func (r *Record) Serialize() []byte {
	buf := make([]byte, r.Size())
	buf[0] = byte(r.Type)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.TxnID))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(int64(r.PrevLSN)))
	if r.Type != Update {
		return buf
	}
	off := headerSize
	binary.LittleEndian.PutUint64(buf[off:], uint64(int64(r.PageID)))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(r.SlotID))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.OldData)))
	off += 4
	off += copy(buf[off:], r.OldData)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.NewData)))
	off += 4
	copy(buf[off:], r.NewData)
	return buf
}

// DeserializeRecord decodes a record starting at buf[0]. buf may
// contain trailing bytes beyond the record (the rest of the page).
func DeserializeRecord(buf []byte) (*Record, bool) {
	if len(buf) < headerSize {
		return nil, false
	}
	r := &Record{Type: RecordType(buf[0])}
	size := binary.LittleEndian.Uint32(buf[4:8])
	r.TxnID = int64(binary.LittleEndian.Uint64(buf[8:16]))
	r.PrevLSN = LSN(int64(binary.LittleEndian.Uint64(buf[16:24])))
	if r.Type != Update {
		return r, true
	}
	if len(buf) < int(size) {
		return nil, false
	}
	off := headerSize
	r.PageID = disk.PageID(int64(binary.LittleEndian.Uint64(buf[off:])))
	off += 8
	r.SlotID = table.SlotID(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	oldSize := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	r.OldData = append([]byte(nil), buf[off:off+int(oldSize)]...)
	off += int(oldSize)
	newSize := binary.LittleEndian.Uint32(buf[off:])
	off += 4
	r.NewData = append([]byte(nil), buf[off:off+int(newSize)]...)
	return r, true
}
