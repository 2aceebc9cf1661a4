package walog

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/naivedb/core/internal/storage/buffer"
	"github.com/naivedb/core/internal/storage/disk"
	"github.com/naivedb/core/internal/storage/table"
)

func openTestManager(t *testing.T, poolSize int) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wal.db")
	dm, err := disk.Open(path, true, nil)
	if err != nil {
		t.Fatalf("disk.Open: %v", err)
	}
	t.Cleanup(func() { dm.Close() })
	pool := buffer.NewPool(dm, poolSize, nil)
	m, ok := NewManager(pool, nil)
	if !ok {
		t.Fatalf("NewManager failed")
	}
	return m
}

func TestRecordSerializeRoundTrip(t *testing.T) {
	cases := []*Record{
		NewBegin(1, InvalidLSN),
		NewCommit(1, LSN(42)),
		NewAbort(2, LSN(7)),
		NewUpdate(3, LSN(100), disk.PageID(5), table.SlotID(2), []byte("before"), []byte("after!")),
	}
	for _, want := range cases {
		buf := want.Serialize()
		got, ok := DeserializeRecord(buf)
		if !ok {
			t.Fatalf("DeserializeRecord failed for %v", want.Type)
		}
		// An Update built with zero-length images holds empty slices while
		// DeserializeRecord yields nil ones; treat nil and empty as equal.
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("round trip mismatch for %v (-want +got):\n%s", want.Type, diff)
		}
	}
}

func TestAppendAndGetRecord(t *testing.T) {
	m := openTestManager(t, 4)

	beginLSN, ok := m.AppendRecord(NewBegin(1, InvalidLSN))
	if !ok {
		t.Fatalf("append begin failed")
	}
	updLSN, ok := m.AppendRecord(NewUpdate(1, beginLSN, disk.PageID(9), table.SlotID(0), []byte("old"), []byte("new")))
	if !ok {
		t.Fatalf("append update failed")
	}
	commitLSN, ok := m.AppendRecord(NewCommit(1, updLSN))
	if !ok {
		t.Fatalf("append commit failed")
	}

	rec, ok := m.GetRecord(commitLSN)
	if !ok || rec.Type != Commit || rec.PrevLSN != updLSN {
		t.Fatalf("unexpected commit record: %+v ok=%v", rec, ok)
	}

	rec, ok = m.GetRecord(rec.PrevLSN)
	if !ok || rec.Type != Update || string(rec.NewData) != "new" {
		t.Fatalf("unexpected update record: %+v ok=%v", rec, ok)
	}

	rec, ok = m.GetRecord(rec.PrevLSN)
	if !ok || rec.Type != Begin || rec.PrevLSN != InvalidLSN {
		t.Fatalf("unexpected begin record: %+v ok=%v", rec, ok)
	}
}

func TestAppendOversizedRecordFails(t *testing.T) {
	m := openTestManager(t, 4)
	big := make([]byte, disk.PageSize)
	lsn, ok := m.AppendRecord(NewUpdate(1, InvalidLSN, disk.PageID(0), table.SlotID(0), big, big))
	if ok || lsn != InvalidLSN {
		t.Fatalf("expected oversized record to fail, got lsn=%v ok=%v", lsn, ok)
	}
}

func TestAppendRollsOverToNewPage(t *testing.T) {
	m := openTestManager(t, 4)
	firstPage := m.pageID

	payload := make([]byte, 200)
	var lastLSN LSN
	rolled := false
	for i := 0; i < 40; i++ {
		lsn, ok := m.AppendRecord(NewUpdate(1, lastLSN, disk.PageID(1), table.SlotID(0), payload, payload))
		if !ok {
			t.Fatalf("append #%d failed", i)
		}
		lastLSN = lsn
		pageID := disk.PageID(int64(lsn) / disk.PageSize)
		if pageID != firstPage {
			rolled = true
		}
	}
	if !rolled {
		t.Fatalf("expected log to roll onto a new page after enough records")
	}

	rec, ok := m.GetRecord(lastLSN)
	if !ok || rec.Type != Update {
		t.Fatalf("failed to read back last appended record: %+v ok=%v", rec, ok)
	}
}

func TestFlushPersistsCurrentPage(t *testing.T) {
	m := openTestManager(t, 4)
	lsn, ok := m.AppendRecord(NewBegin(1, InvalidLSN))
	if !ok {
		t.Fatalf("append failed")
	}
	if !m.Flush() {
		t.Fatalf("flush failed")
	}
	rec, ok := m.GetRecord(lsn)
	if !ok || rec.Type != Begin {
		t.Fatalf("record not readable after flush: %+v ok=%v", rec, ok)
	}
}
