package txnmgr

import (
	"path/filepath"
	"testing"

	"github.com/naivedb/core/internal/storage/buffer"
	"github.com/naivedb/core/internal/storage/disk"
	"github.com/naivedb/core/internal/storage/lockmgr"
	"github.com/naivedb/core/internal/storage/table"
	"github.com/naivedb/core/internal/storage/txn"
	"github.com/naivedb/core/internal/storage/walog"
)

type harness struct {
	heap   *table.TableHeap
	txnTbl *txn.Table
	lockM  *lockmgr.Manager
	logM   *walog.Manager
	txnM   *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "txnmgr.db")
	dm, err := disk.Open(path, true, nil)
	if err != nil {
		t.Fatalf("disk.Open: %v", err)
	}
	t.Cleanup(func() { dm.Close() })
	pool := buffer.NewPool(dm, 16, nil)

	heap, ok := table.New(pool)
	if !ok {
		t.Fatalf("table.New failed")
	}
	logM, ok := walog.NewManager(pool, nil)
	if !ok {
		t.Fatalf("walog.NewManager failed")
	}
	txnTbl := txn.NewTable()
	lockM := lockmgr.NewManager(txnTbl, nil)

	lookup := func(pageID int64) *table.TableHeap { return heap }
	txnM := NewManager(txnTbl, lockM, logM, lookup, nil)

	return &harness{heap: heap, txnTbl: txnTbl, lockM: lockM, logM: logM, txnM: txnM}
}

func TestCommitPersistsChanges(t *testing.T) {
	h := newHarness(t)

	tx := h.txnM.Begin()
	id, ok := h.heap.InsertTuple([]byte("v1"))
	if !ok {
		t.Fatalf("insert failed")
	}
	if !h.lockM.LockExclusive(tx, id) {
		t.Fatalf("lock failed")
	}
	h.txnM.Commit(tx.ID())

	got, ok := h.heap.GetTuple(id)
	if !ok || string(got) != "v1" {
		t.Fatalf("expected tuple to persist after commit, got %q ok=%v", got, ok)
	}
	if tx.State() != txn.Committed {
		t.Fatalf("expected Committed state, got %v", tx.State())
	}
}

func TestAbortRollsBackUpdate(t *testing.T) {
	h := newHarness(t)

	setup := h.txnM.Begin()
	id, ok := h.heap.InsertTuple([]byte("AAAAAA"))
	if !ok {
		t.Fatalf("insert failed")
	}
	h.txnM.Commit(setup.ID())

	tx := h.txnM.Begin()
	if !h.lockM.LockExclusive(tx, id) {
		t.Fatalf("lock failed")
	}

	pageID, slot := id.Decode()
	before, _ := h.heap.GetTuple(id)
	lsn, ok := h.logM.AppendRecord(walog.NewUpdate(int64(tx.ID()), tx.LSN(), pageID, slot, before, []byte("BBBBBB")))
	if !ok {
		t.Fatalf("append update record failed")
	}
	tx.SetLSN(lsn)
	if !h.heap.UpdateTuple(id, []byte("BBBBBB")) {
		t.Fatalf("update failed")
	}

	h.txnM.Abort(tx.ID())

	got, ok := h.heap.GetTuple(id)
	if !ok || string(got) != "AAAAAA" {
		t.Fatalf("expected rollback to restore original bytes, got %q ok=%v", got, ok)
	}
	if tx.State() != txn.Aborted {
		t.Fatalf("expected Aborted state, got %v", tx.State())
	}
}

func TestCommitReleasesLocksForNextTransaction(t *testing.T) {
	h := newHarness(t)

	a := h.txnM.Begin()
	id, _ := h.heap.InsertTuple([]byte("xx"))
	if !h.lockM.LockExclusive(a, id) {
		t.Fatalf("lock failed")
	}
	h.txnM.Commit(a.ID())

	b := h.txnM.Begin()
	if !h.lockM.LockExclusive(b, id) {
		t.Fatalf("expected b to acquire the lock after a committed")
	}
}
