// Package txnmgr implements the L7 layer: transaction lifecycle
// (begin/commit/abort) and rollback, composing the transaction table,
// lock manager, log manager, and table heaps beneath it.
package txnmgr

import (
	"github.com/sirupsen/logrus"

	"github.com/naivedb/core/internal/storage/lockmgr"
	"github.com/naivedb/core/internal/storage/table"
	"github.com/naivedb/core/internal/storage/txn"
	"github.com/naivedb/core/internal/storage/walog"
)

// HeapLookup resolves the page id encoded in a tuple id to the table
// heap that owns it, so rollback can call UpdateTuple without every
// caller threading heap references through every log record. A
// single-table engine can return a constant heap; a multi-table one
// looks the page id up in its catalog.
type HeapLookup func(pageID int64) *table.TableHeap

// Manager drives transaction begin/commit/abort over a shared
// transaction table, lock manager, and log manager. Page deallocation
// is not checked against held locks: if an Update record targets a
// page that is no longer allocated, UpdateTuple fails during rollback
// and the failure is logged; that record is not undone.
type Manager struct {
	txnTable *txn.Table
	lockMgr  *lockmgr.Manager
	logMgr   *walog.Manager
	heaps    HeapLookup
	log      logrus.FieldLogger
}

// NewManager wires a transaction manager over its collaborators.
// logMgr may be nil for tests that don't exercise durability; heaps
// may be nil for tests that never abort (Rollback requires it).
func NewManager(txnTable *txn.Table, lockMgr *lockmgr.Manager, logMgr *walog.Manager, heaps HeapLookup, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{txnTable: txnTable, lockMgr: lockMgr, logMgr: logMgr, heaps: heaps, log: log}
}

// Begin starts a new transaction, appending a Begin record if a log
// manager is configured.
func (m *Manager) Begin() *txn.Transaction {
	t := m.txnTable.Begin()
	if m.logMgr != nil {
		lsn, ok := m.logMgr.AppendRecord(walog.NewBegin(int64(t.ID()), t.LSN()))
		if ok {
			t.SetLSN(lsn)
		}
	}
	m.log.WithField("txn_id", t.ID()).Debug("txnmgr: begin")
	return t
}

// Commit appends a Commit record, flushes the log, marks the
// transaction Committed, and releases all its locks. A no-op if
// txnID is unknown.
func (m *Manager) Commit(txnID txn.ID) {
	t := m.txnTable.Get(txnID)
	if t == nil {
		return
	}
	if m.logMgr != nil {
		lsn, ok := m.logMgr.AppendRecord(walog.NewCommit(int64(t.ID()), t.LSN()))
		if ok {
			t.SetLSN(lsn)
		}
		m.logMgr.Flush()
	}
	t.SetState(txn.Committed)
	m.releaseAllLocks(t)
	m.log.WithField("txn_id", t.ID()).Debug("txnmgr: commit")
}

// Abort appends an Abort record, marks the transaction Aborted, rolls
// back its writes, and releases all its locks. A no-op if txnID is
// unknown. Unlike Commit, the Abort record is not flushed immediately:
// a crash before flush simply means the record is lost, which is safe
// since the data it described never committed.
func (m *Manager) Abort(txnID txn.ID) {
	t := m.txnTable.Get(txnID)
	if t == nil {
		return
	}
	if m.logMgr != nil {
		lsn, ok := m.logMgr.AppendRecord(walog.NewAbort(int64(t.ID()), t.LSN()))
		if ok {
			t.SetLSN(lsn)
		}
	}
	t.SetState(txn.Aborted)
	m.Rollback(t)
	m.releaseAllLocks(t)
	m.log.WithField("txn_id", t.ID()).Debug("txnmgr: abort")
}

// Rollback walks t's log chain backward from its last LSN, undoing
// each Update record by writing old_data back over the tuple it
// describes, and stops at the transaction's Begin record.
func (m *Manager) Rollback(t *txn.Transaction) {
	if m.logMgr == nil || m.heaps == nil {
		return
	}
	lsn := t.LSN()
	for lsn != walog.InvalidLSN {
		rec, ok := m.logMgr.GetRecord(lsn)
		if !ok {
			m.log.WithField("lsn", lsn).Error("txnmgr: rollback could not read log record")
			return
		}
		if rec.Type == walog.Begin {
			return
		}
		if rec.Type == walog.Update {
			heap := m.heaps(int64(rec.PageID))
			if heap != nil {
				id := table.PackTupleID(rec.PageID, rec.SlotID)
				if !heap.UpdateTuple(id, rec.OldData) {
					m.log.WithFields(logrus.Fields{
						"txn_id": t.ID(),
						"lsn":    lsn,
					}).Error("txnmgr: rollback failed to undo update")
				}
			}
		}
		lsn = rec.PrevLSN
	}
}

func (m *Manager) releaseAllLocks(t *txn.Transaction) {
	if m.lockMgr == nil {
		return
	}
	for _, tupleID := range t.LockedTuples() {
		m.lockMgr.Unlock(t, tupleID)
	}
}
