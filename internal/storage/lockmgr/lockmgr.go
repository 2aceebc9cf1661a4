// Package lockmgr implements the L6 layer: a strict two-phase
// (SS2PL) tuple-level lock manager with FIFO wait queues and
// background deadlock detection.
package lockmgr

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/naivedb/core/internal/storage/table"
	"github.com/naivedb/core/internal/storage/txn"
)

// Mode is the kind of lock an ordinary waiter wants. A transaction
// waiting to convert its shared lock into an exclusive one is not
// recorded in the wait list; it waits in the tuple's separate
// convertQueue instead.
type Mode int

const (
	Shared Mode = iota
	Exclusive
)

type waitEntry struct {
	txnID txn.ID
	mode  Mode
}

// lockList is the per-tuple lock state: the set of granted shared
// holders, the single exclusive holder (if any), a strict FIFO queue
// of ordinary waiters, and a separate FIFO queue of shared-to-exclusive
// converters. Slices (not maps) back both queues because the manager
// must preserve arrival order exactly: a later-arriving, mode-compatible
// request may never be granted ahead of an older, still-waiting one.
type lockList struct {
	sharedLocks   map[txn.ID]struct{}
	exclusiveLock txn.ID
	waitList      []waitEntry
	convertQueue  []txn.ID
	cond          *sync.Cond
}

func newLockList(mu sync.Locker) *lockList {
	return &lockList{
		sharedLocks:   make(map[txn.ID]struct{}),
		exclusiveLock: txn.InvalidID,
		cond:          sync.NewCond(mu),
	}
}

func (ll *lockList) enqueue(id txn.ID, mode Mode) {
	ll.waitList = append(ll.waitList, waitEntry{txnID: id, mode: mode})
}

func (ll *lockList) dequeue(id txn.ID) {
	for i, e := range ll.waitList {
		if e.txnID == id {
			ll.waitList = append(ll.waitList[:i], ll.waitList[i+1:]...)
			return
		}
	}
}

// isFrontOfWaitList reports whether id is the oldest entry still
// waiting for tupleID, the precondition strict FIFO imposes on every
// grant: nothing younger may be served first, mode-compatible or not.
func (ll *lockList) isFrontOfWaitList(id txn.ID) bool {
	return len(ll.waitList) > 0 && ll.waitList[0].txnID == id
}

func (ll *lockList) enqueueConvert(id txn.ID) {
	ll.convertQueue = append(ll.convertQueue, id)
}

func (ll *lockList) dequeueConvert(id txn.ID) {
	for i, cid := range ll.convertQueue {
		if cid == id {
			ll.convertQueue = append(ll.convertQueue[:i], ll.convertQueue[i+1:]...)
			return
		}
	}
}

// nonConvertingSharers counts granted shared holders that are not
// themselves queued to convert. A converter becomes eligible once this
// reaches zero: the only shared holders left are other converters,
// which release their own shared hold the instant their turn comes.
func (ll *lockList) nonConvertingSharers() int {
	inQueue := make(map[txn.ID]struct{}, len(ll.convertQueue))
	for _, id := range ll.convertQueue {
		inQueue[id] = struct{}{}
	}
	n := 0
	for id := range ll.sharedLocks {
		if _, converting := inQueue[id]; !converting {
			n++
		}
	}
	return n
}

// Manager is the lock manager. One instance should be shared by every
// transaction in a process; it holds a reference to the transaction
// table so the deadlock detector can abort a victim by id.
type Manager struct {
	mu    sync.Mutex
	table map[table.TupleID]*lockList

	txnTable *txn.Table
	log      logrus.FieldLogger

	detectDeadlocks bool
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewManager constructs a lock manager over txnTable. The background
// deadlock detector is not started here; call StartDeadlockDetector.
func NewManager(txnTable *txn.Table, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		table:    make(map[table.TupleID]*lockList),
		txnTable: txnTable,
		log:      log,
	}
}

func (lm *Manager) getOrCreate(tupleID table.TupleID) *lockList {
	ll, ok := lm.table[tupleID]
	if !ok {
		ll = newLockList(&lm.mu)
		lm.table[tupleID] = ll
	}
	return ll
}

// LockShared acquires a shared lock on tupleID for t, blocking while
// an exclusive lock is held by another transaction, or while any older
// waiter (of either mode) is still ahead of it in line. Returns false
// if t is not Growing, already holds a shared lock on tupleID, or is
// aborted (by the deadlock detector) while waiting.
func (lm *Manager) LockShared(t *txn.Transaction, tupleID table.TupleID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if t.State() != txn.Growing {
		return false
	}
	ll := lm.getOrCreate(tupleID)
	if _, ok := ll.sharedLocks[t.ID()]; ok {
		return false
	}

	needsWait := ll.exclusiveLock != txn.InvalidID && ll.exclusiveLock != t.ID()
	if needsWait || len(ll.waitList) > 0 {
		ll.enqueue(t.ID(), Shared)
		for !(ll.isFrontOfWaitList(t.ID()) && ll.exclusiveLock == txn.InvalidID) {
			ll.cond.Wait()
			if t.State() == txn.Aborted {
				ll.dequeue(t.ID())
				return false
			}
		}
		ll.dequeue(t.ID())
	}

	ll.sharedLocks[t.ID()] = struct{}{}
	t.AddSharedLock(tupleID)
	ll.cond.Broadcast()
	return true
}

// LockExclusive acquires an exclusive lock on tupleID for t, blocking
// while any shared or exclusive lock is held by another transaction,
// or while any older waiter is still ahead of it in line.
func (lm *Manager) LockExclusive(t *txn.Transaction, tupleID table.TupleID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if t.State() != txn.Growing {
		return false
	}
	ll := lm.getOrCreate(tupleID)
	if ll.exclusiveLock == t.ID() {
		return false
	}
	if _, ok := ll.sharedLocks[t.ID()]; ok {
		return false
	}

	needsWait := ll.exclusiveLock != txn.InvalidID || len(ll.sharedLocks) > 0
	if needsWait || len(ll.waitList) > 0 {
		ll.enqueue(t.ID(), Exclusive)
		for !(ll.isFrontOfWaitList(t.ID()) && ll.exclusiveLock == txn.InvalidID && len(ll.sharedLocks) == 0) {
			ll.cond.Wait()
			if t.State() == txn.Aborted {
				ll.dequeue(t.ID())
				return false
			}
		}
		ll.dequeue(t.ID())
	}

	ll.exclusiveLock = t.ID()
	t.AddExclusiveLock(tupleID)
	return true
}

// LockConvert upgrades t's shared lock on tupleID to exclusive. Fails
// if t does not hold a shared lock on tupleID. Multiple transactions
// may queue to convert the same tuple concurrently: they are served in
// strict arrival order (convertQueue is FIFO, mirroring waitList), and
// each becomes eligible once every shared holder other than queued
// converters has released (nonConvertingSharers == 0) and the tuple
// currently has no exclusive holder — i.e. once the converter ahead of
// it, if any, has actually completed and unlocked.
func (lm *Manager) LockConvert(t *txn.Transaction, tupleID table.TupleID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if t.State() != txn.Growing {
		return false
	}
	ll := lm.getOrCreate(tupleID)
	if _, ok := ll.sharedLocks[t.ID()]; !ok {
		return false
	}

	ll.enqueueConvert(t.ID())
	eligible := func() bool {
		return ll.convertQueue[0] == t.ID() &&
			ll.exclusiveLock == txn.InvalidID &&
			ll.nonConvertingSharers() == 0
	}
	for !eligible() {
		ll.cond.Wait()
		if t.State() == txn.Aborted {
			ll.dequeueConvert(t.ID())
			ll.cond.Broadcast()
			return false
		}
	}
	ll.dequeueConvert(t.ID())

	delete(ll.sharedLocks, t.ID())
	ll.exclusiveLock = t.ID()
	t.RemoveSharedLock(tupleID)
	t.AddExclusiveLock(tupleID)
	ll.cond.Broadcast()
	return true
}

// Unlock releases t's lock (shared or exclusive) on tupleID. Under
// SS2PL, unlocking is only valid once the transaction has left the
// growing phase (i.e. at commit/abort); calling it earlier fails.
func (lm *Manager) Unlock(t *txn.Transaction, tupleID table.TupleID) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if t.State() == txn.Growing {
		return false
	}
	ll, ok := lm.table[tupleID]
	if !ok {
		return false
	}

	released := false
	if ll.exclusiveLock == t.ID() {
		ll.exclusiveLock = txn.InvalidID
		t.RemoveExclusiveLock(tupleID)
		released = true
	}
	if _, ok := ll.sharedLocks[t.ID()]; ok {
		delete(ll.sharedLocks, t.ID())
		t.RemoveSharedLock(tupleID)
		released = true
	}
	if !released {
		return false
	}
	ll.cond.Broadcast()
	return true
}
