// Package txn implements the L5 layer: transaction state and the
// process-wide global transaction table.
package txn

import (
	"sync"

	"github.com/naivedb/core/internal/storage/table"
	"github.com/naivedb/core/internal/storage/walog"
)

// State is a transaction's position in the SS2PL lifecycle. SS2PL
// holds all locks until commit/abort, so there is no explicit
// shrinking phase: Growing transitions directly to Committed or
// Aborted.
type State int

const (
	Growing State = iota
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Committed:
		return "Committed"
	case Aborted:
		return "Aborted"
	default:
		return "Growing"
	}
}

// ID identifies a transaction. -1 is the sentinel.
type ID int64

// InvalidID is the sentinel for "no transaction".
const InvalidID ID = -1

// Transaction tracks one transaction's log position, lifecycle state,
// and the tuples it currently holds locked. Lock-set membership is
// mutated by the lock manager under its own latch; callers from other
// packages should treat the sets as read-mostly.
type Transaction struct {
	mu         sync.Mutex
	id         ID
	lsn        walog.LSN
	state      State
	sharedSet  map[table.TupleID]struct{}
	exclSet    map[table.TupleID]struct{}
}

func newTransaction(id ID) *Transaction {
	return &Transaction{
		id:        id,
		lsn:       walog.InvalidLSN,
		state:     Growing,
		sharedSet: make(map[table.TupleID]struct{}),
		exclSet:   make(map[table.TupleID]struct{}),
	}
}

// ID returns the transaction's id.
func (t *Transaction) ID() ID { return t.id }

// LSN returns the LSN of the transaction's most recently appended record.
func (t *Transaction) LSN() walog.LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lsn
}

// SetLSN updates the transaction's most recent LSN.
func (t *Transaction) SetLSN(lsn walog.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lsn = lsn
}

// State returns the transaction's current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions the transaction's lifecycle state.
func (t *Transaction) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// IsSharedLocked reports whether the transaction holds a shared lock
// on tupleID.
func (t *Transaction) IsSharedLocked(tupleID table.TupleID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sharedSet[tupleID]
	return ok
}

// IsExclusiveLocked reports whether the transaction holds an
// exclusive lock on tupleID.
func (t *Transaction) IsExclusiveLocked(tupleID table.TupleID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.exclSet[tupleID]
	return ok
}

// AddSharedLock records tupleID in the transaction's shared lock set.
func (t *Transaction) AddSharedLock(tupleID table.TupleID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sharedSet[tupleID] = struct{}{}
}

// AddExclusiveLock records tupleID in the transaction's exclusive lock set.
func (t *Transaction) AddExclusiveLock(tupleID table.TupleID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exclSet[tupleID] = struct{}{}
}

// RemoveSharedLock drops tupleID from the transaction's shared lock set.
func (t *Transaction) RemoveSharedLock(tupleID table.TupleID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sharedSet, tupleID)
}

// RemoveExclusiveLock drops tupleID from the transaction's exclusive lock set.
func (t *Transaction) RemoveExclusiveLock(tupleID table.TupleID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.exclSet, tupleID)
}

// LockedTuples returns the union of the transaction's shared and
// exclusive lock sets, for callers releasing every lock at once.
func (t *Transaction) LockedTuples() []table.TupleID {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[table.TupleID]struct{}, len(t.sharedSet)+len(t.exclSet))
	for id := range t.sharedSet {
		seen[id] = struct{}{}
	}
	for id := range t.exclSet {
		seen[id] = struct{}{}
	}
	out := make([]table.TupleID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}
