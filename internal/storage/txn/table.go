package txn

import "sync"

// Table is the process-wide registry of live transactions, mirroring
// the original's single global_txn_map: every transaction manager in
// a process shares one Table via explicit construction (never a
// package-level singleton), so tests can spin up isolated instances
// without cross-contamination.
type Table struct {
	mu      sync.RWMutex
	nextID  ID
	byID    map[ID]*Transaction
}

// NewTable constructs an empty, ready-to-use transaction table.
func NewTable() *Table {
	return &Table{byID: make(map[ID]*Transaction)}
}

// Begin allocates a fresh transaction id and registers a new Growing
// transaction under it.
func (tb *Table) Begin() *Transaction {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	id := tb.nextID
	tb.nextID++
	txn := newTransaction(id)
	tb.byID[id] = txn
	return txn
}

// Get returns the transaction registered under id, or nil if none
// exists (e.g. already torn down).
func (tb *Table) Get(id ID) *Transaction {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.byID[id]
}

// Remove drops a transaction from the table. Commit/abort keep the
// record available for the lifetime of the Table by default; callers
// that want strict cleanup (e.g. long-running servers) can call this
// once a transaction's outcome has been durably recorded elsewhere.
func (tb *Table) Remove(id ID) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	delete(tb.byID, id)
}

// Clear empties the table. Mirrors the original's destructor, which
// clears global_txn_map.
func (tb *Table) Clear() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.byID = make(map[ID]*Transaction)
}

// Len reports the number of currently registered transactions.
func (tb *Table) Len() int {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return len(tb.byID)
}
