package lockmgr

import (
	"sort"
	"time"

	"github.com/naivedb/core/internal/storage/txn"
)

// DefaultDetectionInterval matches the reference detector's 100ms tick.
const DefaultDetectionInterval = 100 * time.Millisecond

// buildGraph derives the wait-for graph from the lock table: an edge
// waiter -> holder exists whenever waiter is blocked on a tuple held
// (shared or exclusive) by holder. Caller must hold lm.mu.
func (lm *Manager) buildGraph() map[txn.ID]map[txn.ID]bool {
	graph := make(map[txn.ID]map[txn.ID]bool)
	addEdge := func(from, to txn.ID) {
		if graph[from] == nil {
			graph[from] = make(map[txn.ID]bool)
		}
		graph[from][to] = true
		if graph[to] == nil {
			graph[to] = make(map[txn.ID]bool)
		}
	}
	for _, ll := range lm.table {
		var holders []txn.ID
		for id := range ll.sharedLocks {
			holders = append(holders, id)
		}
		if ll.exclusiveLock != txn.InvalidID {
			holders = append(holders, ll.exclusiveLock)
		}
		for _, w := range ll.waitList {
			for _, h := range holders {
				if h != w.txnID {
					addEdge(w.txnID, h)
				}
			}
		}
		// A queued converter waits on every non-converting sharer
		// (nonConvertingSharers) plus the exclusive holder, if any; it
		// does not wait on other queued converters, which is exactly
		// what makes the S4-style multi-converter case resolvable.
		nonConverting := make(map[txn.ID]struct{}, len(ll.sharedLocks))
		queued := make(map[txn.ID]struct{}, len(ll.convertQueue))
		for _, id := range ll.convertQueue {
			queued[id] = struct{}{}
		}
		for id := range ll.sharedLocks {
			if _, ok := queued[id]; !ok {
				nonConverting[id] = struct{}{}
			}
		}
		for _, c := range ll.convertQueue {
			for h := range nonConverting {
				if h != c {
					addEdge(c, h)
				}
			}
			if ll.exclusiveLock != txn.InvalidID && ll.exclusiveLock != c {
				addEdge(c, ll.exclusiveLock)
			}
		}
	}
	return graph
}

// hasCycle walks graph with a recursive DFS, stops at the first cycle
// it finds, and returns the largest transaction id on that cycle, or
// txn.InvalidID if the graph is acyclic. Vertices are visited in
// sorted order so the result is deterministic given the same graph.
func hasCycle(graph map[txn.ID]map[txn.ID]bool) txn.ID {
	const (
		white = iota
		gray
		black
	)
	color := make(map[txn.ID]int, len(graph))
	var stack []txn.ID
	var cycle []txn.ID

	vertices := make([]txn.ID, 0, len(graph))
	for v := range graph {
		vertices = append(vertices, v)
	}
	sort.Slice(vertices, func(i, j int) bool { return vertices[i] < vertices[j] })

	neighborsOf := func(v txn.ID) []txn.ID {
		ns := make([]txn.ID, 0, len(graph[v]))
		for n := range graph[v] {
			ns = append(ns, n)
		}
		sort.Slice(ns, func(i, j int) bool { return ns[i] < ns[j] })
		return ns
	}

	var dfs func(v txn.ID) bool
	dfs = func(v txn.ID) bool {
		color[v] = gray
		stack = append(stack, v)
		for _, n := range neighborsOf(v) {
			switch color[n] {
			case white:
				if dfs(n) {
					return true
				}
			case gray:
				idx := 0
				for i, s := range stack {
					if s == n {
						idx = i
						break
					}
				}
				cycle = append(cycle, stack[idx:]...)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[v] = black
		return false
	}

	for _, v := range vertices {
		if color[v] == white {
			if dfs(v) {
				break
			}
		}
	}

	if len(cycle) == 0 {
		return txn.InvalidID
	}
	victim := cycle[0]
	for _, v := range cycle[1:] {
		if v > victim {
			victim = v
		}
	}
	return victim
}

// StartDeadlockDetector launches the background detector goroutine,
// ticking every interval. Call Stop to shut it down.
func (lm *Manager) StartDeadlockDetector(interval time.Duration) {
	if lm.detectDeadlocks {
		return
	}
	lm.detectDeadlocks = true
	lm.stopCh = make(chan struct{})
	lm.wg.Add(1)
	go lm.deadlockLoop(interval)
}

func (lm *Manager) deadlockLoop(interval time.Duration) {
	defer lm.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-lm.stopCh:
			return
		case <-ticker.C:
			lm.detectOnce()
		}
	}
}

// detectOnce runs a single build-graph/find-cycle/abort-victim pass.
func (lm *Manager) detectOnce() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	graph := lm.buildGraph()
	victim := hasCycle(graph)
	if victim == txn.InvalidID {
		return
	}

	if t := lm.txnTable.Get(victim); t != nil {
		lm.log.WithField("txn_id", victim).Warn("lockmgr: aborting transaction to break deadlock")
		t.SetState(txn.Aborted)
	}
	for _, ll := range lm.table {
		ll.cond.Broadcast()
	}
}

// Stop halts the deadlock detector goroutine, if running. Safe to
// call even if it was never started.
func (lm *Manager) Stop() {
	if !lm.detectDeadlocks {
		return
	}
	close(lm.stopCh)
	lm.wg.Wait()
	lm.detectDeadlocks = false
}
