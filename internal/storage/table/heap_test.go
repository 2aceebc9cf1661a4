package table

import (
	"hash/crc32"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/naivedb/core/internal/storage/buffer"
	"github.com/naivedb/core/internal/storage/disk"
)

func openTestHeap(t *testing.T, poolSize int) *TableHeap {
	t.Helper()
	path := filepath.Join(t.TempDir(), "heap.db")
	dm, err := disk.Open(path, true, nil)
	if err != nil {
		t.Fatalf("disk.Open: %v", err)
	}
	t.Cleanup(func() { dm.Close() })
	pool := buffer.NewPool(dm, poolSize, nil)
	heap, ok := New(pool)
	if !ok {
		t.Fatalf("New heap failed")
	}
	return heap
}

func TestTuplePackDecodeRoundTrip(t *testing.T) {
	id := PackTupleID(disk.PageID(42), SlotID(7))
	pid, slot := id.Decode()
	if pid != 42 || slot != 7 {
		t.Fatalf("decode mismatch: got page=%d slot=%d", pid, slot)
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	heap := openTestHeap(t, 8)
	data := []byte("hello, tuple")
	id, ok := heap.InsertTuple(data)
	if !ok {
		t.Fatalf("InsertTuple failed")
	}
	got, ok := heap.GetTuple(id)
	if !ok {
		t.Fatalf("GetTuple failed")
	}
	if string(got) != string(data) {
		t.Fatalf("round trip mismatch: got %q want %q", got, data)
	}
}

func TestUpdateSameSize(t *testing.T) {
	heap := openTestHeap(t, 8)
	id, ok := heap.InsertTuple([]byte("abcdef"))
	if !ok {
		t.Fatalf("InsertTuple failed")
	}
	if !heap.UpdateTuple(id, []byte("ABCDEF")) {
		t.Fatalf("UpdateTuple failed")
	}
	got, _ := heap.GetTuple(id)
	if string(got) != "ABCDEF" {
		t.Fatalf("update mismatch: got %q", got)
	}
	if heap.UpdateTuple(id, []byte("short")) {
		t.Fatalf("UpdateTuple with different size should fail")
	}
}

func crcSum(tuples [][]byte) uint32 {
	var sum uint32
	for _, b := range tuples {
		sum += crc32.ChecksumIEEE(b)
	}
	return sum
}

func iterateAll(t *testing.T, heap *TableHeap) [][]byte {
	t.Helper()
	var out [][]byte
	for it := heap.Begin(); it.Valid(); it.Next() {
		b, ok := it.Tuple()
		if !ok {
			t.Fatalf("iterator dereference failed")
		}
		out = append(out, b)
	}
	return out
}

func TestHeapRoundTrip100Tuples(t *testing.T) {
	heap := openTestHeap(t, 4)
	rng := rand.New(rand.NewSource(1))

	originals := make([][]byte, 100)
	ids := make([]TupleID, 100)
	for i := range originals {
		size := rng.Intn(200)
		b := make([]byte, size)
		rng.Read(b)
		originals[i] = b
		id, ok := heap.InsertTuple(b)
		if !ok {
			t.Fatalf("InsertTuple #%d failed", i)
		}
		ids[i] = id
	}

	want := crcSum(originals)
	if got := crcSum(iterateAll(t, heap)); got != want {
		t.Fatalf("initial CRC mismatch: got %x want %x", got, want)
	}

	// Delete a random quarter.
	deleted := map[int]bool{}
	for len(deleted) < 25 {
		deleted[rng.Intn(100)] = true
	}
	for i := range deleted {
		if !heap.DeleteTuple(ids[i]) {
			t.Fatalf("DeleteTuple #%d failed", i)
		}
	}

	remaining := iterateAll(t, heap)
	if len(remaining) != 75 {
		t.Fatalf("expected 75 remaining tuples, got %d", len(remaining))
	}

	// Re-insert the deleted tuples.
	for i := range deleted {
		id, ok := heap.InsertTuple(originals[i])
		if !ok {
			t.Fatalf("re-insert #%d failed", i)
		}
		ids[i] = id
	}

	if got := crcSum(iterateAll(t, heap)); got != want {
		t.Fatalf("restored CRC mismatch: got %x want %x", got, want)
	}

	root := heap.RootPageID()
	reopened := Open(heap.pool, root)
	if got := crcSum(iterateAll(t, reopened)); got != want {
		t.Fatalf("reopened CRC mismatch: got %x want %x", got, want)
	}
}

func TestNonRootPageSplicedOutWhenEmpty(t *testing.T) {
	heap := openTestHeap(t, 4)
	// Fill the root with small tuples until a second page is needed.
	var ids []TupleID
	payload := make([]byte, 64)
	for i := 0; i < 200; i++ {
		id, ok := heap.InsertTuple(payload)
		if !ok {
			t.Fatalf("InsertTuple #%d failed", i)
		}
		ids = append(ids, id)
	}

	g, ok := heap.pool.FetchPage(heap.RootPageID())
	if !ok {
		t.Fatalf("FetchPage root failed")
	}
	root := WrapTablePage(g)
	secondPage := root.NextPageID()
	g.Release()
	if secondPage == disk.InvalidPageID {
		t.Fatalf("expected a second page to have been allocated")
	}

	// Delete every tuple living on the second page so it splices out of
	// the chain.
	for _, id := range ids {
		pageID, _ := id.Decode()
		if pageID == secondPage {
			if !heap.DeleteTuple(id) {
				t.Fatalf("DeleteTuple failed for page %d", pageID)
			}
		}
	}

	g2, ok := heap.pool.FetchPage(heap.RootPageID())
	if !ok {
		t.Fatalf("FetchPage root failed")
	}
	root2 := WrapTablePage(g2)
	next := root2.NextPageID()
	g2.Release()
	if next == secondPage {
		t.Fatalf("expected page %d to be spliced out of the chain", secondPage)
	}
	if heap.pool.PageAllocated(secondPage) {
		t.Fatalf("expected page %d to be deallocated", secondPage)
	}
}
