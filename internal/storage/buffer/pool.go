// Package buffer implements the L1/L2 layers: a pinning buffer pool
// with LRU replacement (L1) and the scoped page guard borrow protocol
// (L2) built on top of it.
package buffer

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/naivedb/core/internal/storage/disk"
)

type frame struct {
	pageID   disk.PageID
	buf      []byte
	pinCount int
	dirty    bool
}

// Pool is the pinning buffer pool. All externally visible operations
// serialize on a single mutex, held for the entire call including
// victim selection; it is released before returning a guard to the
// caller, who then holds the page independently via pin count.
type Pool struct {
	mu        sync.Mutex
	frames    []frame
	replacer  Replacer
	dm        *disk.Manager
	pageTable map[disk.PageID]FrameID
	freeList  []FrameID
	log       logrus.FieldLogger
}

// NewPool allocates size frames backed by dm.
func NewPool(dm *disk.Manager, size int, log logrus.FieldLogger) *Pool {
	if log == nil {
		log = logrus.StandardLogger()
	}
	frames := make([]frame, size)
	free := make([]FrameID, size)
	for i := range frames {
		frames[i] = frame{pageID: disk.InvalidPageID, buf: dm.NewAlignedPage()}
		free[i] = FrameID(i)
	}
	return &Pool{
		frames:    frames,
		replacer:  NewLRUReplacer(),
		dm:        dm,
		pageTable: make(map[disk.PageID]FrameID),
		freeList:  free,
		log:       log,
	}
}

// PoolSize returns the fixed number of frames.
func (p *Pool) PoolSize() int { return len(p.frames) }

// PageAllocated delegates to the disk manager.
func (p *Pool) PageAllocated(id disk.PageID) bool {
	return p.dm.PageAllocated(id)
}

// victim returns a frame available for reuse: the free list first,
// then the replacer's LRU victim.
func (p *Pool) victim() (FrameID, bool) {
	if n := len(p.freeList); n > 0 {
		fid := p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
		return fid, true
	}
	return p.replacer.Victim()
}

// evict writes back a dirty occupant (if any) and removes it from the
// page table, leaving the frame ready to be repurposed.
func (p *Pool) evict(fid FrameID) error {
	f := &p.frames[fid]
	if f.pageID == disk.InvalidPageID {
		return nil
	}
	if f.dirty {
		if err := p.dm.WritePage(f.pageID, f.buf); err != nil {
			return err
		}
	}
	delete(p.pageTable, f.pageID)
	return nil
}

// FetchPage pins and returns a guard for page id, reading it from
// disk if not already cached. Returns (nil, false) if the page is not
// allocated or no frame is available.
func (p *Pool) FetchPage(id disk.PageID) (*Guard, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fid, ok := p.pageTable[id]; ok {
		f := &p.frames[fid]
		if f.pinCount == 0 {
			p.replacer.Pin(fid)
		}
		f.pinCount++
		return p.newGuard(fid, id), true
	}

	if !p.dm.PageAllocated(id) {
		return nil, false
	}

	fid, ok := p.victim()
	if !ok {
		return nil, false
	}
	if err := p.evict(fid); err != nil {
		p.log.WithError(err).WithField("frame", fid).Error("buffer: evict before fetch failed")
		return nil, false
	}

	f := &p.frames[fid]
	if err := p.dm.ReadPage(id, f.buf); err != nil {
		p.log.WithError(err).WithField("page_id", id).Error("buffer: read page failed")
		return nil, false
	}
	f.pageID = id
	f.dirty = false
	f.pinCount = 1
	p.pageTable[id] = fid
	p.replacer.Pin(fid)
	return p.newGuard(fid, id), true
}

// NewPage allocates a fresh page on disk and returns a pinned, zeroed
// guard for it. If no frame is available, the freshly allocated page
// is freed again and (nil, false) is returned.
func (p *Pool) NewPage() (*Guard, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, err := p.dm.AllocPage()
	if err != nil {
		p.log.WithError(err).Error("buffer: alloc page failed")
		return nil, false
	}

	fid, ok := p.victim()
	if !ok {
		if ferr := p.dm.FreePage(id); ferr != nil {
			p.log.WithError(ferr).Error("buffer: free after failed new_page failed")
		}
		return nil, false
	}
	if err := p.evict(fid); err != nil {
		p.log.WithError(err).WithField("frame", fid).Error("buffer: evict before new_page failed")
		if ferr := p.dm.FreePage(id); ferr != nil {
			p.log.WithError(ferr).Error("buffer: free after failed new_page failed")
		}
		return nil, false
	}

	f := &p.frames[fid]
	for i := range f.buf {
		f.buf[i] = 0
	}
	f.pageID = id
	f.dirty = false
	f.pinCount = 1
	p.pageTable[id] = fid
	p.replacer.Pin(fid)
	return p.newGuard(fid, id), true
}

// DeletePage fails if the page is cached and pinned. Otherwise it
// resets any cached frame to the free list and frees the page on disk
// regardless of whether it was cached.
func (p *Pool) DeletePage(id disk.PageID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fid, ok := p.pageTable[id]; ok {
		f := &p.frames[fid]
		if f.pinCount > 0 {
			return false
		}
		p.replacer.Pin(fid) // evict from replacer bookkeeping; no-op if absent
		delete(p.pageTable, id)
		f.pageID = disk.InvalidPageID
		f.dirty = false
		p.freeList = append(p.freeList, fid)
	}
	if err := p.dm.FreePage(id); err != nil {
		p.log.WithError(err).WithField("page_id", id).Error("buffer: free page failed")
		return false
	}
	return true
}

// FlushPage writes a cached page's bytes to disk and clears its dirty
// flag. Flushing an uncached page returns false (not an error).
func (p *Pool) FlushPage(id disk.PageID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	fid, ok := p.pageTable[id]
	if !ok {
		return false
	}
	f := &p.frames[fid]
	if err := p.dm.WritePage(id, f.buf); err != nil {
		p.log.WithError(err).WithField("page_id", id).Error("buffer: flush page failed")
		return false
	}
	f.dirty = false
	return true
}

// FlushAllPages flushes every cached page, logging (but not stopping
// on) individual failures.
func (p *Pool) FlushAllPages() {
	p.mu.Lock()
	defer p.mu.Unlock()
	dirtyCount := 0
	for id, fid := range p.pageTable {
		f := &p.frames[fid]
		if !f.dirty {
			continue
		}
		if err := p.dm.WritePage(id, f.buf); err != nil {
			p.log.WithError(err).WithField("page_id", id).Error("buffer: flush page failed")
			continue
		}
		f.dirty = false
		dirtyCount++
	}
	p.log.WithFields(logrus.Fields{
		"flushed": dirtyCount,
		"cached":  len(p.pageTable),
		"frames":  humanize.Comma(int64(len(p.frames))),
	}).Debug("buffer: flush_all_pages complete")
}

// unpin is invoked exactly once by a guard's Release. It is the only
// sanctioned path to decrementing a pin count.
func (p *Pool) unpin(fid FrameID, dirty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := &p.frames[fid]
	if f.pinCount <= 0 {
		panic("buffer: unpin of frame with non-positive pin count")
	}
	if dirty {
		f.dirty = true
	}
	f.pinCount--
	if f.pinCount == 0 {
		p.replacer.Unpin(fid)
	}
}

// Occupancy returns (sum of pin counts, free list length, replacer
// size) for BP2 invariant checks and periodic stats reporting.
func (p *Pool) Occupancy() (pinned, free, replacerSize int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.frames {
		pinned += p.frames[i].pinCount
	}
	return pinned, len(p.freeList), p.replacer.Size()
}
