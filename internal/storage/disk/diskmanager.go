// Package disk implements the L0 layer: a bitmap-indexed disk space
// manager over a single backing file. A database file is a sequence of
// fixed 4 KiB pages: a master page of per-header allocation counters,
// followed by header pages (each a bitmap over a block of data pages)
// interleaved with the data pages they govern.
//
// I/O is direct-style and synchronous: every page buffer passed to the
// kernel is page-aligned, and writes are not considered durable until
// the kernel reports them written (no OS page cache is trusted to
// survive a crash). See Open for the fallback path on platforms where
// O_DIRECT is unavailable.
package disk

import (
	"fmt"
	"os"
	"sync"

	"github.com/ncw/directio"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// PageID indexes a data page within a file. -1 is the sentinel.
type PageID int64

// InvalidPageID is the sentinel for "no page".
const InvalidPageID PageID = -1

const (
	// PageSize is the fixed page size in bytes. Not configurable: every
	// on-disk structure (master page, header bitmap, data page) is
	// exactly this many bytes.
	PageSize = 4096

	// MaxHeaderPages bounds the number of header pages the master page
	// can describe.
	MaxHeaderPages = 2048

	// DataPagesPerHeader is the number of data pages one header page's
	// bitmap governs.
	DataPagesPerHeader = 32768

	// MaxDataPages is the maximum addressable data-page count.
	MaxDataPages = MaxHeaderPages * DataPagesPerHeader

	masterCounterSize = 2 // uint16 LE per header
)

// Manager is the bitmap disk space manager. All operations serialize
// on a single mutex; it is a shared resource but not contention-tuned
// (per spec, concurrent reads/writes are the buffer pool's job).
type Manager struct {
	mu   sync.Mutex
	file *os.File
	path string
	aligned bool // true if file was opened via directio (buffers must stay aligned)

	master  [MaxHeaderPages]uint16     // live copy of the master page
	headers map[int]*headerPage        // lazily materialized header bitmaps, keyed by header index

	log logrus.FieldLogger
}

type headerPage struct {
	buf []byte // PageSize bytes, the raw bitmap
}

// Open opens or creates the backing file at path. If it does not
// exist, it is created with a zeroed master page. Otherwise the master
// page is read and every header page with a nonzero counter is loaded
// into memory. directIO selects page-aligned O_DIRECT-style I/O
// (openBacking falls back to a regular file handle regardless of this
// flag on platforms that reject O_DIRECT); passing false always opens
// a regular, kernel-cached file handle.
func Open(path string, directIO bool, log logrus.FieldLogger) (*Manager, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	dm := &Manager{path: path, headers: map[int]*headerPage{}, log: log}

	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, aligned, err := openBacking(path, directIO)
	if err != nil {
		return nil, errors.Wrapf(err, "disk: open %s", path)
	}
	dm.file = f
	dm.aligned = aligned

	if isNew {
		log.WithField("path", path).Info("disk: creating new database file")
		buf := dm.newPageBuf()
		if err := dm.writeAt(0, buf); err != nil {
			return nil, errors.Wrap(err, "disk: write initial master page")
		}
		return dm, nil
	}

	if statErr != nil {
		return nil, errors.Wrapf(statErr, "disk: stat %s", path)
	}

	if err := dm.loadMaster(); err != nil {
		return nil, err
	}
	if err := dm.recoverHeaders(); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"path": path}).Info("disk: recovered existing database file")
	return dm, nil
}

// openBacking opens path for direct, page-aligned I/O when directIO is
// requested, falling back to a regular buffered-through-kernel file
// handle on platforms directio rejects (darwin lacks O_DIRECT;
// directio.OpenFile returns an error there) or when directIO is false.
func openBacking(path string, directIO bool) (*os.File, bool, error) {
	if directIO {
		f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err == nil {
			return f, true, nil
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, false, err
	}
	return f, false, nil
}

// newPageBuf returns a zeroed, correctly aligned page-sized buffer.
func (dm *Manager) newPageBuf() []byte {
	if dm.aligned {
		return directio.AlignedBlock(PageSize)
	}
	return make([]byte, PageSize)
}

func pageOffset(id PageID) int64 {
	return (int64(id) + 2 + int64(id)/DataPagesPerHeader) * PageSize
}

func headerOffset(headerIdx int) int64 {
	return pageOffset(PageID(headerIdx)*DataPagesPerHeader) - PageSize
}

func (dm *Manager) readAt(off int64, buf []byte) error {
	n, err := dm.file.ReadAt(buf, off)
	if err != nil {
		return errors.Wrapf(err, "disk: read at offset %d", off)
	}
	if n != len(buf) {
		return errors.Errorf("disk: short read at offset %d: got %d want %d", off, n, len(buf))
	}
	return nil
}

func (dm *Manager) writeAt(off int64, buf []byte) error {
	n, err := dm.file.WriteAt(buf, off)
	if err != nil {
		return errors.Wrapf(err, "disk: write at offset %d", off)
	}
	if n != len(buf) {
		return errors.Errorf("disk: short write at offset %d: got %d want %d", off, n, len(buf))
	}
	if err := unix.Fdatasync(int(dm.file.Fd())); err != nil {
		return errors.Wrap(err, "disk: fdatasync")
	}
	return nil
}

func (dm *Manager) loadMaster() error {
	buf := dm.newPageBuf()
	if err := dm.readAt(0, buf); err != nil {
		return err
	}
	for i := 0; i < MaxHeaderPages; i++ {
		dm.master[i] = leUint16(buf[i*masterCounterSize:])
	}
	return nil
}

func (dm *Manager) flushMaster() error {
	buf := dm.newPageBuf()
	for i := 0; i < MaxHeaderPages; i++ {
		putLEUint16(buf[i*masterCounterSize:], dm.master[i])
	}
	return dm.writeAt(0, buf)
}

// recoverHeaders loads every header page whose master counter is
// nonzero. The original reference scans bottom-up with an unsigned
// loop counter that underflows past zero (see spec's REDESIGN FLAGS);
// this walks top-down with a signed, explicitly bounded loop instead.
func (dm *Manager) recoverHeaders() error {
	for h := MaxHeaderPages - 1; h >= 0; h-- {
		if dm.master[h] == 0 {
			continue
		}
		buf := dm.newPageBuf()
		if err := dm.readAt(headerOffset(h), buf); err != nil {
			return err
		}
		dm.headers[h] = &headerPage{buf: buf}
	}
	return nil
}

func (dm *Manager) flushHeader(h int) error {
	hp, ok := dm.headers[h]
	if !ok {
		return nil
	}
	return dm.writeAt(headerOffset(h), hp.buf)
}

// AllocPage scans the master array for the first header with spare
// capacity, lazily materializes its bitmap if absent, finds the first
// clear bit, zeros the backing data page, and flushes both the data
// page and the updated header/master pages.
func (dm *Manager) AllocPage() (PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	for h := 0; h < MaxHeaderPages; h++ {
		if dm.master[h] >= DataPagesPerHeader {
			continue
		}
		hp, ok := dm.headers[h]
		if !ok {
			hp = &headerPage{buf: dm.newPageBuf()}
			dm.headers[h] = hp
		}
		idx, found := firstClearBit(hp.buf)
		if !found {
			continue // counter says room but bitmap disagrees; try next header
		}
		setBit(hp.buf, idx)
		pid := PageID(h*DataPagesPerHeader + idx)

		zero := dm.newPageBuf()
		if err := dm.writeAt(pageOffset(pid), zero); err != nil {
			clearBit(hp.buf, idx)
			return InvalidPageID, err
		}
		dm.master[h]++
		if err := dm.flushHeader(h); err != nil {
			return InvalidPageID, err
		}
		if err := dm.flushMaster(); err != nil {
			return InvalidPageID, err
		}
		dm.log.WithField("page_id", pid).Debug("disk: allocated page")
		return pid, nil
	}
	return InvalidPageID, errors.New("disk: no space left in file")
}

// FreePage clears the bit for id. Freeing an already-free page is an
// I/O error (double free is not silently ignored), matching the
// original disk manager's behavior.
func (dm *Manager) FreePage(id PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	h, idx := int(id)/DataPagesPerHeader, int(id)%DataPagesPerHeader
	hp, ok := dm.headers[h]
	if !ok || !testBit(hp.buf, idx) {
		return errors.Errorf("disk: double free of page %d", id)
	}
	clearBit(hp.buf, idx)
	dm.master[h]--
	if err := dm.flushHeader(h); err != nil {
		return err
	}
	if err := dm.flushMaster(); err != nil {
		return err
	}
	dm.log.WithField("page_id", id).Debug("disk: freed page")
	return nil
}

// PageAllocated reports whether id's bit is set.
func (dm *Manager) PageAllocated(id PageID) bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.pageAllocatedLocked(id)
}

func (dm *Manager) pageAllocatedLocked(id PageID) bool {
	if id < 0 || int64(id) >= MaxDataPages {
		return false
	}
	h, idx := int(id)/DataPagesPerHeader, int(id)%DataPagesPerHeader
	hp, ok := dm.headers[h]
	if !ok {
		return false
	}
	return testBit(hp.buf, idx)
}

// DirectIO reports whether the backing file ended up opened for
// direct, page-aligned I/O. This can be false even when Open was
// asked for direct I/O, on platforms (e.g. darwin) where O_DIRECT is
// unavailable and openBacking fell back to a regular file handle.
func (dm *Manager) DirectIO() bool { return dm.aligned }

// ReadPage reads the data page id into buf, which must be exactly
// PageSize bytes (and page-aligned, if the backing file was opened
// with direct I/O — callers should obtain buffers via NewAlignedPage).
func (dm *Manager) ReadPage(id PageID, buf []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if !dm.pageAllocatedLocked(id) {
		return errors.Errorf("disk: read of unallocated page %d", id)
	}
	if len(buf) != PageSize {
		return fmt.Errorf("disk: buffer size %d != PageSize", len(buf))
	}
	return dm.readAt(pageOffset(id), buf)
}

// WritePage writes buf (exactly PageSize bytes) to data page id.
func (dm *Manager) WritePage(id PageID, buf []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if !dm.pageAllocatedLocked(id) {
		return errors.Errorf("disk: write of unallocated page %d", id)
	}
	if len(buf) != PageSize {
		return fmt.Errorf("disk: buffer size %d != PageSize", len(buf))
	}
	return dm.writeAt(pageOffset(id), buf)
}

// NewAlignedPage returns a zeroed, correctly aligned page-sized
// buffer suitable for ReadPage/WritePage.
func (dm *Manager) NewAlignedPage() []byte {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.newPageBuf()
}

// Close closes the backing file.
func (dm *Manager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.file.Close()
}
