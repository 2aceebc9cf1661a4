package walog

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/naivedb/core/internal/storage/buffer"
	"github.com/naivedb/core/internal/storage/disk"
)

// Manager appends and reads log records through the buffer pool. It
// holds a single (page_id, page_offset) write cursor: records are
// packed densely into the current log page until one would overflow
// it, at which point the page is flushed, a new one is allocated, and
// the cursor resets to its start. Log pages are not linked to one
// another; an LSN encodes its page id directly.
//
// There is no log recovery across restarts: a fresh Manager always
// begins a new page. Durability of committed data is the WAL's job
// within a single run; cross-restart REDO is out of scope here.
type Manager struct {
	mu         sync.Mutex
	pool       *buffer.Pool
	pageID     disk.PageID
	pageOffset uint32
	log        logrus.FieldLogger
	runID      uuid.UUID
}

// NewManager allocates the first log page and returns a ready Manager.
func NewManager(pool *buffer.Pool, log logrus.FieldLogger) (*Manager, bool) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	g, ok := pool.NewPage()
	if !ok {
		return nil, false
	}
	pageID := g.PageID()
	g.Release()

	m := &Manager{
		pool:   pool,
		pageID: pageID,
		log:    log,
		runID:  uuid.New(),
	}
	m.log.WithFields(logrus.Fields{
		"run_id":       m.runID,
		"first_log_pg": pageID,
	}).Debug("walog: manager started")
	return m, true
}

// AppendRecord serializes rec and writes it at the current cursor,
// rolling onto a freshly allocated page if it would not
// fit in what remains of the current one. Records larger than a page
// can never be appended and yield InvalidLSN.
func (m *Manager) AppendRecord(rec *Record) (LSN, bool) {
	data := rec.Serialize()
	if len(data) > disk.PageSize {
		m.log.WithField("size", len(data)).Error("walog: record larger than a page")
		return InvalidLSN, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if int(m.pageOffset)+len(data) > disk.PageSize {
		if !m.rollPageLocked() {
			return InvalidLSN, false
		}
	}

	g, ok := m.pool.FetchPage(m.pageID)
	if !ok {
		m.log.WithField("page_id", m.pageID).Error("walog: fetch current log page failed")
		return InvalidLSN, false
	}
	buf := g.DataMut()
	copy(buf[m.pageOffset:], data)
	g.Release()

	lsn := LSN(int64(m.pageID)*disk.PageSize + int64(m.pageOffset))
	m.pageOffset += uint32(len(data))
	return lsn, true
}

// rollPageLocked flushes the current log page and allocates a new one,
// making it the current page. Caller holds m.mu.
func (m *Manager) rollPageLocked() bool {
	if !m.pool.FlushPage(m.pageID) {
		m.log.WithField("page_id", m.pageID).Error("walog: flush before roll failed")
		return false
	}
	g, ok := m.pool.NewPage()
	if !ok {
		m.log.Error("walog: allocate next log page failed")
		return false
	}
	m.pageID = g.PageID()
	m.pageOffset = 0
	g.Release()
	return true
}

// GetRecord fetches and deserializes the record located at lsn.
func (m *Manager) GetRecord(lsn LSN) (*Record, bool) {
	if lsn == InvalidLSN {
		return nil, false
	}
	pageID := disk.PageID(int64(lsn) / disk.PageSize)
	offset := int64(lsn) % disk.PageSize

	g, ok := m.pool.FetchPage(pageID)
	if !ok {
		m.log.WithField("page_id", pageID).Error("walog: fetch record page failed")
		return nil, false
	}
	defer g.Release()
	return DeserializeRecord(g.Data()[offset:])
}

// Flush writes the current log page back to disk, making every record
// appended so far durable.
func (m *Manager) Flush() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.FlushPage(m.pageID)
}
