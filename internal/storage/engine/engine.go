// Package engine composes the storage layers (disk, buffer, table,
// walog, txn, lockmgr, txnmgr) into a single runnable unit, plus the
// ambient concerns around them: configuration and a periodic
// occupancy-stats job.
package engine

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/naivedb/core/internal/storage/buffer"
	"github.com/naivedb/core/internal/storage/disk"
	"github.com/naivedb/core/internal/storage/lockmgr"
	"github.com/naivedb/core/internal/storage/table"
	"github.com/naivedb/core/internal/storage/txn"
	"github.com/naivedb/core/internal/storage/txnmgr"
	"github.com/naivedb/core/internal/storage/walog"
)

// Engine owns one database instance's full storage stack.
type Engine struct {
	cfg Config
	log logrus.FieldLogger

	disk    *disk.Manager
	pool    *buffer.Pool
	walDisk *disk.Manager
	walPool *buffer.Pool
	logMgr  *walog.Manager

	txnTable *txn.Table
	lockMgr  *lockmgr.Manager
	txnMgr   *txnmgr.Manager

	heapsMu sync.RWMutex
	heaps   map[disk.PageID]*table.TableHeap

	cron *cron.Cron
}

// Open wires up every layer per cfg: the disk manager over
// cfg.DataPath (honoring cfg.DirectIO), a buffer pool of
// cfg.BufferPoolFrames frames, a second disk manager and buffer pool
// over cfg.WALPath carrying the log manager (the WAL gets its own
// backing file so log I/O never contends with table page I/O), the
// transaction table, lock manager (optionally running its background
// deadlock detector), and the transaction manager tying them together.
func Open(cfg Config, log logrus.FieldLogger) (*Engine, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	dm, err := disk.Open(cfg.DataPath, cfg.DirectIO, log.WithField("component", "disk"))
	if err != nil {
		return nil, errors.Wrap(err, "engine: open disk manager")
	}

	pool := buffer.NewPool(dm, cfg.BufferPoolFrames, log.WithField("component", "buffer"))

	walDisk, err := disk.Open(cfg.WALPath, cfg.DirectIO, log.WithField("component", "wal-disk"))
	if err != nil {
		dm.Close()
		return nil, errors.Wrap(err, "engine: open wal disk manager")
	}
	walPool := buffer.NewPool(walDisk, cfg.BufferPoolFrames, log.WithField("component", "wal-buffer"))

	logMgr, ok := walog.NewManager(walPool, log.WithField("component", "walog"))
	if !ok {
		walDisk.Close()
		dm.Close()
		return nil, errors.New("engine: failed to start log manager")
	}

	txnTable := txn.NewTable()
	lockMgr := lockmgr.NewManager(txnTable, log.WithField("component", "lockmgr"))
	if cfg.EnableDeadlockScan {
		interval := cfg.DeadlockInterval
		if interval <= 0 {
			interval = lockmgr.DefaultDetectionInterval
		}
		lockMgr.StartDeadlockDetector(interval)
	}

	e := &Engine{
		cfg:      cfg,
		log:      log,
		disk:     dm,
		pool:     pool,
		walDisk:  walDisk,
		walPool:  walPool,
		logMgr:   logMgr,
		txnTable: txnTable,
		lockMgr:  lockMgr,
		heaps:    make(map[disk.PageID]*table.TableHeap),
	}
	e.txnMgr = txnmgr.NewManager(txnTable, lockMgr, logMgr, e.lookupHeap, log.WithField("component", "txnmgr"))

	if cfg.StatsInterval != "" {
		if err := e.startStatsJob(cfg.StatsInterval); err != nil {
			log.WithError(err).Warn("engine: stats job disabled, invalid schedule")
		}
	}

	return e, nil
}

// CreateHeap allocates a new table heap and registers it by its root
// page id for rollback lookups (see lookupHeap).
func (e *Engine) CreateHeap() (*table.TableHeap, error) {
	heap, ok := table.New(e.pool)
	if !ok {
		return nil, errors.New("engine: failed to create table heap")
	}
	e.heapsMu.Lock()
	e.heaps[heap.RootPageID()] = heap
	e.heapsMu.Unlock()
	return heap, nil
}

// OpenHeap reopens a table heap given its root page id and registers
// it the same way CreateHeap does.
func (e *Engine) OpenHeap(rootPageID disk.PageID) *table.TableHeap {
	heap := table.Open(e.pool, rootPageID)
	e.heapsMu.Lock()
	e.heaps[rootPageID] = heap
	e.heapsMu.Unlock()
	return heap
}

// lookupHeap resolves the page id stored in a rollback record to a
// registered table heap. With exactly one registered heap it returns
// that heap regardless of pageID. With several, it matches pageID
// against the heaps' root page ids only: heap chains are not walked,
// so a page other than a root resolves to nil and rollback skips
// that record.
func (e *Engine) lookupHeap(pageID int64) *table.TableHeap {
	e.heapsMu.RLock()
	defer e.heapsMu.RUnlock()
	if len(e.heaps) == 1 {
		for _, h := range e.heaps {
			return h
		}
	}
	if h, ok := e.heaps[disk.PageID(pageID)]; ok {
		return h
	}
	return nil
}

// TxnManager returns the engine's transaction manager.
func (e *Engine) TxnManager() *txnmgr.Manager { return e.txnMgr }

// LockManager returns the engine's lock manager.
func (e *Engine) LockManager() *lockmgr.Manager { return e.lockMgr }

// BufferPool returns the engine's buffer pool.
func (e *Engine) BufferPool() *buffer.Pool { return e.pool }

// startStatsJob schedules the periodic stats log (data and WAL buffer
// pool occupancy, live transaction count) on the given cron expression using a UTC-located cron.Cron wrapping
// a single AddFunc job.
func (e *Engine) startStatsJob(expr string) error {
	loc, err := time.LoadLocation("UTC")
	if err != nil {
		loc = time.UTC
	}
	e.cron = cron.New(cron.WithLocation(loc))
	if _, err := e.cron.AddFunc(expr, e.logStats); err != nil {
		return errors.Wrapf(err, "engine: parse stats schedule %q", expr)
	}
	e.cron.Start()
	return nil
}

func (e *Engine) logStats() {
	pinned, free, replacerSize := e.pool.Occupancy()
	walPinned, walFree, walReplacerSize := e.walPool.Occupancy()
	e.log.WithFields(logrus.Fields{
		"pool_size":         e.pool.PoolSize(),
		"pinned":            pinned,
		"free":              free,
		"replacer_size":     replacerSize,
		"wal_pool_size":     e.walPool.PoolSize(),
		"wal_pinned":        walPinned,
		"wal_free":          walFree,
		"wal_replacer_size": walReplacerSize,
		"live_txns":         humanize.Comma(int64(e.txnTable.Len())),
	}).Info("engine: periodic occupancy stats")
}

// Close stops the stats job and deadlock detector, flushes every
// dirty page on both the data and WAL files, and closes them.
func (e *Engine) Close() error {
	if e.cron != nil {
		ctx := e.cron.Stop()
		<-ctx.Done()
	}
	e.lockMgr.Stop()
	e.pool.FlushAllPages()
	e.walPool.FlushAllPages()
	if err := e.walDisk.Close(); err != nil {
		e.disk.Close()
		return errors.Wrap(err, "engine: close wal disk manager")
	}
	return e.disk.Close()
}
