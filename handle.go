package kegdb

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

// mergedSet tracks segment IDs retired by a completed merge. Readers consult
// it lazily, on their next lookup, to evict cached mappings for segments
// that may since have been unlinked. It's a thin wrapper around a set type
// rather than a plain map[segmentID]struct{} guarded by a mutex, since the
// set already gives concurrent-safe add/iterate for this role.
type mergedSet struct {
	set mapset.Set[segmentID]
}

func newMergedSet() *mergedSet {
	return &mergedSet{set: mapset.NewSet[segmentID]()}
}

func (m *mergedSet) add(ids map[segmentID]struct{}) {
	for id := range ids {
		m.set.Add(id)
	}
}

// snapshot returns the current members as a plain map, the shape
// segmentCache.evict expects.
func (m *mergedSet) snapshot() map[segmentID]struct{} {
	out := make(map[segmentID]struct{}, m.set.Cardinality())
	for id := range m.set.Iter() {
		out[id] = struct{}{}
	}
	return out
}

// engineContext is the state shared by the writer, the reader pool, and the
// background merge task: the directory, configuration, KeyDir, per-segment
// stats, the merged-segment set, the logger, and the monotonic counter that
// hands out fresh segment IDs.
type engineContext struct {
	dir    string
	cfg    Config
	keydir *keydir
	stats  *statsTable
	merged *mergedSet
	logger *zap.SugaredLogger

	nextID atomic.Uint64
}

// claimNextSegmentID atomically reserves and returns the next unused
// segment ID. Both rollover and merge use it, so segment IDs are strictly
// increasing across the engine's lifetime regardless of which path claimed
// them.
func (c *engineContext) claimNextSegmentID() segmentID {
	return segmentID(c.nextID.Add(1) - 1)
}

// Engine owns one open storage directory: the recovered KeyDir, the sole
// writer, the reader pool, and the background merge task. Create one with
// Open and obtain a Handle from it to perform operations.
type Engine struct {
	ctx    *engineContext
	writer *writer
	pool   *readerPool

	closing chan struct{}
	closeMu sync.Mutex
	closed  atomic.Bool
	mergeWg sync.WaitGroup
}

// Open recovers dir (creating it if it doesn't exist) and returns a ready
// Engine. Exactly one Engine should hold a given directory open at a time;
// the package does not itself arbitrate across OS processes or enforce
// single-writer access.
func Open(dir string, opts ...Option) (*Engine, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("kegdb: open %s: %w", dir, err)
	}

	kd, st, nextID, err := recoverDir(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("kegdb: recover %s: %w", dir, err)
	}

	ctx := &engineContext{
		dir:    dir,
		cfg:    cfg,
		keydir: kd,
		stats:  st,
		merged: newMergedSet(),
		logger: logger,
	}
	ctx.nextID.Store(uint64(nextID))

	// The active segment is always a fresh one, never a reused existing
	// file, even if the last segment left before shutdown was short.
	activeID := ctx.claimNextSegmentID()
	w, err := newWriter(ctx, activeID)
	if err != nil {
		return nil, fmt.Errorf("kegdb: open active segment: %w", err)
	}

	e := &Engine{
		ctx:     ctx,
		writer:  w,
		pool:    newReaderPool(ctx, cfg.Concurrency),
		closing: make(chan struct{}),
	}

	if cfg.Merge.Enable {
		e.mergeWg.Add(1)
		go func() {
			defer e.mergeWg.Done()
			runMergeTask(ctx, w, e.closing)
		}()
	}

	if cfg.Sync.Kind == SyncInterval {
		e.mergeWg.Add(1)
		go func() {
			defer e.mergeWg.Done()
			runSyncTask(w, cfg.Sync.Interval, e.closing)
		}()
	}

	return e, nil
}

// runSyncTask periodically fsyncs the active segment for the SyncInterval
// durability policy.
func runSyncTask(w *writer, interval time.Duration, closing <-chan struct{}) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.flushForSyncInterval(); err != nil {
				w.ctx.logger.Errorw("interval sync failed", "error", err)
			}
		case <-closing:
			return
		}
	}
}

// Handle returns a client-facing handle to the engine. A Handle is cheap to
// create and safe to share across goroutines; all of them route through the
// same writer and reader pool.
func (e *Engine) Handle() *Handle {
	return &Handle{engine: e}
}

// Close stops the background merge task and flushes and closes the active
// segment. It's idempotent.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed.Load() {
		return nil
	}
	e.closed.Store(true)

	close(e.closing)
	e.mergeWg.Wait()

	if err := e.writer.close(); err != nil {
		return err
	}
	e.pool.close()
	return nil
}

// Handle is the client-facing entry point for put/get/delete. Multiple
// Handles may share one Engine; none of their methods need external
// synchronization.
type Handle struct {
	engine *Engine
}

// Put stores val under key, replacing any previous value.
func (h *Handle) Put(key, val []byte) error {
	if h.engine.closed.Load() {
		return ErrClosed
	}
	return h.engine.writer.put(key, val)
}

// Delete removes key, if present, and reports whether it was present.
func (h *Handle) Delete(key []byte) (bool, error) {
	if h.engine.closed.Load() {
		return false, ErrClosed
	}
	return h.engine.writer.delete(key)
}

// Get returns the current value for key. The second return value is false
// if key has no live entry.
func (h *Handle) Get(key []byte) ([]byte, bool, error) {
	if h.engine.closed.Load() {
		return nil, false, ErrClosed
	}
	return h.engine.pool.withReader(func(rc *readerContext) ([]byte, bool, error) {
		return rc.get(key)
	})
}

// Close closes the underlying Engine. Calling Close on any one Handle that
// shares an Engine with others closes it for all of them.
func (h *Handle) Close() error {
	return h.engine.Close()
}

// SegmentStats summarizes one segment's live/dead bookkeeping plus its
// current size on disk.
type SegmentStats struct {
	LiveKeys  int64
	DeadKeys  int64
	DeadBytes int64
	DiskSize  int64
}

// Stats aggregates every segment's bookkeeping into engine-wide totals plus
// a per-segment breakdown, exposing the same live/dead/size view merge
// candidate selection uses internally.
type Stats struct {
	LiveKeys  int64
	DeadKeys  int64
	DeadBytes int64
	DiskSize  int64
	Segments  map[segmentID]SegmentStats
}

// Stats reports live/dead key counts, dead bytes, and on-disk size, both
// totalled across the engine and broken down per segment.
func (h *Handle) Stats() (Stats, error) {
	if h.engine.closed.Load() {
		return Stats{}, ErrClosed
	}
	return h.engine.statsSnapshot()
}

func (e *Engine) statsSnapshot() (Stats, error) {
	snap := e.ctx.stats.snapshot()
	out := Stats{Segments: make(map[segmentID]SegmentStats, len(snap))}

	for id, s := range snap {
		var size int64
		info, err := os.Stat(dataFilePath(e.ctx.dir, id))
		switch {
		case err == nil:
			size = info.Size()
		case os.IsNotExist(err):
			size = 0
		default:
			return Stats{}, fmt.Errorf("stat segment %d: %w", id, err)
		}

		ss := SegmentStats{LiveKeys: s.LiveKeys, DeadKeys: s.DeadKeys, DeadBytes: s.DeadBytes, DiskSize: size}
		out.Segments[id] = ss
		out.LiveKeys += ss.LiveKeys
		out.DeadKeys += ss.DeadKeys
		out.DeadBytes += ss.DeadBytes
		out.DiskSize += ss.DiskSize
	}
	return out, nil
}
