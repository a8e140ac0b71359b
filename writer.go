package kegdb

import (
	"fmt"
	"sync"
	"time"
)

// writer is the engine's sole mutator. put, delete, rollover, and merge all
// run under its mutex, so at most one writer operation is ever in flight.
// It owns the active segment's appender and byte counter, plus a small
// private segment cache used only during merge to mmap-read source segments
// without borrowing a context from the reader pool.
type writer struct {
	mu sync.Mutex

	ctx    *engineContext
	active *appendFile

	activeID     segmentID
	writtenBytes int64

	cache *segmentCache
}

func newWriter(ctx *engineContext, activeID segmentID) (*writer, error) {
	af, err := createAppendFile(dataFilePath(ctx.dir, activeID))
	if err != nil {
		return nil, fmt.Errorf("open active segment %d: %w", activeID, err)
	}
	return &writer{
		ctx:      ctx,
		active:   af,
		activeID: activeID,
		cache:    newSegmentCache(ctx.dir),
	}, nil
}

// put appends a record for key/value, updates the KeyDir and stats, and
// rolls the active segment over if it has grown past the configured
// threshold. The sequence is always append-then-index: if the process
// crashes between the two, recovery re-derives the KeyDir entry from the
// appended bytes, so the reverse order would be unsafe.
func (w *writer) put(key, val []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ts := time.Now().UnixNano()
	buf := encodeRecord(ts, key, val, false)

	idx, err := w.active.append(buf)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	w.writtenBytes += idx.Len

	if err := w.applySyncLocked(); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}

	entry := keydirEntry{Segment: w.activeID, Index: idx, Timestamp: ts}
	if prev, had := w.ctx.keydir.insert(key, entry); had {
		w.ctx.stats.overwrite(prev.Segment, prev.Index.Len)
	}
	w.ctx.stats.addLive(w.activeID)

	return w.maybeRolloverLocked()
}

// delete appends a tombstone and removes key from the KeyDir. It returns
// true only if key had a live entry to remove.
func (w *writer) delete(key []byte) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ts := time.Now().UnixNano()
	buf := encodeRecord(ts, key, nil, true)

	idx, err := w.active.append(buf)
	if err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}
	w.writtenBytes += idx.Len

	// The tombstone is dead on arrival: it's never referenced by the KeyDir.
	w.ctx.stats.addDead(w.activeID, idx.Len)

	if err := w.applySyncLocked(); err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}

	prev, had := w.ctx.keydir.remove(key)
	if had {
		w.ctx.stats.overwrite(prev.Segment, prev.Index.Len)
	}

	if err := w.maybeRolloverLocked(); err != nil {
		return had, err
	}
	return had, nil
}

// applySyncLocked makes the just-appended bytes visible to any reader that
// maps the active segment, and additionally fsyncs them to stable storage
// when the durability policy calls for it. The flush is unconditional: a
// reader's mapping only ever sees what the kernel has from a write syscall,
// regardless of sync policy, so skipping it here would strand the record
// the KeyDir is about to point at.
func (w *writer) applySyncLocked() error {
	if w.ctx.cfg.Sync.Kind == SyncEveryWrite {
		return w.active.sync()
	}
	return w.active.flush()
}

func (w *writer) maybeRolloverLocked() error {
	if w.writtenBytes <= w.ctx.cfg.MaxFileSize {
		return nil
	}
	return w.rolloverLocked(w.ctx.claimNextSegmentID())
}

// rolloverLocked flushes the current appender (so its bytes become safely
// mmap-visible to future readers) and opens a fresh active segment under
// newID.
func (w *writer) rolloverLocked(newID segmentID) error {
	if err := w.active.flush(); err != nil {
		return fmt.Errorf("rollover: flush segment %d: %w", w.activeID, err)
	}
	if err := w.active.close(); err != nil {
		return fmt.Errorf("rollover: close segment %d: %w", w.activeID, err)
	}

	af, err := createAppendFile(dataFilePath(w.ctx.dir, newID))
	if err != nil {
		return fmt.Errorf("rollover: open segment %d: %w", newID, err)
	}

	w.active = af
	w.activeID = newID
	w.writtenBytes = 0
	return nil
}

// close flushes and fsyncs the active segment before handing the engine
// instance back to the OS, regardless of sync policy, since a closed
// engine should never silently drop its last writes from the page cache's
// perspective.
func (w *writer) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.active.sync(); err != nil {
		return fmt.Errorf("close: sync active segment %d: %w", w.activeID, err)
	}
	if err := w.active.close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	w.cache.closeAll()
	return nil
}

func (w *writer) flushForSyncInterval() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active.sync()
}
