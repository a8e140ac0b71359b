package kegdb

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// cachedSegment is one entry in a segmentCache: the open file handle and its
// mapping, kept around so repeated reads against the same segment don't pay
// for a fresh open+mmap every time. mappedSize is how many bytes of the file
// the current mapping covers.
type cachedSegment struct {
	file       *os.File
	region     *mmapRegion
	mappedSize int64
}

// segmentCache is a private, single-owner cache of open segment mappings.
// Each reader context and the writer's own merge-time reads get one; they
// are never shared across goroutines, so no locking is needed: reader-local
// caches are not shared.
type segmentCache struct {
	dir     string
	entries map[segmentID]*cachedSegment
}

func newSegmentCache(dir string) *segmentCache {
	return &segmentCache{dir: dir, entries: make(map[segmentID]*cachedSegment)}
}

// get returns a mapping for id covering at least minSize bytes, opening and
// mapping it on first use. If a cached mapping exists but is shorter than
// minSize, it's remapped to the file's current length: this only happens
// for the still-active segment, since every other segment is immutable and
// was mapped at its final size to begin with.
func (c *segmentCache) get(id segmentID, minSize int64) (*mmapRegion, error) {
	if cs, ok := c.entries[id]; ok {
		if cs.mappedSize >= minSize {
			return cs.region, nil
		}

		info, err := cs.file.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat segment %d: %w", id, err)
		}
		if err := cs.region.unmap(); err != nil {
			return nil, fmt.Errorf("remap segment %d: %w", id, err)
		}
		region, err := mmapFile(cs.file, info.Size())
		if err != nil {
			return nil, fmt.Errorf("remap segment %d: %w", id, err)
		}
		cs.region = region
		cs.mappedSize = info.Size()
		return region, nil
	}

	path := dataFilePath(c.dir, id)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment %d: %w", id, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat segment %d: %w", id, err)
	}

	region, err := mmapFile(f, info.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map segment %d: %w", id, err)
	}

	c.entries[id] = &cachedSegment{file: f, region: region, mappedSize: info.Size()}
	return region, nil
}

// evict unmaps and closes every cached segment present in ids. Under Unix
// unlink semantics a mapping of an unlinked file stays readable until it is
// unmapped, so a merged-away segment remains readable through this cache
// until evict runs; afterwards a *mmapRegion previously returned for it is
// no longer readable and the cache no longer hands it out.
func (c *segmentCache) evict(ids map[segmentID]struct{}) {
	for id := range ids {
		if cs, ok := c.entries[id]; ok {
			_ = cs.region.unmap()
			_ = cs.file.Close()
			delete(c.entries, id)
		}
	}
}

func (c *segmentCache) closeAll() {
	for id := range c.entries {
		cs := c.entries[id]
		_ = cs.region.unmap()
		_ = cs.file.Close()
		delete(c.entries, id)
	}
}

// readerContext is one slot in the reader pool: a private segment cache
// plus the shared engine context needed to resolve a get.
type readerContext struct {
	ctx   *engineContext
	cache *segmentCache
}

func newReaderContext(ctx *engineContext) *readerContext {
	return &readerContext{ctx: ctx, cache: newSegmentCache(ctx.dir)}
}

// get resolves a single key. It returns (nil, false, nil) when the key has
// no live entry.
func (r *readerContext) get(key []byte) ([]byte, bool, error) {
	entry, ok := r.ctx.keydir.lookup(key)
	if !ok {
		return nil, false, nil
	}

	// Evict any segment this cache still holds that has since been merged
	// away; its file may have been unlinked.
	r.cache.evict(r.ctx.merged.snapshot())

	region, err := r.cache.get(entry.Segment, entry.Index.Pos+entry.Index.Len)
	if err != nil {
		return nil, false, err
	}

	rec, err := readRecordAt(region, entry.Index, true)
	if err != nil {
		return nil, false, fmt.Errorf("read key %q at segment %d: %w", key, entry.Segment, err)
	}
	return rec.Value, true, nil
}

func (r *readerContext) close() {
	r.cache.closeAll()
}

// readerPool is a bounded, fixed-size pool of reader contexts.
// Callers dequeue a context, use it, and enqueue it back; when the pool is
// empty the caller spins with a backoff instead of blocking on a channel
// receive, so it never parks the calling goroutine on the runtime's wait
// queues.
type readerPool struct {
	slots    chan *readerContext
	contexts []*readerContext
	spins    atomic.Uint64 // observability: total spin iterations across the pool's life
}

func newReaderPool(ctx *engineContext, n int) *readerPool {
	if n < 1 {
		n = 1
	}
	p := &readerPool{slots: make(chan *readerContext, n)}
	for i := 0; i < n; i++ {
		rc := newReaderContext(ctx)
		p.contexts = append(p.contexts, rc)
		p.slots <- rc
	}
	return p
}

func (p *readerPool) acquire() *readerContext {
	backoff := time.Microsecond
	for {
		select {
		case rc := <-p.slots:
			return rc
		default:
		}
		p.spins.Add(1)
		time.Sleep(backoff)
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
}

func (p *readerPool) release(rc *readerContext) {
	p.slots <- rc
}

// withReader acquires a context, runs fn, and always releases it back.
func (p *readerPool) withReader(fn func(*readerContext) ([]byte, bool, error)) ([]byte, bool, error) {
	rc := p.acquire()
	defer p.release(rc)
	return fn(rc)
}

func (p *readerPool) close() {
	for _, rc := range p.contexts {
		rc.close()
	}
}

// spinIterations reports how many times a caller had to spin waiting for a
// free reader context, for tests and diagnostics.
func (p *readerPool) spinIterations() uint64 {
	return p.spins.Load()
}
