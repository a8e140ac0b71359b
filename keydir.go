package kegdb

import "sync"

// keydirEntry is the in-memory location of a key's most recent live value.
type keydirEntry struct {
	Segment   segmentID
	Index     recordIndex
	Timestamp int64
}

// keydir is the concurrent key -> location mapping. It's the single source
// of truth about which version of a key is live; readers and the writer
// both consult it, but only the writer (and merge, which runs under the
// writer's lock) ever mutates it.
//
// A plain map guarded by one RWMutex is sufficient here since all mutation
// is already serialized through the writer lock and merge runs under it as
// well; a sync.Map or sharded map would only help if writers could race
// each other, which they can't by design.
type keydir struct {
	mu      sync.RWMutex
	entries map[string]keydirEntry
}

func newKeydir() *keydir {
	return &keydir{entries: make(map[string]keydirEntry)}
}

func (k *keydir) lookup(key []byte) (keydirEntry, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.entries[string(key)]
	return e, ok
}

// insert upserts key's location and returns the previous entry, if any.
func (k *keydir) insert(key []byte, e keydirEntry) (keydirEntry, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	prev, ok := k.entries[string(key)]
	k.entries[string(key)] = e
	return prev, ok
}

// remove deletes key's entry and returns it, if it existed.
func (k *keydir) remove(key []byte) (keydirEntry, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	prev, ok := k.entries[string(key)]
	if ok {
		delete(k.entries, string(key))
	}
	return prev, ok
}

// casReplace atomically swaps the entry for key from old to updated, but
// only if the current entry still equals old. It's used by merge to repoint
// an entry to the merge segment without clobbering a concurrent overwrite
// or delete.
func (k *keydir) casReplace(key []byte, old, updated keydirEntry) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	cur, ok := k.entries[string(key)]
	if !ok || cur != old {
		return false
	}
	k.entries[string(key)] = updated
	return true
}

// keydirSnapshotEntry is one (key, entry) pair returned by snapshotSegments.
type keydirSnapshotEntry struct {
	Key   []byte
	Entry keydirEntry
}

// snapshotSegments returns every (key, entry) pair currently pointing at one
// of the given segments, letting the caller (merge) iterate and do I/O
// without holding the keydir lock.
func (k *keydir) snapshotSegments(segments map[segmentID]struct{}) []keydirSnapshotEntry {
	k.mu.RLock()
	defer k.mu.RUnlock()

	var out []keydirSnapshotEntry
	for key, e := range k.entries {
		if _, ok := segments[e.Segment]; ok {
			out = append(out, keydirSnapshotEntry{Key: []byte(key), Entry: e})
		}
	}
	return out
}

func (k *keydir) len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.entries)
}

// segmentStats tracks live/dead accounting for one segment.
type segmentStats struct {
	LiveKeys  int64
	DeadKeys  int64
	DeadBytes int64
}

// fragmentation is dead_keys / (dead_keys + live_keys), defined as 0 when
// both are 0.
func (s segmentStats) fragmentation() float64 {
	total := s.LiveKeys + s.DeadKeys
	if total == 0 {
		return 0
	}
	return float64(s.DeadKeys) / float64(total)
}

// statsTable is the concurrent segment_id -> segmentStats mapping.
type statsTable struct {
	mu sync.Mutex
	m  map[segmentID]*segmentStats
}

func newStatsTable() *statsTable {
	return &statsTable{m: make(map[segmentID]*segmentStats)}
}

func (t *statsTable) get(id segmentID) segmentStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.m[id]; ok {
		return *s
	}
	return segmentStats{}
}

func (t *statsTable) addLive(id segmentID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entry(id).LiveKeys++
}

func (t *statsTable) addDead(id segmentID, nbytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.entry(id)
	s.DeadKeys++
	s.DeadBytes += nbytes
}

// overwrite turns a live key into a dead one, e.g. when a put/delete
// supersedes an earlier record.
func (t *statsTable) overwrite(id segmentID, nbytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.entry(id)
	s.LiveKeys--
	s.DeadKeys++
	s.DeadBytes += nbytes
}

func (t *statsTable) remove(id segmentID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, id)
}

func (t *statsTable) entry(id segmentID) *segmentStats {
	s, ok := t.m[id]
	if !ok {
		s = &segmentStats{}
		t.m[id] = s
	}
	return s
}

// snapshot returns a copy of every segment's stats, for merge selection and
// diagnostics.
func (t *statsTable) snapshot() map[segmentID]segmentStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[segmentID]segmentStats, len(t.m))
	for id, s := range t.m {
		out[id] = *s
	}
	return out
}
