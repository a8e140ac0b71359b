package kegdb

import (
	"fmt"
	"math/rand"
	"os"
	"time"
)

// runMergeTask is the background loop that periodically checks whether a
// merge is warranted and, if so, runs one under the writer lock. It exits
// when closing is closed.
func runMergeTask(ctx *engineContext, w *writer, closing <-chan struct{}) {
	for {
		wait := jitteredInterval(ctx.cfg.Merge.CheckInterval, ctx.cfg.Merge.CheckJitter)
		select {
		case <-time.After(wait):
		case <-closing:
			return
		}

		if !ctx.cfg.Merge.Enable {
			continue
		}
		if !inMergeWindow(time.Now(), ctx.cfg.Merge.WindowStart, ctx.cfg.Merge.WindowEnd) {
			continue
		}
		if !anySegmentExceedsTriggers(ctx) {
			continue
		}

		w.mu.Lock()
		err := performMerge(ctx, w)
		w.mu.Unlock()
		if err != nil {
			ctx.logger.Errorw("merge failed", "error", err)
		}
	}
}

// jitteredInterval returns base scaled by a uniformly random factor in
// [1-jitter, 1+jitter], so many engines sharing a check interval don't all
// wake up and scan stats in lockstep.
func jitteredInterval(base time.Duration, jitter float64) time.Duration {
	if base <= 0 {
		return 0
	}
	spread := float64(base) * jitter
	lo := float64(base) - spread
	if lo < 0 {
		lo = 0
	}
	hi := float64(base) + spread
	return time.Duration(lo + rand.Float64()*(hi-lo))
}

// inMergeWindow reports whether now's offset from local midnight falls in
// [start, end). A window that wraps past midnight (start > end) is
// interpreted as the union of [start, 24h) and [0, end). now is a parameter
// rather than a clock read internally, which is what makes this function
// unit-testable without sleeping.
func inMergeWindow(now time.Time, start, end time.Duration) bool {
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	offset := now.Sub(midnight)

	if start <= end {
		return offset >= start && offset < end
	}
	return offset >= start || offset < end
}

func anySegmentExceedsTriggers(ctx *engineContext) bool {
	triggers := ctx.cfg.Merge.Triggers
	for _, s := range ctx.stats.snapshot() {
		if s.DeadBytes >= triggers.DeadBytes || s.fragmentation() >= triggers.Fragmentation {
			return true
		}
	}
	return false
}

// selectMergeCandidates picks every non-active segment whose stats or file
// size clear the merge thresholds. The active segment is always excluded
// since it's still being written to.
func selectMergeCandidates(ctx *engineContext, activeID segmentID) (map[segmentID]struct{}, error) {
	thresholds := ctx.cfg.Merge.Thresholds
	candidates := make(map[segmentID]struct{})

	for id, s := range ctx.stats.snapshot() {
		if id == activeID {
			continue
		}
		info, err := os.Stat(dataFilePath(ctx.dir, id))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		if s.DeadBytes >= thresholds.DeadBytes ||
			s.fragmentation() >= thresholds.Fragmentation ||
			info.Size() <= thresholds.SmallFile {
			candidates[id] = struct{}{}
		}
	}
	return candidates, nil
}

// mergeOutput accumulates the new segments a merge writes before anything
// observable (the KeyDir, stats, merged set, or the old segment files) is
// touched, so an error partway through can be undone cleanly by deleting
// only the in-progress output: merge is all-or-nothing from the KeyDir's
// point of view.
type mergeOutput struct {
	dir      string
	segments []segmentID
	data     map[segmentID]*appendFile
	hints    map[segmentID]*appendFile
	liveCnt  map[segmentID]int64
}

func newMergeOutput(dir string) *mergeOutput {
	return &mergeOutput{
		dir:     dir,
		data:    make(map[segmentID]*appendFile),
		hints:   make(map[segmentID]*appendFile),
		liveCnt: make(map[segmentID]int64),
	}
}

func (o *mergeOutput) openSegment(id segmentID) error {
	data, err := createAppendFile(dataFilePath(o.dir, id))
	if err != nil {
		return fmt.Errorf("open merge segment %d: %w", id, err)
	}
	hint, err := createAppendFile(hintFilePath(o.dir, id))
	if err != nil {
		data.close()
		return fmt.Errorf("open merge hint %d: %w", id, err)
	}
	o.segments = append(o.segments, id)
	o.data[id] = data
	o.hints[id] = hint
	return nil
}

func (o *mergeOutput) syncAll() error {
	for _, id := range o.segments {
		if err := o.data[id].sync(); err != nil {
			return fmt.Errorf("sync merge segment %d: %w", id, err)
		}
		if err := o.hints[id].sync(); err != nil {
			return fmt.Errorf("sync merge hint %d: %w", id, err)
		}
	}
	return nil
}

// abort closes and removes every file this merge output has created so
// far. Nothing outside mergeOutput has been mutated yet when this runs.
func (o *mergeOutput) abort() {
	for _, id := range o.segments {
		o.data[id].close()
		o.hints[id].close()
		os.Remove(dataFilePath(o.dir, id))
		os.Remove(hintFilePath(o.dir, id))
	}
}

func (o *mergeOutput) closeAll() error {
	for _, id := range o.segments {
		if err := o.data[id].close(); err != nil {
			return err
		}
		if err := o.hints[id].close(); err != nil {
			return err
		}
	}
	return nil
}

// pendingUpdate is a KeyDir repoint merge wants to apply once the copy loop
// has fully succeeded.
type pendingUpdate struct {
	key string
	old keydirEntry
	new keydirEntry
}

// performMerge runs one merge pass to completion or leaves the engine's
// observable state untouched. The caller must hold w.mu: the merge executes
// synchronously under the writer lock, so no put/delete can proceed while
// it runs.
func performMerge(ctx *engineContext, w *writer) error {
	candidates, err := selectMergeCandidates(ctx, w.activeID)
	if err != nil {
		return fmt.Errorf("merge: select candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	entries := ctx.keydir.snapshotSegments(candidates)

	out := newMergeOutput(ctx.dir)
	if err := out.openSegment(ctx.claimNextSegmentID()); err != nil {
		return fmt.Errorf("merge: %w", err)
	}

	var updates []pendingUpdate

	for _, se := range entries {
		cur := out.segments[len(out.segments)-1]

		region, err := w.cache.get(se.Entry.Segment, se.Entry.Index.Pos+se.Entry.Index.Len)
		if err != nil {
			out.abort()
			return fmt.Errorf("merge: read source segment %d: %w", se.Entry.Segment, err)
		}

		raw := make([]byte, se.Entry.Index.Len)
		if _, err := region.ReadAt(raw, se.Entry.Index.Pos); err != nil {
			out.abort()
			return fmt.Errorf("merge: copy record for key %q: %w", se.Key, err)
		}

		newIdx, err := out.data[cur].append(raw)
		if err != nil {
			out.abort()
			return fmt.Errorf("merge: write merged record: %w", err)
		}
		out.liveCnt[cur]++

		hintBuf := encodeHintRecord(se.Entry.Timestamp, newIdx, se.Key)
		if _, err := out.hints[cur].append(hintBuf); err != nil {
			out.abort()
			return fmt.Errorf("merge: write hint record: %w", err)
		}

		updates = append(updates, pendingUpdate{
			key: string(se.Key),
			old: se.Entry,
			new: keydirEntry{Segment: cur, Index: newIdx, Timestamp: se.Entry.Timestamp},
		})

		if out.data[cur].size >= ctx.cfg.MaxFileSize {
			if err := out.openSegment(ctx.claimNextSegmentID()); err != nil {
				out.abort()
				return fmt.Errorf("merge: %w", err)
			}
		}
	}

	if err := out.syncAll(); err != nil {
		out.abort()
		return fmt.Errorf("merge: %w", err)
	}
	if err := out.closeAll(); err != nil {
		out.abort()
		return fmt.Errorf("merge: %w", err)
	}

	// Everything from here on only touches already-durable state; nothing
	// below can fail in a way that leaves the KeyDir pointing at bytes that
	// don't exist on disk.
	for _, u := range updates {
		ctx.keydir.casReplace([]byte(u.key), u.old, u.new)
	}
	for _, id := range out.segments {
		for i := int64(0); i < out.liveCnt[id]; i++ {
			ctx.stats.addLive(id)
		}
	}

	ctx.merged.add(candidates)
	w.cache.evict(candidates)

	for id := range candidates {
		ctx.stats.remove(id)
		os.Remove(dataFilePath(ctx.dir, id))
		os.Remove(hintFilePath(ctx.dir, id))
	}

	return w.rolloverLocked(ctx.claimNextSegmentID())
}
