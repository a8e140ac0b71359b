package kegdb

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// recoverDir scans dir's segments in ascending ID order and reconstructs
// the KeyDir and per-segment stats from them, preferring a segment's hint
// file over its data file when one exists. It returns the
// segment ID the engine should use for its fresh active segment:
// max_existing_id + 1, or 0 for an empty directory.
func recoverDir(dir string, logger *zap.SugaredLogger) (*keydir, *statsTable, segmentID, error) {
	ids, err := listSegmentIDs(dir)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("list segments: %w", err)
	}

	kd := newKeydir()
	st := newStatsTable()

	for _, id := range ids {
		hintPath := hintFilePath(dir, id)
		if _, err := os.Stat(hintPath); err == nil {
			if err := recoverFromHintFile(hintPath, id, kd, st); err != nil {
				return nil, nil, 0, fmt.Errorf("recover segment %d from hint: %w", id, err)
			}
			continue
		} else if !os.IsNotExist(err) {
			return nil, nil, 0, fmt.Errorf("stat hint file for segment %d: %w", id, err)
		}

		if err := recoverFromDataFile(dataFilePath(dir, id), id, kd, st, logger); err != nil {
			return nil, nil, 0, fmt.Errorf("recover segment %d from data file: %w", id, err)
		}
	}

	var next segmentID
	if len(ids) > 0 {
		next = ids[len(ids)-1] + 1
	}
	return kd, st, next, nil
}

func recoverFromHintFile(path string, id segmentID, kd *keydir, st *statsTable) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := newHintScanner(f)
	for {
		rec, ok, err := scanner.next()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if !ok {
			break
		}

		entry := keydirEntry{Segment: id, Index: rec.Index, Timestamp: rec.Timestamp}
		st.addLive(id)
		if prev, had := kd.insert(rec.Key, entry); had {
			st.overwrite(prev.Segment, prev.Index.Len)
		}
	}
	return nil
}

func recoverFromDataFile(path string, id segmentID, kd *keydir, st *statsTable, logger *zap.SugaredLogger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	onTruncated := func(offset int64) {
		logger.Warnf("kegdb: truncated trailing record in segment %d at offset %d, stopping recovery scan here", id, offset)
	}

	scanner := newRecordScanner(f, true, onTruncated)
	for {
		idx, rec, ok, err := scanner.next()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if !ok {
			break
		}

		if rec.Tombstone {
			st.addDead(id, idx.Len)
			if prev, had := kd.remove(rec.Key); had {
				st.overwrite(prev.Segment, prev.Index.Len)
			}
			continue
		}

		entry := keydirEntry{Segment: id, Index: idx, Timestamp: rec.Timestamp}
		st.addLive(id)
		if prev, had := kd.insert(rec.Key, entry); had {
			st.overwrite(prev.Segment, prev.Index.Len)
		}
	}
	return nil
}

// listSegmentIDs enumerates every *.data file's segment ID in dir, sorted
// ascending. Files that don't parse as a segment ID are tolerated and skipped.
func listSegmentIDs(dir string) ([]segmentID, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var ids []segmentID
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".data") {
			continue
		}
		idStr := strings.TrimSuffix(name, ".data")
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			// not a segment file we recognize; skip it
			continue
		}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
