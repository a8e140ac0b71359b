package kegdb

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

// openTempEngine opens a fresh engine rooted at a t.TempDir() directory,
// with merge disabled by default since most tests want deterministic
// segment contents; pass WithMergeEnabled(true) to override.
func openTempEngine(t *testing.T, opts ...Option) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	opts = append([]Option{WithMergeEnabled(false)}, opts...)
	e, err := Open(dir, opts...)
	if err != nil {
		t.Fatalf("Open(%q): %v", dir, err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, dir
}

func TestScenarioS1BasicPutGetDelete(t *testing.T) {
	e, _ := openTempEngine(t)
	h := e.Handle()

	if err := h.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	val, ok, err := h.Get([]byte("k"))
	if err != nil || !ok || string(val) != "v" {
		t.Fatalf("Get = (%q, %v, %v), want (v, true, nil)", val, ok, err)
	}

	had, err := h.Delete([]byte("k"))
	if err != nil || !had {
		t.Fatalf("Delete = (%v, %v), want (true, nil)", had, err)
	}

	_, ok, err = h.Get([]byte("k"))
	if err != nil || ok {
		t.Fatalf("Get after delete = (ok=%v, err=%v), want ok=false", ok, err)
	}

	had, err = h.Delete([]byte("k"))
	if err != nil || had {
		t.Fatalf("second Delete = (%v, %v), want (false, nil)", had, err)
	}
}

func TestScenarioS2RolloverAndReopenSurvive(t *testing.T) {
	e, dir := openTempEngine(t, WithMaxFileSize(64*1024))
	h := e.Handle()

	const n = 2000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%d", i))
		val := []byte(fmt.Sprintf("value%d", i))
		if err := h.Put(key, val); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(dir, WithMergeEnabled(false), WithMaxFileSize(64*1024))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()
	h2 := e2.Handle()

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%d", i))
		want := fmt.Sprintf("value%d", i)
		val, ok, err := h2.Get(key)
		if err != nil || !ok || string(val) != want {
			t.Fatalf("Get(%q) = (%q, %v, %v), want (%q, true, nil)", key, val, ok, err, want)
		}
	}
}

func TestScenarioS3OverwriteStatsAfterReopen(t *testing.T) {
	e, dir := openTempEngine(t, WithMaxFileSize(64*1024))
	h := e.Handle()

	const n = 2000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%d", i))
		val := []byte(fmt.Sprintf("value%d", i))
		if err := h.Put(key, val); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	for i := 0; i < n/2; i++ {
		key := []byte(fmt.Sprintf("key%d", i))
		val := []byte(fmt.Sprintf("value%d", i))
		if err := h.Put(key, val); err != nil {
			t.Fatalf("overwrite Put(%d): %v", i, err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(dir, WithMergeEnabled(false), WithMaxFileSize(64*1024))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	var live, dead int64
	for _, s := range e2.ctx.stats.snapshot() {
		live += s.LiveKeys
		dead += s.DeadKeys
	}
	if live != n {
		t.Errorf("live_keys = %d, want %d", live, n)
	}
	if dead != n/2 {
		t.Errorf("dead_keys = %d, want %d", dead, n/2)
	}
}

func TestScenarioS5OverwriteThenDeleteSurvivesReopen(t *testing.T) {
	e, dir := openTempEngine(t)
	h := e.Handle()

	if err := h.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put v1: %v", err)
	}
	if err := h.Put([]byte("k"), []byte("v2")); err != nil {
		t.Fatalf("Put v2: %v", err)
	}
	if _, err := h.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, ok, err := h.Get([]byte("k")); err != nil || ok {
		t.Fatalf("Get before reopen = (ok=%v, err=%v), want ok=false", ok, err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(dir, WithMergeEnabled(false))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	if _, ok, err := e2.Handle().Get([]byte("k")); err != nil || ok {
		t.Fatalf("Get after reopen = (ok=%v, err=%v), want ok=false", ok, err)
	}
}

func TestDeleteAbsentKeyReturnsFalse(t *testing.T) {
	e, _ := openTempEngine(t)
	had, err := e.Handle().Delete([]byte("nope"))
	if err != nil || had {
		t.Fatalf("Delete(absent) = (%v, %v), want (false, nil)", had, err)
	}
}

func TestOperationsAfterCloseReturnErrClosed(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, WithMergeEnabled(false))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h := e.Handle()
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := h.Put([]byte("k"), []byte("v")); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after close = %v, want ErrClosed", err)
	}
	if _, err := h.Delete([]byte("k")); !errors.Is(err, ErrClosed) {
		t.Errorf("Delete after close = %v, want ErrClosed", err)
	}
	if _, _, err := h.Get([]byte("k")); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after close = %v, want ErrClosed", err)
	}
	if _, err := h.Stats(); !errors.Is(err, ErrClosed) {
		t.Errorf("Stats after close = %v, want ErrClosed", err)
	}

	// Close is idempotent.
	if err := e.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestHandleStatsTotalsAndDiskSize(t *testing.T) {
	e, dir := openTempEngine(t)
	h := e.Handle()

	if err := h.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put k1: %v", err)
	}
	if err := h.Put([]byte("k2"), []byte("v2")); err != nil {
		t.Fatalf("Put k2: %v", err)
	}
	if err := h.Put([]byte("k1"), []byte("v1-overwritten")); err != nil {
		t.Fatalf("overwrite k1: %v", err)
	}

	stats, err := h.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.LiveKeys != 2 {
		t.Errorf("LiveKeys = %d, want 2", stats.LiveKeys)
	}
	if stats.DeadKeys != 1 {
		t.Errorf("DeadKeys = %d, want 1", stats.DeadKeys)
	}
	if stats.DiskSize == 0 {
		t.Error("DiskSize = 0, want the active segment's on-disk size")
	}

	activeID := e.writer.activeID
	segStats, ok := stats.Segments[activeID]
	if !ok {
		t.Fatalf("Segments has no entry for active segment %d: %+v", activeID, stats.Segments)
	}
	info, err := os.Stat(dataFilePath(dir, activeID))
	if err != nil {
		t.Fatalf("stat active segment file: %v", err)
	}
	if segStats.DiskSize != info.Size() {
		t.Errorf("segment DiskSize = %d, want %d", segStats.DiskSize, info.Size())
	}
}

func TestEmptyValueIsNotAbsent(t *testing.T) {
	e, _ := openTempEngine(t)
	h := e.Handle()

	if err := h.Put([]byte("k"), []byte{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	val, ok, err := h.Get([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("Get = (ok=%v, err=%v), want ok=true", ok, err)
	}
	if len(val) != 0 {
		t.Errorf("Get value = %q, want empty", val)
	}
}
