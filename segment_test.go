package kegdb

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestDataFileNameZeroPadded(t *testing.T) {
	if got, want := dataFileName(7), "00000000000000000007.data"; got != want {
		t.Errorf("dataFileName(7) = %q, want %q", got, want)
	}
	if got, want := hintFileName(7), "00000000000000000007.hint"; got != want {
		t.Errorf("hintFileName(7) = %q, want %q", got, want)
	}
}

func TestAppendFileAppendAndScan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "segment.data")
	af, err := createAppendFile(path)
	if err != nil {
		t.Fatalf("createAppendFile: %v", err)
	}

	var indexes []recordIndex
	records := [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}}
	for _, kv := range records {
		idx, err := af.append(encodeRecord(1, []byte(kv[0]), []byte(kv[1]), false))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		indexes = append(indexes, idx)
	}
	if err := af.sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := af.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	scanner := newRecordScanner(f, true, nil)
	for i, kv := range records {
		idx, rec, ok, err := scanner.next()
		if err != nil {
			t.Fatalf("scan record %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("scan record %d: unexpected end", i)
		}
		if idx != indexes[i] {
			t.Errorf("record %d index = %+v, want %+v", i, idx, indexes[i])
		}
		if !bytes.Equal(rec.Key, []byte(kv[0])) || !bytes.Equal(rec.Value, []byte(kv[1])) {
			t.Errorf("record %d = (%q,%q), want (%q,%q)", i, rec.Key, rec.Value, kv[0], kv[1])
		}
	}

	if _, _, ok, err := scanner.next(); ok || err != nil {
		t.Errorf("scan past end: ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}

func TestRecordScannerTreatsTruncatedTailAsEOF(t *testing.T) {
	buf := encodeRecord(1, []byte("k"), []byte("v"), false)
	truncated := buf[:len(buf)-2] // chop off the tail of the payload

	var truncatedAt int64 = -1
	scanner := newRecordScanner(bytes.NewReader(truncated), true, func(offset int64) {
		truncatedAt = offset
	})

	_, _, ok, err := scanner.next()
	if ok || err != nil {
		t.Fatalf("next() = ok=%v err=%v, want ok=false err=nil", ok, err)
	}
	if truncatedAt != 0 {
		t.Errorf("onTruncated offset = %d, want 0", truncatedAt)
	}
}

func TestRecordScannerCleanEOFDoesNotReportTruncation(t *testing.T) {
	buf := encodeRecord(1, []byte("k"), []byte("v"), false)

	called := false
	scanner := newRecordScanner(bytes.NewReader(buf), true, func(int64) {
		called = true
	})

	if _, _, ok, err := scanner.next(); !ok || err != nil {
		t.Fatalf("next() = ok=%v err=%v, want ok=true err=nil", ok, err)
	}
	if _, _, ok, err := scanner.next(); ok || err != nil {
		t.Fatalf("next() at EOF = ok=%v err=%v, want ok=false err=nil", ok, err)
	}
	if called {
		t.Error("onTruncated called on clean EOF")
	}
}

func TestHintScannerRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(encodeHintRecord(1, recordIndex{Pos: 0, Len: 10}, []byte("a")))
	buf.Write(encodeHintRecord(2, recordIndex{Pos: 10, Len: 12}, []byte("bb")))

	scanner := newHintScanner(&buf)

	rec, ok, err := scanner.next()
	if err != nil || !ok {
		t.Fatalf("next() = ok=%v err=%v", ok, err)
	}
	if string(rec.Key) != "a" || rec.Index.Len != 10 {
		t.Errorf("rec = %+v", rec)
	}

	rec, ok, err = scanner.next()
	if err != nil || !ok {
		t.Fatalf("next() = ok=%v err=%v", ok, err)
	}
	if string(rec.Key) != "bb" || rec.Index.Pos != 10 {
		t.Errorf("rec = %+v", rec)
	}

	if _, ok, err := scanner.next(); ok || err != nil {
		t.Fatalf("next() past end = ok=%v err=%v", ok, err)
	}
}
