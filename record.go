package kegdb

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zeebo/xxh3"
)

// recordIndex locates a record (or hint record) within a segment file.
// Pos is the byte offset of the record's header from the start of the
// file; Len is the total on-disk cost of the record, header included.
type recordIndex struct {
	Pos int64
	Len int64
}

// Data file record layout:
//
//	[8B checksum][8B timestamp][4B keyLen][4B valLen][1B tombstone][1B reserved][key][val]
//
// The checksum covers everything after itself. valLen is always the length
// of the value bytes that follow; for a tombstone it's 0 and the tombstone
// flag records "absent" explicitly (the reserved byte is always 0), because an absent value is a distinct
// case from a live zero-length value.
const (
	csLen       = 8
	tsLen       = 8
	keyLenSize  = 4
	valLenSize  = 4
	flagLen     = 1
	reservedLen = 1
	recordHdrLen = csLen + tsLen + keyLenSize + valLenSize + flagLen + reservedLen
)

const (
	flagLive      byte = 0
	flagTombstone byte = 1
)

// record is the decoded form of a single data file entry.
type record struct {
	Timestamp int64
	Key       []byte
	Value     []byte // nil for a tombstone
	Tombstone bool
}

// encodeRecord serializes one record into a standalone buffer ready to be
// written to a segment; the buffer's length is the record's on-disk length.
func encodeRecord(ts int64, key, val []byte, tombstone bool) []byte {
	valLen := len(val)
	if tombstone {
		valLen = 0
	}

	total := recordHdrLen + len(key) + valLen
	buf := make([]byte, total)

	sb := buf[csLen:] // fill everything after the checksum first

	binary.LittleEndian.PutUint64(sb, uint64(ts))
	sb = sb[tsLen:]

	binary.LittleEndian.PutUint32(sb, uint32(len(key)))
	sb = sb[keyLenSize:]

	binary.LittleEndian.PutUint32(sb, uint32(valLen))
	sb = sb[valLenSize:]

	if tombstone {
		sb[0] = flagTombstone
	} else {
		sb[0] = flagLive
	}
	sb = sb[flagLen:]

	sb[0] = 0 // reserved
	sb = sb[reservedLen:]

	n := copy(sb, key)
	sb = sb[n:]
	if !tombstone {
		copy(sb, val)
	}

	checksum := xxh3.Hash(buf[csLen:])
	binary.LittleEndian.PutUint64(buf[:csLen], checksum)

	return buf
}

// decodeRecordHeader parses the fixed-width header, returning the checksum
// and the lengths needed to size the rest of the read.
func decodeRecordHeader(hdr []byte) (checksum uint64, ts int64, keyLen, valLen int, tombstone bool) {
	sb := hdr
	checksum = binary.LittleEndian.Uint64(sb)
	sb = sb[csLen:]

	ts = int64(binary.LittleEndian.Uint64(sb))
	sb = sb[tsLen:]

	keyLen = int(binary.LittleEndian.Uint32(sb))
	sb = sb[keyLenSize:]

	valLen = int(binary.LittleEndian.Uint32(sb))
	sb = sb[valLenSize:]

	tombstone = sb[0] == flagTombstone
	return checksum, ts, keyLen, valLen, tombstone
}

// decodeRecord decodes a full record from buf (header+payload, exactly
// recordHdrLen+keyLen+valLen bytes) and optionally verifies its checksum.
func decodeRecord(buf []byte, verifyChecksum bool) (record, error) {
	if len(buf) < recordHdrLen {
		return record{}, fmt.Errorf("decode record: %w: short buffer", ErrChecksumMismatch)
	}
	checksum, ts, keyLen, valLen, tombstone := decodeRecordHeader(buf[:recordHdrLen])

	if verifyChecksum {
		if computed := xxh3.Hash(buf[csLen:]); computed != checksum {
			return record{}, fmt.Errorf("decode record: %w: expected %x, got %x", ErrChecksumMismatch, checksum, computed)
		}
	}

	key := append([]byte(nil), buf[recordHdrLen:recordHdrLen+keyLen]...)
	var val []byte
	if !tombstone {
		val = append([]byte(nil), buf[recordHdrLen+keyLen:recordHdrLen+keyLen+valLen]...)
	}

	return record{Timestamp: ts, Key: key, Value: val, Tombstone: tombstone}, nil
}

// readRecordAt reads and decodes a single record at (pos, len) from r.
func readRecordAt(r io.ReaderAt, idx recordIndex, verifyChecksum bool) (record, error) {
	buf := make([]byte, idx.Len)
	if _, err := r.ReadAt(buf, idx.Pos); err != nil {
		return record{}, fmt.Errorf("read record at %+v: %w", idx, err)
	}
	return decodeRecord(buf, verifyChecksum)
}

// Hint file record layout:
//
//	[8B checksum][8B timestamp][8B len][8B pos][4B keyLen][key]
//
// Hint records only ever describe live entries (the KeyDir never points at
// a tombstone), so there's no value/flag to carry.
const hintHdrLen = csLen + tsLen + 8 + 8 + keyLenSize

type hintRecord struct {
	Timestamp int64
	Index     recordIndex
	Key       []byte
}

func encodeHintRecord(ts int64, idx recordIndex, key []byte) []byte {
	total := hintHdrLen + len(key)
	buf := make([]byte, total)

	sb := buf[csLen:]
	binary.LittleEndian.PutUint64(sb, uint64(ts))
	sb = sb[tsLen:]

	binary.LittleEndian.PutUint64(sb, uint64(idx.Len))
	sb = sb[8:]

	binary.LittleEndian.PutUint64(sb, uint64(idx.Pos))
	sb = sb[8:]

	binary.LittleEndian.PutUint32(sb, uint32(len(key)))
	sb = sb[keyLenSize:]

	copy(sb, key)

	checksum := xxh3.Hash(buf[csLen:])
	binary.LittleEndian.PutUint64(buf[:csLen], checksum)

	return buf
}

// decodeHintHeaderLen parses just enough of a hint record header to know how
// many more bytes (the key) need to be read before the record can be fully
// decoded and checksummed.
func decodeHintHeaderLen(hdr []byte) (checksum uint64, ts int64, recLen, recPos int64, keyLen int) {
	sb := hdr
	checksum = binary.LittleEndian.Uint64(sb)
	sb = sb[csLen:]

	ts = int64(binary.LittleEndian.Uint64(sb))
	sb = sb[tsLen:]

	recLen = int64(binary.LittleEndian.Uint64(sb))
	sb = sb[8:]

	recPos = int64(binary.LittleEndian.Uint64(sb))
	sb = sb[8:]

	keyLen = int(binary.LittleEndian.Uint32(sb))
	return checksum, ts, recLen, recPos, keyLen
}

func decodeHintRecord(buf []byte, verifyChecksum bool) (hintRecord, error) {
	if len(buf) < hintHdrLen {
		return hintRecord{}, fmt.Errorf("decode hint record: %w: short buffer", ErrChecksumMismatch)
	}

	sb := buf
	checksum := binary.LittleEndian.Uint64(sb)
	sb = sb[csLen:]

	ts := int64(binary.LittleEndian.Uint64(sb))
	sb = sb[tsLen:]

	recLen := int64(binary.LittleEndian.Uint64(sb))
	sb = sb[8:]

	recPos := int64(binary.LittleEndian.Uint64(sb))
	sb = sb[8:]

	keyLen := int(binary.LittleEndian.Uint32(sb))
	sb = sb[keyLenSize:]

	if verifyChecksum {
		if computed := xxh3.Hash(buf[csLen:]); computed != checksum {
			return hintRecord{}, fmt.Errorf("decode hint record: %w: expected %x, got %x", ErrChecksumMismatch, checksum, computed)
		}
	}

	key := append([]byte(nil), sb[:keyLen]...)

	return hintRecord{Timestamp: ts, Index: recordIndex{Pos: recPos, Len: recLen}, Key: key}, nil
}
