// Package kegdb is an embeddable, append-only key-value storage engine
// built on the Bitcask model: every write is appended to the tail of the
// current segment file, an in-memory index (the KeyDir) maps each key to
// its most recent location, and a background merge reclaims space from
// segments with high dead-record fragmentation.
package kegdb
