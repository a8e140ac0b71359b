package kegdb

import "errors"

// Sentinel errors returned by the engine. Callers should use errors.Is to
// check for them, since they're always wrapped with operation context.
//
// A missing key is not one of these: Get reports it with its bool return,
// not an error, since "absent" is a normal outcome rather than a failure.
var (
	// ErrChecksumMismatch is returned when a record's stored checksum does
	// not match its decoded payload.
	ErrChecksumMismatch = errors.New("kegdb: checksum mismatch")

	// ErrClosed is returned by any operation performed on a Handle after its
	// owning Engine has been closed.
	ErrClosed = errors.New("kegdb: engine is closed")

	// ErrCorrupt is returned by Open when a segment's hint file or, for a
	// segment without one, its data file cannot be decoded during recovery
	// (a truncated trailing record is not treated as corrupt). The engine does not
	// attempt self-repair; this is a fatal startup error.
	ErrCorrupt = errors.New("kegdb: corrupt segment")
)
