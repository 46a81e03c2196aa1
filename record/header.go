package record

import "github.com/google/uuid"

// Magic is the fixed byte sequence that opens every stream: 8 bytes, the
// last of which is a NUL terminator on the 7-byte ASCII tag.
var Magic = [8]byte{'M', 'T', 'R', 'A', 'C', 'E', '1', 0}

// CurrentVersion is the wire-format version this package reads and writes.
// A reader hard-fails on any other value; there is no cross-version
// compatibility (spec.md §1 Non-goals).
const CurrentVersion uint16 = 1

// Stats are the capture statistics stamped into the header at stream
// start and frozen there: encoder.NewWriter writes them as the caller
// supplies them, and nothing rewrites them later.
type Stats struct {
	NumAllocations uint64
	NumFrames      uint64
	StartTimeMs    uint64
	EndTimeMs      uint64
}

// HeaderRecord is written once at stream start and read once at stream
// open. It is not a "record" in the tag-dispatch sense: it precedes the
// tag stream entirely and has no tag byte of its own.
type HeaderRecord struct {
	Version      uint16
	NativeTraces bool
	Stats        Stats
	CommandLine  string
	Pid          uint32
	// SessionID distinguishes concurrent capture sessions that might
	// otherwise be written to indistinguishable files; it has no
	// normative meaning to the decoder beyond being round-tripped.
	SessionID uuid.UUID
}
