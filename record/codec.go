package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FormatError distinguishes the fatal wire-format violations in spec.md §7
// category 1 (bad magic, version mismatch, unknown tag, duplicate FrameId,
// pop-past-empty) from plain I/O errors, so callers can use errors.As to
// tell the two apart.
type FormatError struct {
	Msg string
}

func (e *FormatError) Error() string { return e.Msg }
func (e *FormatError) isFormatError() {}

// isFormatErrorer is satisfied by *FormatError and anything embedding it
// (such as *ErrVersionMismatch); used by IsFormatError.
type isFormatErrorer interface {
	isFormatError()
}

// ErrVersionMismatch is returned by ReadHeader when the stream's version
// doesn't match CurrentVersion. It carries both versions, following the
// original C++ reader's diagnostic (see SPEC_FULL.md §5).
type ErrVersionMismatch struct {
	FormatError
	Found, Want uint16
}

func newVersionMismatch(found uint16) *ErrVersionMismatch {
	return &ErrVersionMismatch{
		FormatError: FormatError{Msg: fmt.Sprintf("record: version mismatch: found %d, want %d", found, CurrentVersion)},
		Found:       found,
		Want:        CurrentVersion,
	}
}

var errBadMagic = &FormatError{Msg: "record: bad magic"}

// LineReader reads a NUL- (or other-separator-) terminated string,
// consuming and excluding the separator. transport.Source satisfies this
// structurally.
type LineReader interface {
	GetLine(sep byte) (string, bool)
}

// WriteCString writes s followed by a NUL byte.
func WriteCString(w io.Writer, s string) error {
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	_, err := w.Write([]byte{0})
	return err
}

// ReadCString reads a NUL-terminated string. ok is false on truncation or
// clean end of stream, mirroring transport.Source's read contract.
func ReadCString(r LineReader) (string, bool) {
	return r.GetLine(0)
}

// WriteHeader writes the stream prelude: magic, version, native-traces
// flag, stats, session ID, command line, and pid, in that order.
func WriteHeader(w io.Writer, h HeaderRecord) error {
	if _, err := w.Write(Magic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, h.Version); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, h.NativeTraces); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, h.Stats); err != nil {
		return err
	}
	if _, err := w.Write(h.SessionID[:]); err != nil {
		return err
	}
	if err := WriteCString(w, h.CommandLine); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, h.Pid)
}

// ReadHeader reads and validates the stream prelude. A magic or version
// mismatch is a *FormatError and is fatal: the caller must not attempt to
// read any records from the stream.
func ReadHeader(r io.Reader, lr LineReader) (HeaderRecord, error) {
	var h HeaderRecord
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return h, fmt.Errorf("record: failed to read magic: %w", err)
	}
	if magic != Magic {
		return h, errBadMagic
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return h, fmt.Errorf("record: failed to read version: %w", err)
	}
	if h.Version != CurrentVersion {
		return h, newVersionMismatch(h.Version)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.NativeTraces); err != nil {
		return h, fmt.Errorf("record: failed to read native-traces flag: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Stats); err != nil {
		return h, fmt.Errorf("record: failed to read stats: %w", err)
	}
	if _, err := io.ReadFull(r, h.SessionID[:]); err != nil {
		return h, fmt.Errorf("record: failed to read session id: %w", err)
	}
	cmd, ok := ReadCString(lr)
	if !ok {
		return h, fmt.Errorf("record: failed to read command line: %w", io.ErrUnexpectedEOF)
	}
	h.CommandLine = cmd
	if err := binary.Read(r, binary.LittleEndian, &h.Pid); err != nil {
		return h, fmt.Errorf("record: failed to read pid: %w", err)
	}
	return h, nil
}

// FramePushPayload is the fixed-width payload of a FRAME_PUSH record.
type FramePushPayload struct {
	Tid     uint64
	FrameId uint32
}

// FramePopPayload is the fixed-width payload of a FRAME_POP record.
type FramePopPayload struct {
	Tid   uint64
	Count uint16
}

// FrameIndexRecord is a fully decoded FRAME_INDEX record. Unlike the
// other payload types in this file its fixed-width fields are not
// contiguous on the wire: frame_id precedes the two strings, and
// parent_lineno follows them (see the tag table in spec.md §4.A), so it
// is encoded/decoded by WriteFrameIndex/ReadFrameIndex rather than by
// the generic write/read helpers.
type FrameIndexRecord struct {
	FrameId      uint32
	FunctionName string
	FileName     string
	ParentLineno int32
}

// SegmentHeaderPayload is the fixed-width part of a SEGMENT_HEADER
// record. On the wire it follows the NUL-terminated filename and is
// followed by NumSegments SEGMENT records.
type SegmentHeaderPayload struct {
	NumSegments uint32
	BaseAddr    uint64
}

// SegmentPayload is the fixed-width payload of a SEGMENT record.
type SegmentPayload struct {
	VAddr  uint64
	MemSz  uint64
}

// ThreadRecordHeader is the fixed-width prefix of a THREAD_RECORD record;
// the thread name follows as a NUL-terminated string.
type ThreadRecordHeader struct {
	Tid uint64
}

func write(w io.Writer, v any) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func read[T any](r io.Reader) (T, error) {
	var v T
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

// WriteTag writes a single tag byte.
func WriteTag(w io.Writer, t Tag) error {
	_, err := w.Write([]byte{byte(t)})
	return err
}

// ReadTag reads a single tag byte. A failed read here (err wraps io.EOF)
// is, by construction, always at a record boundary: callers should treat
// it as clean end-of-stream, never truncation.
func ReadTag(r io.Reader) (Tag, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return TagInvalid, err
	}
	return Tag(b[0]), nil
}

func WriteAllocation(w io.Writer, v AllocationRecord) error { return write(w, v) }
func ReadAllocation(r io.Reader) (AllocationRecord, error)  { return read[AllocationRecord](r) }

func WriteFramePush(w io.Writer, v FramePushPayload) error { return write(w, v) }
func ReadFramePush(r io.Reader) (FramePushPayload, error)  { return read[FramePushPayload](r) }

func WriteFramePop(w io.Writer, v FramePopPayload) error { return write(w, v) }
func ReadFramePop(r io.Reader) (FramePopPayload, error)  { return read[FramePopPayload](r) }

// WriteFrameIndex writes a FRAME_INDEX record's payload (the tag itself
// is written separately by the caller via WriteTag).
func WriteFrameIndex(w io.Writer, v FrameIndexRecord) error {
	if err := write(w, v.FrameId); err != nil {
		return err
	}
	if err := WriteCString(w, v.FunctionName); err != nil {
		return err
	}
	if err := WriteCString(w, v.FileName); err != nil {
		return err
	}
	return write(w, v.ParentLineno)
}

// ReadFrameIndex reads a FRAME_INDEX record's payload. ok is false on
// truncation.
func ReadFrameIndex(r io.Reader, lr LineReader) (FrameIndexRecord, bool) {
	var v FrameIndexRecord
	frameId, err := read[uint32](r)
	if err != nil {
		return v, false
	}
	v.FrameId = frameId
	fn, ok := ReadCString(lr)
	if !ok {
		return v, false
	}
	v.FunctionName = fn
	file, ok := ReadCString(lr)
	if !ok {
		return v, false
	}
	v.FileName = file
	lineno, err := read[int32](r)
	if err != nil {
		return v, false
	}
	v.ParentLineno = lineno
	return v, true
}

func WriteNativeFrame(w io.Writer, v UnresolvedNativeFrame) error { return write(w, v) }
func ReadNativeFrame(r io.Reader) (UnresolvedNativeFrame, error)  { return read[UnresolvedNativeFrame](r) }

func WriteSegmentHeader(w io.Writer, v SegmentHeaderPayload) error { return write(w, v) }
func ReadSegmentHeader(r io.Reader) (SegmentHeaderPayload, error)  { return read[SegmentHeaderPayload](r) }

func WriteSegment(w io.Writer, v SegmentPayload) error { return write(w, v) }
func ReadSegment(r io.Reader) (SegmentPayload, error)  { return read[SegmentPayload](r) }

func WriteThreadRecordHeader(w io.Writer, v ThreadRecordHeader) error { return write(w, v) }
func ReadThreadRecordHeader(r io.Reader) (ThreadRecordHeader, error)  { return read[ThreadRecordHeader](r) }

// IsFormatError reports whether err is (or embeds) a *FormatError.
func IsFormatError(err error) bool {
	var fe isFormatErrorer
	return errors.As(err, &fe)
}
