// Package decoder implements the reader/decoder state machine of
// spec.md §4.F: a tag-dispatch loop over a transport.Source that
// replays FRAME_PUSH/FRAME_POP/FRAME_INDEX/NATIVE_TRACE_INDEX/
// MEMORY_MAP_START/SEGMENT_HEADER/SEGMENT/THREAD_RECORD into decoder
// state and yields fully decorated Allocation values from NextAllocation.
package decoder

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/DataExMachina-dev/memtrace-go/intern"
	"github.com/DataExMachina-dev/memtrace-go/record"
	"github.com/DataExMachina-dev/memtrace-go/symbol"
	"github.com/DataExMachina-dev/memtrace-go/transport"
)

// ErrTruncated is returned by NextAllocation when the stream ends in
// the middle of a record's payload while the source is still open
// (spec.md §7 category 2): unlike a clean end-of-stream at a tag
// boundary, this is logged and reported to the caller.
var ErrTruncated = errors.New("decoder: stream truncated mid-record")

// Allocation is one fully decoded, materialized allocation event
// (spec.md §3 "Allocation (materialized)").
type Allocation struct {
	Record                 record.AllocationRecord
	StackTreeIndex         uint32
	NativeSegmentGeneration uint64
}

// Reader drives one transport.Source end to end. It is not reentrant:
// spec.md §5 requires that only one goroutine call NextAllocation at a
// time; live.BackgroundReader is the one caller allowed to own a Reader
// across its lifetime. The coarse mutex guards the decoder's mutable
// state (frame table, stack tree, resolver, native-frame vector, thread
// names) so a foreground goroutine may query it (via Frames/Tree/
// ThreadName, used by the analysis package) concurrently with the
// background goroutine advancing the decode. source, in, and header are
// set once in NewReader and never reassigned afterward, so they are
// read outside the mutex; per spec.md §5 the mutex must never be held
// across a Source I/O call, only across the state mutation that follows
// one.
type Reader struct {
	logger *log.Logger

	source transport.Source
	in     io.Reader
	header record.HeaderRecord

	mu struct {
		sync.Mutex
		frames       *intern.FrameTable
		tree         *intern.StackTree
		stacks       *intern.TidStacks
		resolver     *symbol.Resolver
		nativeFrames []record.UnresolvedNativeFrame
		threadNames  map[uint64]string
	}
}

// Option configures a Reader.
type Option func(*Reader)

// WithLogger overrides the default logger (log.Default()) used for
// non-fatal truncation reporting.
func WithLogger(l *log.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

// NewReader reads and validates the stream header from source, then
// returns a Reader ready to decode records. resolver may be nil if
// native-frame symbolication is not needed; a nil resolver makes
// Resolve calls from the analysis package always report a miss.
func NewReader(source transport.Source, resolver *symbol.Resolver, opts ...Option) (*Reader, error) {
	r := &Reader{logger: log.Default()}
	for _, opt := range opts {
		opt(r)
	}
	in := transport.AsReader(source)
	header, err := record.ReadHeader(in, source)
	if err != nil {
		return nil, fmt.Errorf("decoder: failed to read header: %w", err)
	}
	r.source = source
	r.in = in
	r.header = header
	r.mu.frames = intern.NewFrameTable()
	r.mu.tree = intern.NewStackTree()
	r.mu.stacks = intern.NewTidStacks(r.mu.tree, r.mu.frames)
	r.mu.resolver = resolver
	// Index 0 of the native-frames vector is the permanent sentinel
	// ("no native stack"); see spec.md §3.
	r.mu.nativeFrames = []record.UnresolvedNativeFrame{{}}
	r.mu.threadNames = make(map[uint64]string)
	return r, nil
}

// Header returns the stream header read at construction time.
func (r *Reader) Header() record.HeaderRecord {
	return r.header
}

// NextAllocation consumes records until the next ALLOCATION is produced
// (fully decorated with its stack-tree index and current resolver
// generation) or the stream ends. It returns (false, nil) on clean
// end-of-stream at a tag boundary, and (false, err) on a format error or
// mid-record truncation.
//
// The blocking tag/payload reads happen with the mutex released; it is
// re-acquired only around the state mutation each record implies, so a
// concurrent CloseSource (or a foreground Frames/Tree/ThreadName query)
// is never blocked behind an in-flight socket read.
func (r *Reader) NextAllocation() (Allocation, bool, error) {
	for {
		tag, err := record.ReadTag(r.in)
		if err != nil {
			// A failed read here is, by construction, always at a record
			// boundary: this is clean end-of-stream, never truncation.
			return Allocation{}, false, nil
		}
		switch tag {
		case record.TagAllocation:
			alloc, ok, err := r.readAllocation()
			if err != nil {
				return Allocation{}, false, err
			}
			if !ok {
				return Allocation{}, false, r.truncated()
			}
			return alloc, true, nil
		case record.TagFramePush:
			if !r.readFramePush() {
				return Allocation{}, false, r.truncated()
			}
		case record.TagFramePop:
			ok, err := r.readFramePop()
			if err != nil {
				return Allocation{}, false, err
			}
			if !ok {
				return Allocation{}, false, r.truncated()
			}
		case record.TagFrameIndex:
			ok, err := r.readFrameIndex()
			if err != nil {
				return Allocation{}, false, err
			}
			if !ok {
				return Allocation{}, false, r.truncated()
			}
		case record.TagNativeTraceIndex:
			if !r.readNativeTraceIndex() {
				return Allocation{}, false, r.truncated()
			}
		case record.TagMemoryMapStart:
			r.clearSegments()
		case record.TagSegmentHeader:
			if !r.readSegmentHeader() {
				return Allocation{}, false, r.truncated()
			}
		case record.TagThreadRecord:
			if !r.readThreadRecord() {
				return Allocation{}, false, r.truncated()
			}
		default:
			return Allocation{}, false, &record.FormatError{Msg: fmt.Sprintf("decoder: unknown tag %q", byte(tag))}
		}
	}
}

// truncated reports and returns ErrTruncated, unless the source has
// already been closed out from under us (spec.md §7 category 2: "iff
// ... is_open() still true").
func (r *Reader) truncated() error {
	if !r.source.IsOpen() {
		return nil
	}
	r.logger.Printf("decoder: truncated record while reading stream")
	return ErrTruncated
}

func (r *Reader) clearSegments() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mu.resolver != nil {
		r.mu.resolver.ClearSegments()
	}
}

func (r *Reader) readAllocation() (Allocation, bool, error) {
	rec, err := record.ReadAllocation(r.in)
	if err != nil {
		return Allocation{}, false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stackIdx := r.mu.stacks.Top(rec.Tid)
	if rec.PyLineno != record.UnresolvedLineno {
		idx, serr := r.mu.stacks.SpecializeAllocationFrame(rec.Tid, rec.PyLineno)
		if serr != nil {
			return Allocation{}, false, serr
		}
		stackIdx = idx
	}
	generation := uint64(0)
	if r.mu.resolver != nil {
		generation = r.mu.resolver.CurrentGeneration()
	}
	return Allocation{
		Record:                  rec,
		StackTreeIndex:          stackIdx,
		NativeSegmentGeneration: generation,
	}, true, nil
}

func (r *Reader) readFramePush() bool {
	p, err := record.ReadFramePush(r.in)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mu.stacks.Push(p.Tid, record.FrameId(p.FrameId))
	return true
}

func (r *Reader) readFramePop() (bool, error) {
	p, err := record.ReadFramePop(r.in)
	if err != nil {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if perr := r.mu.stacks.Pop(p.Tid, p.Count); perr != nil {
		return false, perr
	}
	return true, nil
}

func (r *Reader) readFrameIndex() (bool, error) {
	fi, ok := record.ReadFrameIndex(r.in, r.source)
	if !ok {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.mu.frames.Insert(record.FrameId(fi.FrameId), record.Frame{
		FunctionName: fi.FunctionName,
		FileName:     fi.FileName,
		ParentLineno: fi.ParentLineno,
		Lineno:       record.UnresolvedLineno,
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reader) readNativeTraceIndex() bool {
	f, err := record.ReadNativeFrame(r.in)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mu.nativeFrames = append(r.mu.nativeFrames, f)
	return true
}

func (r *Reader) readSegmentHeader() bool {
	filename, ok := record.ReadCString(r.source)
	if !ok {
		return false
	}
	hdr, err := record.ReadSegmentHeader(r.in)
	if err != nil {
		return false
	}
	segments := make([]symbol.Segment, 0, hdr.NumSegments)
	for i := uint32(0); i < hdr.NumSegments; i++ {
		tag, err := record.ReadTag(r.in)
		if err != nil || tag != record.TagSegment {
			return false
		}
		seg, err := record.ReadSegment(r.in)
		if err != nil {
			return false
		}
		segments = append(segments, symbol.Segment{VAddr: seg.VAddr, MemSz: seg.MemSz})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mu.resolver != nil {
		r.mu.resolver.AddSegments(filename, hdr.BaseAddr, segments)
	}
	return true
}

func (r *Reader) readThreadRecord() bool {
	hdr, err := record.ReadThreadRecordHeader(r.in)
	if err != nil {
		return false
	}
	name, ok := record.ReadCString(r.source)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mu.threadNames[hdr.Tid] = name
	return true
}

// ThreadName returns the last name recorded for tid via THREAD_RECORD.
func (r *Reader) ThreadName(tid uint64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.mu.threadNames[tid]
	return name, ok
}

// Frames returns the decoder's frame interner, for trace rendering.
func (r *Reader) Frames() *intern.FrameTable {
	return r.mu.frames
}

// Tree returns the decoder's stack tree, for trace rendering.
func (r *Reader) Tree() *intern.StackTree {
	return r.mu.tree
}

// NativeFrame returns the native-frames vector entry referenced by a
// 1-based native_frame_id (0 means "no native stack" and is never a
// valid argument here; callers must check for 0 themselves).
func (r *Reader) NativeFrame(nativeFrameId uint32) (record.UnresolvedNativeFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if nativeFrameId == 0 || int(nativeFrameId) >= len(r.mu.nativeFrames) {
		return record.UnresolvedNativeFrame{}, false
	}
	return r.mu.nativeFrames[nativeFrameId], true
}

// CloseSource closes the underlying transport.Source. A background
// reader goroutine blocked in NextAllocation observes this as end of
// stream at its next read (spec.md §4.H teardown). It never blocks on
// the coarse mutex: source is fixed at construction, so closing it
// races safely with a concurrent, possibly-blocked read.
func (r *Reader) CloseSource() error {
	return r.source.Close()
}

// Resolver returns the decoder's symbol resolver, or nil.
func (r *Reader) Resolver() *symbol.Resolver {
	return r.mu.resolver
}

// Lock and Unlock expose the coarse mutex so analysis.StackTrace and
// friends can hold it across a read-only walk of Frames()/Tree(),
// matching spec.md §5 ("pure reads under the coarse mutex").
func (r *Reader) Lock()   { r.mu.Lock() }
func (r *Reader) Unlock() { r.mu.Unlock() }
