// Package encoder implements the writer/encoder state machine of
// spec.md §4.E: it turns the host runtime's frame-push/frame-pop/
// allocation-hook/memory-map events into the wire format, taking care
// to always emit definitions (FRAME_INDEX, NATIVE_TRACE_INDEX,
// SEGMENT_HEADER) before their first use.
package encoder

import (
	"fmt"
	"io"
	"sync"

	"github.com/DataExMachina-dev/memtrace-go/record"
	"github.com/DataExMachina-dev/memtrace-go/transport"
)

// Writer serializes trace events from one or more host-runtime threads
// onto a single Sink. Its methods are safe for concurrent use: the
// allocator-hook dispatcher and the per-thread profile hook (spec.md §6
// "Contracts with host runtime") may fire from arbitrary OS threads, so
// a coarse mutex guards both the encoder's bookkeeping and the
// underlying I/O, mirroring the discipline spec.md §5 mandates on the
// decoder side.
type Writer struct {
	mu struct {
		sync.Mutex
		out             *sinkWriter
		knownFrames     map[record.FrameId]struct{}
		knownThreadName map[uint64]string
		nextNativeId    uint32
	}
}

// sinkWriter pairs a transport.Sink with its io.Writer adapter so the
// codec helpers (which take io.Writer) and Flush/Close (which need the
// Sink) share one value.
type sinkWriter struct {
	sink transport.Sink
	w    io.Writer
}

// NewWriter writes header immediately and returns a Writer ready to
// accept events. header.Stats is the caller's snapshot as of stream
// start; this module never rewrites it (spec.md §3: "Written once at
// stream start").
func NewWriter(sink transport.Sink, header record.HeaderRecord) (*Writer, error) {
	out := transport.AsWriter(sink)
	if err := record.WriteHeader(out, header); err != nil {
		return nil, fmt.Errorf("encoder: failed to write header: %w", err)
	}
	w := &Writer{}
	w.mu.out = &sinkWriter{sink: sink, w: out}
	w.mu.knownFrames = make(map[record.FrameId]struct{})
	w.mu.knownThreadName = make(map[uint64]string)
	return w, nil
}

// PushFrame records tid entering the interpreter frame identified by
// id, whose metadata is f. If id has not previously been seen on this
// stream, a FRAME_INDEX record is emitted first, per spec.md §4.E
// ("definitions precede uses").
func (w *Writer) PushFrame(tid uint64, id record.FrameId, f record.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, known := w.mu.knownFrames[id]; !known {
		if err := record.WriteTag(w.mu.out.w, record.TagFrameIndex); err != nil {
			return err
		}
		if err := record.WriteFrameIndex(w.mu.out.w, record.FrameIndexRecord{
			FrameId:      uint32(id),
			FunctionName: f.FunctionName,
			FileName:     f.FileName,
			ParentLineno: f.ParentLineno,
		}); err != nil {
			return fmt.Errorf("encoder: failed to write FRAME_INDEX: %w", err)
		}
		w.mu.knownFrames[id] = struct{}{}
	}
	if err := record.WriteTag(w.mu.out.w, record.TagFramePush); err != nil {
		return err
	}
	if err := record.WriteFramePush(w.mu.out.w, record.FramePushPayload{Tid: tid, FrameId: uint32(id)}); err != nil {
		return fmt.Errorf("encoder: failed to write FRAME_PUSH: %w", err)
	}
	return nil
}

// PopFrame records tid leaving count interpreter frames. count == 0 is
// a documented no-op (spec.md §8) and emits nothing.
func (w *Writer) PopFrame(tid uint64, count uint16) error {
	if count == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := record.WriteTag(w.mu.out.w, record.TagFramePop); err != nil {
		return err
	}
	if err := record.WriteFramePop(w.mu.out.w, record.FramePopPayload{Tid: tid, Count: count}); err != nil {
		return fmt.Errorf("encoder: failed to write FRAME_POP: %w", err)
	}
	return nil
}

// SetThreadName emits THREAD_RECORD for tid. Callers are expected to
// call this once when a new thread is first observed, and again
// whenever the host runtime renames it; the decoder takes last-wins, so
// repeated calls with an unchanged name are skipped to avoid redundant
// records.
func (w *Writer) SetThreadName(tid uint64, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, seen := w.mu.knownThreadName[tid]; seen && prev == name {
		return nil
	}
	if err := record.WriteTag(w.mu.out.w, record.TagThreadRecord); err != nil {
		return err
	}
	if err := record.WriteThreadRecordHeader(w.mu.out.w, record.ThreadRecordHeader{Tid: tid}); err != nil {
		return fmt.Errorf("encoder: failed to write THREAD_RECORD: %w", err)
	}
	if err := record.WriteCString(w.mu.out.w, name); err != nil {
		return fmt.Errorf("encoder: failed to write THREAD_RECORD name: %w", err)
	}
	w.mu.knownThreadName[tid] = name
	return nil
}

// RecordAllocation emits one ALLOCATION record. Callers are responsible
// for having already pushed whatever frames are live for rec.Tid and
// for having obtained rec.NativeFrameId from RecordNativeFrame (0 if
// native traces are disabled or no native stack was captured).
func (w *Writer) RecordAllocation(rec record.AllocationRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := record.WriteTag(w.mu.out.w, record.TagAllocation); err != nil {
		return err
	}
	if err := record.WriteAllocation(w.mu.out.w, rec); err != nil {
		return fmt.Errorf("encoder: failed to write ALLOCATION: %w", err)
	}
	return nil
}

// RecordNativeFrame appends one entry to the stream's native-frames
// vector and returns the native_frame_id a later ALLOCATION should use
// to reference it (1-based; 0 is reserved for "no native stack").
// parentIndex chains to a previously returned native_frame_id, or 0 to
// start a new native stack.
func (w *Writer) RecordNativeFrame(instructionPointer uint64, parentIndex uint32) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := record.WriteTag(w.mu.out.w, record.TagNativeTraceIndex); err != nil {
		return 0, err
	}
	if err := record.WriteNativeFrame(w.mu.out.w, record.UnresolvedNativeFrame{
		InstructionPointer: instructionPointer,
		ParentIndex:        parentIndex,
	}); err != nil {
		return 0, fmt.Errorf("encoder: failed to write NATIVE_TRACE_INDEX: %w", err)
	}
	w.mu.nextNativeId++
	return w.mu.nextNativeId, nil
}

// StartMemoryMap emits MEMORY_MAP_START, telling the decoder to discard
// all previously registered loaded objects before the SEGMENT_HEADER
// records that follow.
func (w *Writer) StartMemoryMap() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return record.WriteTag(w.mu.out.w, record.TagMemoryMapStart)
}

// AddLoadedObject emits one SEGMENT_HEADER followed by one SEGMENT per
// entry in segments, registering a loaded object at the decoder's
// current resolver generation.
func (w *Writer) AddLoadedObject(filename string, baseAddr uint64, segments []record.SegmentPayload) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := record.WriteTag(w.mu.out.w, record.TagSegmentHeader); err != nil {
		return err
	}
	if err := record.WriteCString(w.mu.out.w, filename); err != nil {
		return fmt.Errorf("encoder: failed to write SEGMENT_HEADER filename: %w", err)
	}
	if err := record.WriteSegmentHeader(w.mu.out.w, record.SegmentHeaderPayload{
		NumSegments: uint32(len(segments)),
		BaseAddr:    baseAddr,
	}); err != nil {
		return fmt.Errorf("encoder: failed to write SEGMENT_HEADER: %w", err)
	}
	for _, seg := range segments {
		if err := record.WriteTag(w.mu.out.w, record.TagSegment); err != nil {
			return err
		}
		if err := record.WriteSegment(w.mu.out.w, seg); err != nil {
			return fmt.Errorf("encoder: failed to write SEGMENT: %w", err)
		}
	}
	return nil
}

// Flush flushes the underlying Sink.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mu.out.sink.Flush()
}

// Close flushes and closes the underlying Sink.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mu.out.sink.Close()
}
