// Package dump implements the raw-dump rendering of spec.md §6: a
// plain-text rendering of a trace stream, one line for the header and
// one line per record after it, naming the record's tag and decoded
// fields. It is a pure library function; flag parsing and output
// destination selection belong to the (out-of-scope) reporting
// front-end.
package dump

import (
	"fmt"
	"io"

	"github.com/DataExMachina-dev/memtrace-go/record"
	"github.com/DataExMachina-dev/memtrace-go/transport"
)

// WriteRawDump reads source's header and every record that follows,
// rendering each as one line onto w, until the stream ends cleanly or a
// format error is hit. It does not build a stack tree or frame interner:
// each FRAME_INDEX/FRAME_PUSH/etc. is rendered as seen, independent of
// any other record, which is what makes this mode useful for diagnosing
// a stream whose records the stateful decoder.Reader rejects (a
// duplicate FRAME_INDEX or an over-pop, for instance). A bad magic or
// version is rejected here just as decoder.NewReader rejects it.
func WriteRawDump(w io.Writer, source transport.Source) error {
	in := transport.AsReader(source)
	header, err := record.ReadHeader(in, source)
	if err != nil {
		return fmt.Errorf("dump: failed to read header: %w", err)
	}
	if _, err := fmt.Fprintf(w,
		"magic=%s version=%d native_traces=%t n_allocations=%d n_frames=%d start_time=%d end_time=%d pid=%d command_line=%q\n",
		record.Magic[:7], header.Version, header.NativeTraces,
		header.Stats.NumAllocations, header.Stats.NumFrames,
		header.Stats.StartTimeMs, header.Stats.EndTimeMs,
		header.Pid, header.CommandLine,
	); err != nil {
		return err
	}

	for {
		tag, err := record.ReadTag(in)
		if err != nil {
			return nil
		}
		if err := writeRecordLine(w, in, source, tag); err != nil {
			return err
		}
	}
}

func writeRecordLine(w io.Writer, in io.Reader, lr record.LineReader, tag record.Tag) error {
	switch tag {
	case record.TagAllocation:
		v, err := record.ReadAllocation(in)
		if err != nil {
			return fmt.Errorf("dump: truncated ALLOCATION: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s tid=%d address=%#x size=%d allocator=%s py_lineno=%d native_frame_id=%d\n",
			tag, v.Tid, v.Address, v.Size, v.Allocator, v.PyLineno, v.NativeFrameId)
		return err

	case record.TagFramePush:
		v, err := record.ReadFramePush(in)
		if err != nil {
			return fmt.Errorf("dump: truncated FRAME_PUSH: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s tid=%d frame_id=%d\n", tag, v.Tid, v.FrameId)
		return err

	case record.TagFramePop:
		v, err := record.ReadFramePop(in)
		if err != nil {
			return fmt.Errorf("dump: truncated FRAME_POP: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s tid=%d count=%d\n", tag, v.Tid, v.Count)
		return err

	case record.TagFrameIndex:
		v, ok := record.ReadFrameIndex(in, lr)
		if !ok {
			return fmt.Errorf("dump: truncated FRAME_INDEX")
		}
		_, err := fmt.Fprintf(w, "%s frame_id=%d function_name=%q filename=%q parent_lineno=%d\n",
			tag, v.FrameId, v.FunctionName, v.FileName, v.ParentLineno)
		return err

	case record.TagNativeTraceIndex:
		v, err := record.ReadNativeFrame(in)
		if err != nil {
			return fmt.Errorf("dump: truncated NATIVE_TRACE_INDEX: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s instruction_pointer=%#x parent_index=%d\n", tag, v.InstructionPointer, v.ParentIndex)
		return err

	case record.TagMemoryMapStart:
		_, err := fmt.Fprintf(w, "%s\n", tag)
		return err

	case record.TagSegmentHeader:
		filename, ok := record.ReadCString(lr)
		if !ok {
			return fmt.Errorf("dump: truncated SEGMENT_HEADER filename")
		}
		hdr, err := record.ReadSegmentHeader(in)
		if err != nil {
			return fmt.Errorf("dump: truncated SEGMENT_HEADER: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s filename=%q base_addr=%#x num_segments=%d\n", tag, filename, hdr.BaseAddr, hdr.NumSegments); err != nil {
			return err
		}
		for i := uint32(0); i < hdr.NumSegments; i++ {
			segTag, err := record.ReadTag(in)
			if err != nil {
				return fmt.Errorf("dump: truncated SEGMENT: %w", err)
			}
			if segTag != record.TagSegment {
				return &record.FormatError{Msg: fmt.Sprintf("dump: expected SEGMENT, got tag %q", byte(segTag))}
			}
			seg, err := record.ReadSegment(in)
			if err != nil {
				return fmt.Errorf("dump: truncated SEGMENT: %w", err)
			}
			if _, err := fmt.Fprintf(w, "%s vaddr=%#x memsz=%d\n", segTag, seg.VAddr, seg.MemSz); err != nil {
				return err
			}
		}
		return nil

	case record.TagThreadRecord:
		hdr, err := record.ReadThreadRecordHeader(in)
		if err != nil {
			return fmt.Errorf("dump: truncated THREAD_RECORD: %w", err)
		}
		name, ok := record.ReadCString(lr)
		if !ok {
			return fmt.Errorf("dump: truncated THREAD_RECORD name")
		}
		_, err = fmt.Fprintf(w, "%s tid=%d name=%q\n", tag, hdr.Tid, name)
		return err

	default:
		return &record.FormatError{Msg: fmt.Sprintf("dump: unknown tag %q", byte(tag))}
	}
}
