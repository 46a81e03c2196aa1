package decoder_test

import (
	"bytes"
	"testing"

	"github.com/DataExMachina-dev/memtrace-go/decoder"
	"github.com/DataExMachina-dev/memtrace-go/encoder"
	"github.com/DataExMachina-dev/memtrace-go/record"
	"github.com/DataExMachina-dev/memtrace-go/symbol"
	"github.com/stretchr/testify/require"
)

// memSink/memSource give the decoder tests a byte-buffer transport
// without touching the filesystem or a socket.
type memSink struct {
	buf    bytes.Buffer
	closed bool
}

func (m *memSink) Write(buf []byte) bool {
	if m.closed {
		return false
	}
	m.buf.Write(buf)
	return true
}
func (m *memSink) Flush() error { return nil }
func (m *memSink) Close() error { m.closed = true; return nil }

type memSource struct {
	r      *bytes.Reader
	open   bool
	closed bool
}

func newMemSource(data []byte) *memSource {
	return &memSource{r: bytes.NewReader(data), open: true}
}

func (m *memSource) Read(buf []byte) bool {
	if len(buf) == 0 {
		return true
	}
	n, err := m.r.Read(buf)
	return err == nil && n == len(buf)
}

func (m *memSource) GetLine(sep byte) (string, bool) {
	var out []byte
	for {
		b, err := m.r.ReadByte()
		if err != nil {
			return "", false
		}
		if b == sep {
			return string(out), true
		}
		out = append(out, b)
	}
}

func (m *memSource) IsOpen() bool { return m.open && !m.closed }
func (m *memSource) Close() error { m.closed = true; m.open = false; return nil }

func testHeader() record.HeaderRecord {
	return record.HeaderRecord{Version: record.CurrentVersion, CommandLine: "python app.py", Pid: 42}
}

// TestScenarioMinimalTrace reproduces spec.md §8 scenario 1.
func TestScenarioMinimalTrace(t *testing.T) {
	sink := &memSink{}
	w, err := encoder.NewWriter(sink, testHeader())
	require.NoError(t, err)

	require.NoError(t, w.PushFrame(7, 1, record.Frame{FunctionName: "f", FileName: "a.py", ParentLineno: 10, Lineno: record.UnresolvedLineno}))
	require.NoError(t, w.RecordAllocation(record.AllocationRecord{
		Tid: 7, Address: 0x100, Size: 64, Allocator: record.Malloc, PyLineno: 12,
	}))
	require.NoError(t, w.PopFrame(7, 1))

	src := newMemSource(sink.buf.Bytes())
	r, err := decoder.NewReader(src, nil)
	require.NoError(t, err)

	alloc, ok, err := r.NextAllocation()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(0x100), alloc.Record.Address)
	require.Equal(t, uint64(64), alloc.Record.Size)

	trace := stackTraceOf(t, r, alloc.StackTreeIndex)
	require.Equal(t, []frameTuple{{"f", "a.py", 12}}, trace)

	_, ok, err = r.NextAllocation()
	require.NoError(t, err)
	require.False(t, ok)
}

// TestScenarioAllocationFrameSpecialization reproduces spec.md §8
// scenario 2: two allocations at the same canonical frame but different
// lines get distinct stack-tree indices and traces.
func TestScenarioAllocationFrameSpecialization(t *testing.T) {
	sink := &memSink{}
	w, err := encoder.NewWriter(sink, testHeader())
	require.NoError(t, err)

	frame := record.Frame{FunctionName: "f", FileName: "a.py", ParentLineno: 10, Lineno: record.UnresolvedLineno}
	require.NoError(t, w.PushFrame(7, 1, frame))
	require.NoError(t, w.RecordAllocation(record.AllocationRecord{Tid: 7, Address: 0x100, Size: 64, Allocator: record.Malloc, PyLineno: 12}))
	require.NoError(t, w.RecordAllocation(record.AllocationRecord{Tid: 7, Address: 0x200, Size: 32, Allocator: record.Malloc, PyLineno: 15}))

	src := newMemSource(sink.buf.Bytes())
	r, err := decoder.NewReader(src, nil)
	require.NoError(t, err)

	first, ok, err := r.NextAllocation()
	require.NoError(t, err)
	require.True(t, ok)
	second, ok, err := r.NextAllocation()
	require.NoError(t, err)
	require.True(t, ok)

	require.NotEqual(t, first.StackTreeIndex, second.StackTreeIndex)
	require.Equal(t, []frameTuple{{"f", "a.py", 12}}, stackTraceOf(t, r, first.StackTreeIndex))
	require.Equal(t, []frameTuple{{"f", "a.py", 15}}, stackTraceOf(t, r, second.StackTreeIndex))
}

// TestScenarioMemoryMapRotation reproduces spec.md §8 scenario 5: a
// native frame captured before a MEMORY_MAP_START rotation resolves
// fine while its generation is still current, but becomes permanently
// unresolvable once the map rotates, even against its own
// (now-stale) generation number.
func TestScenarioMemoryMapRotation(t *testing.T) {
	resolver, err := symbol.NewResolver(&fakeSymbolizer{}, 8)
	require.NoError(t, err)

	sink := &memSink{}
	w, err := encoder.NewWriter(sink, testHeader())
	require.NoError(t, err)

	require.NoError(t, w.AddLoadedObject("libx", 0x7000, []record.SegmentPayload{{VAddr: 0, MemSz: 100}}))
	nfid, err := w.RecordNativeFrame(0x7050, 0)
	require.NoError(t, err)
	require.NoError(t, w.RecordAllocation(record.AllocationRecord{
		Tid: 7, Address: 0x1, Size: 1, Allocator: record.Malloc, PyLineno: record.UnresolvedLineno, NativeFrameId: nfid,
	}))
	require.NoError(t, w.StartMemoryMap())
	require.NoError(t, w.RecordAllocation(record.AllocationRecord{
		Tid: 7, Address: 0x2, Size: 2, Allocator: record.Malloc, PyLineno: record.UnresolvedLineno,
	}))

	src := newMemSource(sink.buf.Bytes())
	r, err := decoder.NewReader(src, resolver)
	require.NoError(t, err)

	first, ok, err := r.NextAllocation()
	require.NoError(t, err)
	require.True(t, ok)

	nf, ok := r.NativeFrame(nfid)
	require.True(t, ok)

	// Still pre-rotation: the generation captured with the allocation
	// resolves.
	_, ok = resolver.Resolve(nf.InstructionPointer, first.NativeSegmentGeneration)
	require.True(t, ok)

	second, ok, err := r.NextAllocation()
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, first.NativeSegmentGeneration, second.NativeSegmentGeneration)

	// Post-rotation: the old generation is rejected outright...
	_, ok = resolver.Resolve(nf.InstructionPointer, first.NativeSegmentGeneration)
	require.False(t, ok)
	// ...and the new generation has no segments registered for this
	// address, since the map rotation was never followed by a
	// re-registration in this trace.
	_, ok = resolver.Resolve(nf.InstructionPointer, second.NativeSegmentGeneration)
	require.False(t, ok)
}

// TestScenarioVersionMismatch reproduces spec.md §8 scenario 6.
func TestScenarioVersionMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, record.WriteHeader(&buf, record.HeaderRecord{Version: record.CurrentVersion + 1}))

	src := newMemSource(buf.Bytes())
	_, err := decoder.NewReader(src, nil)
	require.Error(t, err)
	require.True(t, record.IsFormatError(err))
}

func TestUnderPopIsFatal(t *testing.T) {
	sink := &memSink{}
	w, err := encoder.NewWriter(sink, testHeader())
	require.NoError(t, err)
	require.NoError(t, w.PushFrame(7, 1, record.Frame{FunctionName: "f"}))

	// Hand-craft an over-pop directly on the wire, bypassing the
	// encoder (which would never emit one).
	require.NoError(t, record.WriteTag(&sink.buf, record.TagFramePop))
	require.NoError(t, record.WriteFramePop(&sink.buf, record.FramePopPayload{Tid: 7, Count: 5}))

	src := newMemSource(sink.buf.Bytes())
	r, err := decoder.NewReader(src, nil)
	require.NoError(t, err)

	_, ok, err := r.NextAllocation()
	require.False(t, ok)
	require.Error(t, err)
	require.True(t, record.IsFormatError(err))
}

func TestDuplicateFrameIndexIsFatal(t *testing.T) {
	sink := &memSink{}
	_, err := encoder.NewWriter(sink, testHeader())
	require.NoError(t, err)

	// Hand-craft two FRAME_INDEX records for the same FrameId directly
	// on the wire, bypassing the encoder (which dedups by id).
	fi := record.FrameIndexRecord{FrameId: 1, FunctionName: "f", FileName: "a.py", ParentLineno: 10}
	require.NoError(t, record.WriteTag(&sink.buf, record.TagFrameIndex))
	require.NoError(t, record.WriteFrameIndex(&sink.buf, fi))
	require.NoError(t, record.WriteTag(&sink.buf, record.TagFrameIndex))
	require.NoError(t, record.WriteFrameIndex(&sink.buf, fi))

	src := newMemSource(sink.buf.Bytes())
	r, err := decoder.NewReader(src, nil)
	require.NoError(t, err)

	_, ok, err := r.NextAllocation()
	require.False(t, ok)
	require.Error(t, err)
	require.True(t, record.IsFormatError(err))
}

func TestSpecializingAnUndefinedTopFrameIsFatal(t *testing.T) {
	sink := &memSink{}
	_, err := encoder.NewWriter(sink, testHeader())
	require.NoError(t, err)

	// Hand-craft a FRAME_PUSH for a FrameId with no matching FRAME_INDEX,
	// then an ALLOCATION that forces specialization of that top frame.
	require.NoError(t, record.WriteTag(&sink.buf, record.TagFramePush))
	require.NoError(t, record.WriteFramePush(&sink.buf, record.FramePushPayload{Tid: 7, FrameId: 9}))
	require.NoError(t, record.WriteTag(&sink.buf, record.TagAllocation))
	require.NoError(t, record.WriteAllocation(&sink.buf, record.AllocationRecord{
		Tid: 7, Address: 0x1, Size: 1, Allocator: record.Malloc, PyLineno: 12,
	}))

	src := newMemSource(sink.buf.Bytes())
	r, err := decoder.NewReader(src, nil)
	require.NoError(t, err)

	_, ok, err := r.NextAllocation()
	require.False(t, ok)
	require.Error(t, err)
	require.True(t, record.IsFormatError(err))
}

func TestCleanEndOfStreamAtTagBoundary(t *testing.T) {
	sink := &memSink{}
	_, err := encoder.NewWriter(sink, testHeader())
	require.NoError(t, err)

	src := newMemSource(sink.buf.Bytes())
	r, err := decoder.NewReader(src, nil)
	require.NoError(t, err)

	_, ok, err := r.NextAllocation()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEmptyStackAllocationDeliversAtRoot(t *testing.T) {
	sink := &memSink{}
	w, err := encoder.NewWriter(sink, testHeader())
	require.NoError(t, err)
	require.NoError(t, w.RecordAllocation(record.AllocationRecord{
		Tid: 7, Address: 0x1, Size: 1, Allocator: record.Malloc, PyLineno: record.UnresolvedLineno,
	}))

	src := newMemSource(sink.buf.Bytes())
	r, err := decoder.NewReader(src, nil)
	require.NoError(t, err)

	alloc, ok, err := r.NextAllocation()
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, alloc.StackTreeIndex)
}

type fakeSymbolizer struct{}

func (fakeSymbolizer) Symbolize(obj symbol.LoadedObject, ip uint64) ([]symbol.ResolvedFrame, error) {
	return []symbol.ResolvedFrame{{FunctionName: "native_fn", FileName: obj.Filename}}, nil
}

type frameTuple struct {
	FunctionName, FileName string
	Lineno                 int32
}

func stackTraceOf(t *testing.T, r *decoder.Reader, index uint32) []frameTuple {
	t.Helper()
	var out []frameTuple
	tree := r.Tree()
	frames := r.Frames()
	for i := index; i != 0; i = tree.NextNode(i) {
		node := tree.Node(i)
		f, ok := frames.Lookup(node.FrameId)
		require.True(t, ok)
		lineno := f.ParentLineno
		if f.Lineno != record.UnresolvedLineno {
			lineno = f.Lineno
		}
		out = append(out, frameTuple{f.FunctionName, f.FileName, lineno})
	}
	return out
}
