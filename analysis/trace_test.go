package analysis_test

import (
	"testing"

	"github.com/DataExMachina-dev/memtrace-go/analysis"
	"github.com/DataExMachina-dev/memtrace-go/intern"
	"github.com/DataExMachina-dev/memtrace-go/record"
	"github.com/DataExMachina-dev/memtrace-go/symbol"
	"github.com/stretchr/testify/require"
)

func TestStackTraceWalksRootward(t *testing.T) {
	tree := intern.NewStackTree()
	frames := intern.NewFrameTable()
	require.NoError(t, frames.Insert(1, record.Frame{FunctionName: "outer", FileName: "a.py", ParentLineno: record.UnresolvedLineno, Lineno: record.UnresolvedLineno}))
	require.NoError(t, frames.Insert(2, record.Frame{FunctionName: "inner", FileName: "a.py", ParentLineno: 10, Lineno: record.UnresolvedLineno}))

	n1 := tree.GetOrAppend(intern.RootIndex, 1)
	n2 := tree.GetOrAppend(n1, 2)

	trace := analysis.StackTrace(tree, frames, n2, 10)
	require.Equal(t, []analysis.FrameInfo{
		{FunctionName: "inner", FileName: "a.py", Lineno: 10},
		{FunctionName: "outer", FileName: "a.py", Lineno: record.UnresolvedLineno},
	}, trace)
}

func TestStackTraceUsesSpecializedLinenoWhenSet(t *testing.T) {
	tree := intern.NewStackTree()
	frames := intern.NewFrameTable()
	require.NoError(t, frames.Insert(1, record.Frame{FunctionName: "f", FileName: "a.py", ParentLineno: 10, Lineno: record.UnresolvedLineno}))
	specialized, err := frames.Specialize(1, 42)
	require.NoError(t, err)

	n := tree.GetOrAppend(intern.RootIndex, specialized)
	trace := analysis.StackTrace(tree, frames, n, 10)
	require.Equal(t, []analysis.FrameInfo{{FunctionName: "f", FileName: "a.py", Lineno: 42}}, trace)
}

func TestStackTraceRespectsMaxDepth(t *testing.T) {
	tree := intern.NewStackTree()
	frames := intern.NewFrameTable()
	require.NoError(t, frames.Insert(1, record.Frame{FunctionName: "a", FileName: "x.py", ParentLineno: record.UnresolvedLineno, Lineno: record.UnresolvedLineno}))
	require.NoError(t, frames.Insert(2, record.Frame{FunctionName: "b", FileName: "x.py", ParentLineno: 1, Lineno: record.UnresolvedLineno}))
	n1 := tree.GetOrAppend(intern.RootIndex, 1)
	n2 := tree.GetOrAppend(n1, 2)

	trace := analysis.StackTrace(tree, frames, n2, 1)
	require.Len(t, trace, 1)
	require.Equal(t, "b", trace[0].FunctionName)
}

func TestStackTraceEmptyAtRoot(t *testing.T) {
	tree := intern.NewStackTree()
	frames := intern.NewFrameTable()
	require.Empty(t, analysis.StackTrace(tree, frames, intern.RootIndex, 10))
}

type stubSymbolizer struct {
	names map[uint64]string
}

func (s *stubSymbolizer) Symbolize(obj symbol.LoadedObject, ip uint64) ([]symbol.ResolvedFrame, error) {
	name, ok := s.names[ip]
	if !ok {
		name = "unknown"
	}
	return []symbol.ResolvedFrame{{FunctionName: name, FileName: obj.Filename}}, nil
}

func newResolverWithSegments(t *testing.T, names map[uint64]string) *symbol.Resolver {
	t.Helper()
	resolver, err := symbol.NewResolver(&stubSymbolizer{names: names}, 8)
	require.NoError(t, err)
	resolver.AddSegments("libx", 0x1000, []symbol.Segment{{VAddr: 0, MemSz: 0x10000}})
	return resolver
}

func TestNativeStackTraceWalksParentChain(t *testing.T) {
	resolver := newResolverWithSegments(t, map[uint64]string{0x1050: "leaf", 0x1020: "root"})
	nativeFrames := []record.UnresolvedNativeFrame{
		{}, // sentinel
		{InstructionPointer: 0x1020, ParentIndex: 0},
		{InstructionPointer: 0x1050, ParentIndex: 1},
	}

	trace := analysis.NativeStackTrace(nativeFrames, resolver, 2, resolver.CurrentGeneration(), 10)
	require.Equal(t, []symbol.ResolvedFrame{
		{FunctionName: "leaf", FileName: "libx"},
		{FunctionName: "root", FileName: "libx"},
	}, trace)
}

func TestNativeStackTraceNilResolverYieldsNoFrames(t *testing.T) {
	nativeFrames := []record.UnresolvedNativeFrame{{}, {InstructionPointer: 0x1020, ParentIndex: 0}}
	require.Empty(t, analysis.NativeStackTrace(nativeFrames, nil, 1, 0, 10))
}

func TestHybridTraceSubstitutesInterpreterFramesAtEvalTrampoline(t *testing.T) {
	resolver := newResolverWithSegments(t, map[uint64]string{
		0x1010: "main",
		0x1020: "eval_frame",
	})
	nativeFrames := []record.UnresolvedNativeFrame{
		{},
		{InstructionPointer: 0x1010, ParentIndex: 0},
		{InstructionPointer: 0x1020, ParentIndex: 1},
	}
	pyFrames := []analysis.FrameInfo{{FunctionName: "handler", FileName: "app.py", Lineno: 5}}

	isEvalTrampoline := func(name string) bool { return name == "eval_frame" }
	isCompiledGlue := func(string) bool { return false }

	trace := analysis.HybridTrace(nativeFrames, resolver, 2, resolver.CurrentGeneration(), pyFrames, 10, isEvalTrampoline, isCompiledGlue)
	require.Equal(t, []analysis.HybridFrame{
		{FunctionName: "handler", FileName: "app.py", Lineno: 5, Native: false},
		{FunctionName: "main", FileName: "libx", Native: true},
	}, trace)
}
