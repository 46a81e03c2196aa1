package analysis

import (
	"github.com/DataExMachina-dev/memtrace-go/intern"
	"github.com/DataExMachina-dev/memtrace-go/record"
	"github.com/DataExMachina-dev/memtrace-go/symbol"
)

// FrameInfo is one rendered frame of a pure-interpreter stack trace.
type FrameInfo struct {
	FunctionName string
	FileName     string
	Lineno       int32
}

// StackTrace walks the stack tree from index toward the root for up to
// maxDepth nodes, rendering each as a FrameInfo.
//
// The displayed lineno for a node uses its Frame's own Lineno field
// when set (an allocation-frame specialization: the line the allocation
// actually happened on) and falls back to ParentLineno otherwise (a
// canonical, unspecialized frame: the line in its caller from which it
// was invoked). The outermost frame in a captured call sequence
// naturally reports the sentinel -1 this way, since the host runtime
// has no caller line to record for it — no separate case is needed for
// "the topmost frame".
func StackTrace(tree *intern.StackTree, frames *intern.FrameTable, index uint32, maxDepth int) []FrameInfo {
	var out []FrameInfo
	for i := index; i != intern.RootIndex && len(out) < maxDepth; i = tree.NextNode(i) {
		node := tree.Node(i)
		f, ok := frames.Lookup(node.FrameId)
		if !ok {
			continue
		}
		lineno := f.ParentLineno
		if f.Lineno != record.UnresolvedLineno {
			lineno = f.Lineno
		}
		out = append(out, FrameInfo{FunctionName: f.FunctionName, FileName: f.FileName, Lineno: lineno})
	}
	return out
}

// NativeStackTrace walks the native-frames vector via parent_index
// links starting at nativeFrameId, for up to maxDepth nodes, resolving
// each instruction pointer against resolver at generation. A resolver
// miss contributes no frames for that link but does not stop the walk.
func NativeStackTrace(nativeFrames []record.UnresolvedNativeFrame, resolver *symbol.Resolver, nativeFrameId uint32, generation uint64, maxDepth int) []symbol.ResolvedFrame {
	var out []symbol.ResolvedFrame
	id := nativeFrameId
	for depth := 0; id != 0 && depth < maxDepth; depth++ {
		if int(id) >= len(nativeFrames) {
			break
		}
		nf := nativeFrames[id]
		if resolver != nil {
			if frames, ok := resolver.Resolve(nf.InstructionPointer, generation); ok {
				out = append(out, frames...)
			}
		}
		id = nf.ParentIndex
	}
	return out
}

// HybridFrame is one frame of a HybridTrace: either a resolved native
// frame or an interpreter frame substituted for an eval-frame
// trampoline.
type HybridFrame struct {
	FunctionName string
	FileName     string
	Lineno       int32
	Native       bool
}

// HybridTrace zips native resolution with the pure-interpreter stack
// (spec.md §4.G): it walks the native chain starting at nativeFrameId;
// whenever a resolved native frame's function name is recognized by
// isEvalTrampoline as the interpreter's eval-frame entry point, the
// next interpreter frame from pyFrames is substituted in its place
// (skipping any interpreter frames isCompiledGlue flags by filename);
// otherwise the native frame itself is emitted.
func HybridTrace(
	nativeFrames []record.UnresolvedNativeFrame,
	resolver *symbol.Resolver,
	nativeFrameId uint32,
	generation uint64,
	pyFrames []FrameInfo,
	maxDepth int,
	isEvalTrampoline func(functionName string) bool,
	isCompiledGlue func(fileName string) bool,
) []HybridFrame {
	var out []HybridFrame
	pyIdx := 0
	id := nativeFrameId
	for depth := 0; id != 0 && depth < maxDepth; {
		if int(id) >= len(nativeFrames) {
			break
		}
		nf := nativeFrames[id]
		id = nf.ParentIndex

		var resolved []symbol.ResolvedFrame
		if resolver != nil {
			resolved, _ = resolver.Resolve(nf.InstructionPointer, generation)
		}
		if len(resolved) == 0 {
			depth++
			continue
		}
		for _, rf := range resolved {
			if depth >= maxDepth {
				break
			}
			if isEvalTrampoline(rf.FunctionName) {
				for pyIdx < len(pyFrames) {
					pf := pyFrames[pyIdx]
					pyIdx++
					if isCompiledGlue(pf.FileName) {
						continue
					}
					out = append(out, HybridFrame{FunctionName: pf.FunctionName, FileName: pf.FileName, Lineno: pf.Lineno})
					break
				}
			} else {
				out = append(out, HybridFrame{FunctionName: rf.FunctionName, FileName: rf.FileName, Lineno: rf.Lineno, Native: true})
			}
			depth++
		}
	}
	return out
}
