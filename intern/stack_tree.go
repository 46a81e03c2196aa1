package intern

import "github.com/DataExMachina-dev/memtrace-go/record"

// RootIndex is the sentinel stack-tree node index: the empty stack.
const RootIndex uint32 = 0

// StackTreeNode is one node of the append-only stack tree (spec.md §4.C):
// the path from the root to a node is the call stack it represents.
type StackTreeNode struct {
	FrameId     record.FrameId
	ParentIndex uint32
}

type childKey struct {
	parent uint32
	frame  record.FrameId
}

// StackTree is the global, append-only tree of observed call stacks.
// Node 0 is the root sentinel and is never assigned a FrameId; every
// other node is reachable by some sequence of Push operations from the
// root. The tree never shrinks: FRAME_POP only moves a per-TID cursor
// back toward the root, it never removes a node (spec.md §4.C invariant
// 3), so node indices remain valid for the lifetime of a decode.
type StackTree struct {
	nodes    []StackTreeNode
	children map[childKey]uint32
}

// NewStackTree constructs a tree containing only the root sentinel.
func NewStackTree() *StackTree {
	return &StackTree{
		nodes:    []StackTreeNode{{FrameId: record.NoFrame, ParentIndex: RootIndex}},
		children: make(map[childKey]uint32),
	}
}

// GetOrAppend returns the child of parent for frame, creating it if this
// is the first time the pair has been seen. Per spec.md §4.C, the first
// child inserted for a given (parent, frame) wins forever; later calls
// with the same pair always return that same node.
func (t *StackTree) GetOrAppend(parent uint32, frame record.FrameId) uint32 {
	key := childKey{parent: parent, frame: frame}
	if idx, ok := t.children[key]; ok {
		return idx
	}
	idx := uint32(len(t.nodes))
	t.nodes = append(t.nodes, StackTreeNode{FrameId: frame, ParentIndex: parent})
	t.children[key] = idx
	return idx
}

// GetTraceIndex walks path from the root, growing the tree as needed,
// and returns the index of the node terminating the path.
func (t *StackTree) GetTraceIndex(path []record.FrameId) uint32 {
	idx := RootIndex
	for _, f := range path {
		idx = t.GetOrAppend(idx, f)
	}
	return idx
}

// Node returns the node at index. index must be a value previously
// returned by GetOrAppend/GetTraceIndex (or RootIndex).
func (t *StackTree) Node(index uint32) StackTreeNode {
	return t.nodes[index]
}

// NextNode walks toward the root: it returns the parent of index.
func (t *StackTree) NextNode(index uint32) uint32 {
	return t.nodes[index].ParentIndex
}

// Len returns the number of nodes in the tree, including the root.
func (t *StackTree) Len() int {
	return len(t.nodes)
}
