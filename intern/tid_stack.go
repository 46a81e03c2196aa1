package intern

import "github.com/DataExMachina-dev/memtrace-go/record"

// TidStacks tracks, for each observed thread id, the current call stack
// as a path of stack-tree node indices. The top of a TID's stack IS the
// node whose index doubles as an allocation's stack-tree index (spec.md
// §4.F): no separate trace-index computation is needed once a
// FRAME_PUSH has been replayed.
type TidStacks struct {
	tree   *StackTree
	frames *FrameTable
	stacks map[uint64][]uint32
}

// NewTidStacks constructs an empty per-TID stack tracker over tree and
// frames, which it uses to grow the tree and to specialize
// allocation-site frames.
func NewTidStacks(tree *StackTree, frames *FrameTable) *TidStacks {
	return &TidStacks{tree: tree, frames: frames, stacks: make(map[uint64][]uint32)}
}

// Top returns the stack-tree index of tid's current top frame, or
// RootIndex if tid has no live stack (spec.md invariant 1: an
// allocation's stack may legitimately be empty).
func (s *TidStacks) Top(tid uint64) uint32 {
	stack := s.stacks[tid]
	if len(stack) == 0 {
		return RootIndex
	}
	return stack[len(stack)-1]
}

// Depth returns the number of frames currently pushed for tid.
func (s *TidStacks) Depth(tid uint64) int {
	return len(s.stacks[tid])
}

// Push appends frame to tid's stack, growing the stack tree as needed,
// and returns the new top index.
func (s *TidStacks) Push(tid uint64, frame record.FrameId) uint32 {
	idx := s.tree.GetOrAppend(s.Top(tid), frame)
	s.stacks[tid] = append(s.stacks[tid], idx)
	return idx
}

// Pop removes count entries from tid's stack. Popping past empty is a
// hard error: a well-formed stream never emits a FRAME_POP whose count
// exceeds the outstanding pushes for that TID (spec.md §4.F).
func (s *TidStacks) Pop(tid uint64, count uint16) error {
	if count == 0 {
		return nil
	}
	stack := s.stacks[tid]
	if int(count) > len(stack) {
		return &record.FormatError{Msg: "intern: FRAME_POP count exceeds outstanding pushes"}
	}
	s.stacks[tid] = stack[:len(stack)-int(count)]
	return nil
}

// SpecializeAllocationFrame clones tid's current top frame with Lineno
// set to lineno, interns the clone (FrameTable.Specialize), and
// replaces tid's top with the resulting node so a subsequent allocation
// reports the specialized frame as its stack-tree index. The
// replacement is transient: it persists only until the next FRAME_POP
// for tid removes it, matching spec.md §4.C. A tid with no live stack
// is left untouched — there is nothing to specialize.
func (s *TidStacks) SpecializeAllocationFrame(tid uint64, lineno int32) (uint32, error) {
	stack := s.stacks[tid]
	if len(stack) == 0 {
		return RootIndex, nil
	}
	top := stack[len(stack)-1]
	node := s.tree.Node(top)
	specialized, err := s.frames.Specialize(node.FrameId, lineno)
	if err != nil {
		return RootIndex, err
	}
	newTop := s.tree.GetOrAppend(node.ParentIndex, specialized)
	stack[len(stack)-1] = newTop
	return newTop, nil
}
