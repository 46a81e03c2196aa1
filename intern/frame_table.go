// Package intern implements the frame interner and the append-only stack
// tree (spec.md §4.C): FrameTable maps FrameId -> record.Frame (and the
// reverse, for allocation-site specialization); StackTree and TidStacks
// build the tree of call stacks observed across all threads.
package intern

import "github.com/DataExMachina-dev/memtrace-go/record"

// FrameTable is the injective FrameId -> Frame interner. A single table
// and a single counter serve both canonical frames (inserted by
// FRAME_INDEX records) and allocation-frame specializations (inserted
// lazily while decoding an ALLOCATION record), resolving the Open
// Question in spec.md §9 without partitioning the id space: see
// DESIGN.md "Open Question decisions".
type FrameTable struct {
	frames map[record.FrameId]record.Frame
	// byValue memoizes allocation-frame specializations by the resulting
	// Frame *value* (function name, filename, parent lineno, lineno),
	// not by which FrameId happened to sit on top of a stack when the
	// specialization was requested. This is what makes Specialize
	// convergent: two allocations at the same site intern to the same
	// FrameId even if one of them was reached through an
	// already-specialized top frame (see original_source's
	// correctAllocationFrame, whose d_allocation_frames interner is keyed
	// the same way).
	byValue map[record.Frame]record.FrameId
	next    record.FrameId
}

// NewFrameTable constructs an empty FrameTable. FrameId 0 is never
// assigned to a real Frame; it is the permanent sentinel.
func NewFrameTable() *FrameTable {
	return &FrameTable{
		frames:  make(map[record.FrameId]record.Frame),
		byValue: make(map[record.Frame]record.FrameId),
		next:    1,
	}
}

// Insert registers the canonical Frame for id, as driven by a FRAME_INDEX
// record. Duplicate ids are a hard error per spec.md §3 invariant 2.
func (t *FrameTable) Insert(id record.FrameId, f record.Frame) error {
	if id == record.NoFrame {
		return &record.FormatError{Msg: "intern: FrameId 0 is reserved for the sentinel"}
	}
	if _, exists := t.frames[id]; exists {
		return &record.FormatError{Msg: "intern: duplicate FrameId"}
	}
	t.frames[id] = f
	if id >= t.next {
		t.next = id + 1
	}
	return nil
}

// Lookup returns the Frame for id, if any.
func (t *FrameTable) Lookup(id record.FrameId) (record.Frame, bool) {
	f, ok := t.frames[id]
	return f, ok
}

// Specialize returns the FrameId of the allocation-frame clone of the
// frame currently at top (which may itself already be a specialization),
// with Lineno set to lineno. The function name, filename, and parent
// lineno are carried over unchanged, so the resulting Frame value — and
// therefore its interned FrameId — depends only on those three fields
// plus lineno, never on how top was reached.
func (t *FrameTable) Specialize(top record.FrameId, lineno int32) (record.FrameId, error) {
	base, ok := t.frames[top]
	if !ok {
		return record.NoFrame, &record.FormatError{Msg: "intern: specialized a frame with no canonical definition"}
	}
	candidate := record.Frame{
		FunctionName: base.FunctionName,
		FileName:     base.FileName,
		ParentLineno: base.ParentLineno,
		Lineno:       lineno,
	}
	if id, ok := t.byValue[candidate]; ok {
		return id, nil
	}
	id := t.next
	t.next++
	t.frames[id] = candidate
	t.byValue[candidate] = id
	return id, nil
}

// Len returns the number of distinct frames interned (canonical plus
// allocation-frame specializations).
func (t *FrameTable) Len() int {
	return len(t.frames)
}
