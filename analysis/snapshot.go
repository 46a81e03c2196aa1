// Package analysis implements the snapshot and watermark analytics of
// spec.md §4.G over a materialized sequence of decoder.Allocation
// events, plus the stack-trace and native/hybrid trace rendering of
// §4.G's final three operations.
package analysis

import (
	"golang.org/x/exp/slices"

	"github.com/DataExMachina-dev/memtrace-go/decoder"
	"github.com/DataExMachina-dev/memtrace-go/record"
)

// Watermark is the result of HighWatermark.
type Watermark struct {
	Index      int
	PeakMemory uint64
}

// HighWatermark scans events once, replaying a map of address->size to
// track live_bytes, and returns the index of the event at which
// live_bytes first reached its maximum along with that maximum.
// Deallocations of unknown addresses are ignored (spec.md §4.G: they
// predate capture).
func HighWatermark(events []decoder.Allocation) Watermark {
	live := make(map[uint64]uint64)
	var liveBytes uint64
	var peak Watermark
	for i, e := range events {
		if e.Record.Allocator.IsDeallocation() {
			if sz, ok := live[e.Record.Address]; ok {
				liveBytes -= sz
				delete(live, e.Record.Address)
			}
		} else {
			live[e.Record.Address] = e.Record.Size
			liveBytes += e.Record.Size
		}
		if liveBytes > peak.PeakMemory {
			peak = Watermark{Index: i, PeakMemory: liveBytes}
		}
	}
	return peak
}

// Row is one grouped row of a Snapshot.
type Row struct {
	StackTreeIndex uint32
	Allocator      record.AllocatorKind
	Tid            uint64 // zero when the snapshot merged threads
	NumAllocations int
	TotalSize      uint64
}

type rowKey struct {
	stackIndex uint32
	allocator  record.AllocatorKind
	tid        uint64
}

// Snapshot replays events[0..index] and returns one Row per group of
// still-live allocations, grouped by (stack_tree_index, allocator) and,
// unless mergeThreads is set, also by tid.
func Snapshot(events []decoder.Allocation, index int, mergeThreads bool) []Row {
	live := make(map[uint64]decoder.Allocation)
	for i := 0; i <= index && i < len(events); i++ {
		e := events[i]
		if e.Record.Allocator.IsDeallocation() {
			delete(live, e.Record.Address)
		} else {
			live[e.Record.Address] = e
		}
	}

	groups := make(map[rowKey]*Row)
	for _, e := range live {
		key := rowKey{stackIndex: e.StackTreeIndex, allocator: e.Record.Allocator}
		if !mergeThreads {
			key.tid = e.Record.Tid
		}
		row, ok := groups[key]
		if !ok {
			row = &Row{StackTreeIndex: key.stackIndex, Allocator: key.allocator, Tid: key.tid}
			groups[key] = row
		}
		row.NumAllocations++
		row.TotalSize += e.Record.Size
	}

	rows := make([]Row, 0, len(groups))
	for _, row := range groups {
		rows = append(rows, *row)
	}
	slices.SortFunc(rows, func(a, b Row) int {
		if a.StackTreeIndex != b.StackTreeIndex {
			return int(a.StackTreeIndex) - int(b.StackTreeIndex)
		}
		if a.Allocator != b.Allocator {
			return int(a.Allocator) - int(b.Allocator)
		}
		if a.Tid < b.Tid {
			return -1
		}
		if a.Tid > b.Tid {
			return 1
		}
		return 0
	})
	return rows
}

// Leaks is Snapshot at the last index: every allocation whose address
// is never deallocated in the remainder of the stream.
func Leaks(events []decoder.Allocation, mergeThreads bool) []Row {
	if len(events) == 0 {
		return nil
	}
	return Snapshot(events, len(events)-1, mergeThreads)
}
