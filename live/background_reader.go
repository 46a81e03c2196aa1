// Package live implements the background socket reader of spec.md
// §4.H: a worker goroutine that drains a decoder.Reader into a
// mutex-protected vector of materialized allocations, so a foreground
// goroutine can take live snapshots without blocking on the next
// record arriving from a socket or file.
package live

import (
	"sync"

	"github.com/DataExMachina-dev/memtrace-go/analysis"
	"github.com/DataExMachina-dev/memtrace-go/decoder"
)

// BackgroundReader owns a *decoder.Reader and a dedicated worker
// goroutine for its lifetime (spec.md §5: "only one thread may drive a
// decoder; the background reader owns its decoder").
type BackgroundReader struct {
	reader *decoder.Reader

	mu struct {
		sync.Mutex
		events  []decoder.Allocation
		active  bool
		lastErr error
	}

	wg *sync.WaitGroup
}

// NewBackgroundReader wraps reader; call Start to begin draining it.
func NewBackgroundReader(reader *decoder.Reader) *BackgroundReader {
	return &BackgroundReader{reader: reader}
}

// Start spawns the worker goroutine. It is an error to call Start twice
// without an intervening Close.
func (b *BackgroundReader) Start() {
	b.mu.Lock()
	if b.mu.active {
		b.mu.Unlock()
		return
	}
	b.mu.active = true
	b.mu.Unlock()

	wg := &sync.WaitGroup{}
	wg.Add(1)
	b.wg = wg
	go func() {
		defer wg.Done()
		b.run()
	}()
}

func (b *BackgroundReader) run() {
	for {
		alloc, ok, err := b.reader.NextAllocation()
		b.mu.Lock()
		if err != nil {
			b.mu.lastErr = err
		}
		if !ok {
			b.mu.active = false
			b.mu.Unlock()
			return
		}
		b.mu.events = append(b.mu.events, alloc)
		b.mu.Unlock()
	}
}

// IsActive reports whether the worker goroutine is still running. A
// reader becomes inactive once the underlying source closes or a fatal
// decode error occurs, just as a running one does once externally closed
// (spec.md §4.H).
func (b *BackgroundReader) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mu.active
}

// Err returns the last error observed by the worker goroutine, if any.
func (b *BackgroundReader) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mu.lastErr
}

// Snapshot copies the current allocation vector under the mutex and
// computes analysis.Snapshot at its last index, matching spec.md §4.H's
// "copy, compute, release, return" discipline: the expensive grouping
// work happens on the copy, outside the lock.
func (b *BackgroundReader) Snapshot(mergeThreads bool) []analysis.Row {
	b.mu.Lock()
	events := append([]decoder.Allocation(nil), b.mu.events...)
	b.mu.Unlock()
	if len(events) == 0 {
		return nil
	}
	return analysis.Snapshot(events, len(events)-1, mergeThreads)
}

// HighWatermark computes the high watermark over every allocation
// observed so far.
func (b *BackgroundReader) HighWatermark() analysis.Watermark {
	b.mu.Lock()
	events := append([]decoder.Allocation(nil), b.mu.events...)
	b.mu.Unlock()
	return analysis.HighWatermark(events)
}

// Close closes the underlying source, which causes the worker's current
// or next blocking read to fail, and waits for the worker to exit
// (spec.md §4.H: "the join is synchronous on reader destruction").
func (b *BackgroundReader) Close() error {
	err := b.reader.CloseSource()
	if b.wg != nil {
		b.wg.Wait()
	}
	return err
}
