// Package symbol implements the segment/interval resolver of spec.md
// §4.D: a generation-stamped set of LoadedObjects, searched by address,
// with resolved native frames cached and concurrent misses for the same
// address deduplicated.
package symbol

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/singleflight"
)

// Segment is a loaded range of a LoadedObject's address space. VAddr is
// relative to the owning object's base address: the segment covers
// [base+VAddr, base+VAddr+MemSz) in the traced process.
type Segment struct {
	VAddr uint64
	MemSz uint64
}

// LoadedObject is one mapped binary or shared library, installed by a
// MEMORY_MAP_START/SEGMENT_HEADER/SEGMENT sequence.
type LoadedObject struct {
	Filename   string
	BaseAddr   uint64
	Segments   []Segment
	Generation uint64
}

// ResolvedFrame is one frame produced by symbolicating a native
// instruction pointer: a function name, source file, and line, any of
// which may be empty/unresolved if the backing object carries no debug
// info for that address.
type ResolvedFrame struct {
	FunctionName string
	FileName     string
	Lineno       int32
}

// Symbolizer turns a native instruction pointer within obj into zero or
// more ResolvedFrames (more than one when the address maps to inlined
// calls). Resolver is parameterized over Symbolizer so callers can plug
// in a platform-specific implementation; ELFSymbolizer is the default.
type Symbolizer interface {
	Symbolize(obj LoadedObject, ip uint64) ([]ResolvedFrame, error)
}

type interval struct {
	start, end uint64
	objIndex   int
}

type cacheKey struct {
	generation uint64
	ip         uint64
}

// Resolver is the interval index described in spec.md §4.D. It is not
// internally synchronized: callers hold the same coarse mutex that
// guards the frame map and stack tree (spec.md §5) for the duration of
// any Resolve/AddSegments/ClearSegments call. The LRU cache and
// singleflight group are safe under that external serialization; they
// exist to make repeated Resolve calls for the same (generation, ip)
// cheap, not to provide their own locking.
type Resolver struct {
	symbolizer Symbolizer
	cache      *lru.Cache
	group      singleflight.Group

	generation uint64
	objects    []LoadedObject
	// intervals is kept sorted by start so Resolve can binary-search it;
	// it is emptied by ClearSegments, and AddSegments inserts each new
	// interval at its sorted position.
	intervals []interval
}

// NewResolver constructs a Resolver using sym to symbolicate addresses,
// caching up to cacheSize resolved lookups.
func NewResolver(sym Symbolizer, cacheSize int) (*Resolver, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("symbol: failed to create resolver cache: %w", err)
	}
	return &Resolver{symbolizer: sym, cache: cache}, nil
}

// ClearSegments drops all loaded objects and bumps the generation.
// Previously resolved frames keep referencing their original
// generation; Resolve rejects lookups against a stale one.
func (r *Resolver) ClearSegments() {
	r.generation++
	r.objects = nil
	r.intervals = nil
	r.cache.Purge()
}

// AddSegments registers a new LoadedObject at the current generation
// and indexes each of its segments, offset by base, for interval lookup.
func (r *Resolver) AddSegments(filename string, base uint64, segments []Segment) {
	objIndex := len(r.objects)
	r.objects = append(r.objects, LoadedObject{
		Filename:   filename,
		BaseAddr:   base,
		Segments:   append([]Segment(nil), segments...),
		Generation: r.generation,
	})
	for _, seg := range segments {
		start := base + seg.VAddr
		end := start + seg.MemSz
		idx, _ := slices.BinarySearchFunc(r.intervals, start, func(iv interval, v uint64) int {
			if iv.start < v {
				return -1
			}
			if iv.start > v {
				return 1
			}
			return 0
		})
		r.intervals = slices.Insert(r.intervals, idx, interval{start: start, end: end, objIndex: objIndex})
	}
}

// CurrentGeneration returns the resolver's current generation counter.
func (r *Resolver) CurrentGeneration() uint64 {
	return r.generation
}

// Resolve locates the LoadedObject containing ip at the requested
// generation and symbolicates it. It returns (nil, false) if generation
// is not the resolver's current generation, or if ip lies in no indexed
// segment.
func (r *Resolver) Resolve(ip uint64, generation uint64) ([]ResolvedFrame, bool) {
	if generation != r.generation {
		return nil, false
	}
	objIndex, ok := r.findObject(ip)
	if !ok {
		return nil, false
	}
	key := cacheKey{generation: generation, ip: ip}
	if v, ok := r.cache.Get(key); ok {
		frames, _ := v.([]ResolvedFrame)
		return frames, frames != nil
	}

	obj := r.objects[objIndex]
	group := fmt.Sprintf("%d:%x", generation, ip)
	v, err, _ := r.group.Do(group, func() (interface{}, error) {
		frames, err := r.symbolizer.Symbolize(obj, ip)
		if err != nil {
			return nil, err
		}
		return frames, nil
	})
	if err != nil || v == nil {
		r.cache.Add(key, []ResolvedFrame(nil))
		return nil, false
	}
	frames := v.([]ResolvedFrame)
	r.cache.Add(key, frames)
	return frames, len(frames) > 0
}

func (r *Resolver) findObject(ip uint64) (int, bool) {
	// intervals is sorted by start; find the last interval starting at
	// or before ip, then confirm ip actually falls inside it.
	idx, found := slices.BinarySearchFunc(r.intervals, ip, func(iv interval, v uint64) int {
		if iv.start < v {
			return -1
		}
		if iv.start > v {
			return 1
		}
		return 0
	})
	if found {
		return r.intervals[idx].objIndex, true
	}
	if idx == 0 {
		return 0, false
	}
	iv := r.intervals[idx-1]
	if ip >= iv.start && ip < iv.end {
		return iv.objIndex, true
	}
	return 0, false
}
