package symbol

import (
	"debug/elf"
	"fmt"
	"sort"

	"github.com/DataExMachina-dev/memtrace-go/record"
)

// ELFSymbolizer is the default Symbolizer, grounded on debug/elf (no
// third-party ELF/DWARF parser appears anywhere in the retrieved pack;
// reading platform object-file symbol tables is inherently OS/format
// specific, so this is one of the few justified stdlib-only corners).
// It resolves an instruction pointer to the nearest function symbol at
// or below it in the object's .symtab; it does not
// attempt DWARF line-number decoding, so Lineno is always
// record.UnresolvedLineno and inlined calls are never split into
// multiple frames.
type ELFSymbolizer struct {
	open func(path string) (*elf.File, error)
}

// NewELFSymbolizer constructs an ELFSymbolizer that opens object files
// directly from disk.
func NewELFSymbolizer() *ELFSymbolizer {
	return &ELFSymbolizer{open: elf.Open}
}

// Symbolize implements Symbolizer.
func (s *ELFSymbolizer) Symbolize(obj LoadedObject, ip uint64) ([]ResolvedFrame, error) {
	f, err := s.open(obj.Filename)
	if err != nil {
		return nil, fmt.Errorf("symbol: failed to open %s: %w", obj.Filename, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("symbol: failed to read symbols from %s: %w", obj.Filename, err)
	}
	funcs := make([]elf.Symbol, 0, len(syms))
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) == elf.STT_FUNC && sym.Value != 0 {
			funcs = append(funcs, sym)
		}
	}
	if len(funcs) == 0 {
		return nil, nil
	}
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].Value < funcs[j].Value })

	// ip is an absolute address; funcs[i].Value is file-relative, so
	// BaseAddr is subtracted (a no-op for an object loaded at base 0). An
	// ip below BaseAddr is compared unchanged.
	target := ip
	if ip >= obj.BaseAddr {
		target -= obj.BaseAddr
	}
	n := sort.Search(len(funcs), func(i int) bool { return funcs[i].Value > target })
	if n == 0 {
		return nil, nil
	}
	match := funcs[n-1]
	if target >= match.Value+match.Size && match.Size != 0 {
		return nil, nil
	}
	return []ResolvedFrame{{
		FunctionName: match.Name,
		FileName:     obj.Filename,
		Lineno:       record.UnresolvedLineno,
	}}, nil
}
