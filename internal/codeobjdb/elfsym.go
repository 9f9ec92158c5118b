package codeobjdb

import (
	"bytes"
	"debug/elf"
	"sort"
)

// AMD GPU code objects are ELF shared objects. Symbol names give the report a
// human-readable shader name for a resolved PC; a blob that does not parse as
// ELF simply yields no names.

type elfSymbol struct {
	value uint64
	size  uint64
	name  string
}

// symbolFor returns the name of the symbol containing pc, or "".
// pc is a load-time VA; symbol values are object-relative.
func (db *Database) symbolFor(e *Entry, pc uint64) string {
	if !e.symsReady {
		e.symsReady = true
		e.syms = readSymbols(e.Blob)
	}
	rel := pc - e.LoadAddress
	i := sort.Search(len(e.syms), func(i int) bool {
		return e.syms[i].value > rel
	})
	for j := i - 1; j >= 0; j-- {
		s := e.syms[j]
		if rel >= s.value && rel < s.value+s.size {
			return s.name
		}
		// Symbols are sorted by value; once a zero-size symbol is passed
		// nothing earlier can contain rel either, except padding overlaps.
		if s.value+s.size <= rel && s.size > 0 {
			break
		}
	}
	return ""
}

func readSymbols(blob []byte) []elfSymbol {
	ef, err := elf.NewFile(bytes.NewReader(blob))
	if err != nil {
		return nil
	}
	defer ef.Close()

	var out []elfSymbol
	collect := func(syms []elf.Symbol, err error) {
		if err != nil {
			return
		}
		for _, s := range syms {
			if s.Size == 0 || s.Name == "" {
				continue
			}
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC && elf.ST_TYPE(s.Info) != elf.STT_OBJECT {
				continue
			}
			out = append(out, elfSymbol{value: s.Value, size: s.Size, name: s.Name})
		}
	}
	collect(ef.Symbols())
	collect(ef.DynamicSymbols())

	sort.Slice(out, func(i, j int) bool { return out[i].value < out[j].value })
	return out
}
