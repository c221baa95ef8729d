package module

import (
	"github.com/brahma-adshonor/detour/internal/memory"
)

// Resolver groups the mappings of /proc/self/maps by their backing file.
type Resolver struct {
	mappings func() ([]memory.Mapping, error)
}

// NewResolver is used to create a module resolver of the current process.
func NewResolver() *Resolver {
	return &Resolver{mappings: memory.Mappings}
}

// ModuleRange returns the base and size of the module that contains addr.
func (r *Resolver) ModuleRange(addr uintptr) (uintptr, uintptr, error) {
	mappings, err := r.mappings()
	if err != nil {
		return 0, 0, err
	}
	rg, ok := find(mappings, addr)
	if !ok {
		return 0, 0, ErrNotFound
	}
	return rg.Base, rg.Size, nil
}

func find(mappings []memory.Mapping, addr uintptr) (Range, bool) {
	hit := -1
	for i := range mappings {
		if addr >= mappings[i].Start && addr < mappings[i].End {
			hit = i
			break
		}
	}
	if hit == -1 {
		return Range{}, false
	}
	m := mappings[hit]
	start, end := m.Start, m.End
	// anonymous mappings are modules of their own
	if m.Path != "" && m.Path[0] != '[' {
		for _, other := range mappings {
			if other.Path != m.Path {
				continue
			}
			if other.Start < start {
				start = other.Start
			}
			if other.End > end {
				end = other.End
			}
		}
	}
	return Range{Base: start, Size: end - start}, true
}
