package detour

import (
	"github.com/davecgh/go-spew/spew"
)

var dumper = &spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// snapshot is the printable part of a hookState.
type snapshot struct {
	ID         uint64
	Target     uintptr
	Strategy   Strategy
	Order      Order
	Policy     ReturnPolicy
	Convention Convention
	Args       int
	SavedBytes []byte
	SavedSlot  uintptr
	Patch      []byte
	Preamble   uintptr
	Trampoline uintptr
	Original   uintptr
	Table      uintptr
	InPlace    bool
	Enabled    bool
	Slots      map[uint32]int
}

func newSnapshot(s *hookState) *snapshot {
	return &snapshot{
		ID:         s.id,
		Target:     s.target,
		Strategy:   s.strategy,
		Order:      s.order,
		Policy:     s.policy,
		Convention: s.adapter.sig.Convention,
		Args:       s.adapter.sig.Args,
		SavedBytes: s.savedBytes,
		SavedSlot:  s.savedSlot,
		Patch:      s.patch,
		Preamble:   s.preamble,
		Trampoline: s.trampoline,
		Original:   s.original,
		Table:      s.table,
		InPlace:    s.inPlace,
		Enabled:    s.isEnabled(),
		Slots:      s.slots,
	}
}

func dump(s *hookState) string {
	if s == nil {
		return "<unhooked>"
	}
	return dumper.Sdump(newSnapshot(s))
}

// Dump returns a readable dump of the hook state.
func (d *Detour) Dump() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return dump(d.state)
}

// Dump returns a readable dump of the hook state.
func (v *VTableDetour) Dump() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return dump(v.state)
}
