// Package hwbp contains the debug register layout shared by the thread
// backends and the contract they expose to the hardware breakpoint strategy.
package hwbp

import (
	"fmt"

	"github.com/pkg/errors"
)

// Slots is the number of address debug registers (DR0-DR3).
const Slots = 4

// Kind is the access that triggers a debug register.
type Kind uint8

// about kind, the value is the R/W field of DR7
const (
	Execute   Kind = 0
	Write     Kind = 1
	ReadWrite Kind = 3
)

func (k Kind) String() string {
	switch k {
	case Execute:
		return "execute"
	case Write:
		return "write"
	case ReadWrite:
		return "read/write"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Length is the size of the watched range, execute breakpoints use 1.
type Length uint8

// errors about debug registers
var (
	ErrNoFreeSlot    = errors.New("no free debug register slot")
	ErrInvalidSlot   = errors.New("invalid debug register slot")
	ErrInvalidLength = errors.New("invalid breakpoint length")
	ErrThreadExited  = errors.New("thread exited")
)

// Thread is a thread of the hooked process whose debug registers can be edited.
type Thread interface {
	ID() uint32
	AddDebugBreakpoint(addr uintptr, kind Kind, length Length) (int, error)
	RemoveDebugBreakpoint(slot int) error
	Close() error
}

// Registers is the debug register part of a thread context.
type Registers struct {
	Dr  [Slots]uint64
	Dr6 uint64
	Dr7 uint64
}

func lengthBits(length Length) (uint64, error) {
	switch length {
	case 1:
		return 0, nil
	case 2:
		return 1, nil
	case 4:
		return 3, nil
	case 8:
		return 2, nil
	}
	return 0, errors.WithMessagef(ErrInvalidLength, "%d", length)
}

// Enabled reports whether the local enable bit of slot is set.
func (r *Registers) Enabled(slot int) bool {
	return r.Dr7&(1<<(2*uint(slot))) != 0
}

// FreeSlot returns the first disabled slot or -1.
func (r *Registers) FreeSlot() int {
	for i := 0; i < Slots; i++ {
		if !r.Enabled(i) {
			return i
		}
	}
	return -1
}

// Set is used to program the first free slot and returns it.
func (r *Registers) Set(addr uintptr, kind Kind, length Length) (int, error) {
	if kind == Execute {
		length = 1
	}
	lb, err := lengthBits(length)
	if err != nil {
		return -1, err
	}
	slot := r.FreeSlot()
	if slot == -1 {
		return -1, ErrNoFreeSlot
	}
	shift := 16 + 4*uint(slot)
	r.Dr[slot] = uint64(addr)
	r.Dr7 &^= 0xF << shift
	r.Dr7 |= (uint64(kind) | lb<<2) << shift
	r.Dr7 |= 1 << (2 * uint(slot))
	return slot, nil
}

// Clear is used to disable slot and reset its address.
func (r *Registers) Clear(slot int) error {
	if slot < 0 || slot >= Slots {
		return errors.WithMessagef(ErrInvalidSlot, "%d", slot)
	}
	r.Dr[slot] = 0
	r.Dr7 &^= 3 << (2 * uint(slot))
	r.Dr7 &^= 0xF << (16 + 4*uint(slot))
	r.Dr6 &^= 1 << uint(slot)
	return nil
}

// Hit returns the slot that raised the last debug exception or -1.
func (r *Registers) Hit() int {
	for i := 0; i < Slots; i++ {
		if r.Dr6&(1<<uint(i)) != 0 {
			return i
		}
	}
	return -1
}

// Match returns the enabled execute slot watching addr or -1.
func (r *Registers) Match(addr uintptr) int {
	for i := 0; i < Slots; i++ {
		if !r.Enabled(i) || r.Dr[i] != uint64(addr) {
			continue
		}
		if Kind(r.Dr7>>(16+4*uint(i))&3) == Execute {
			return i
		}
	}
	return -1
}
