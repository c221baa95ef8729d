package hwbp

// ContextDebugRegisters is CONTEXT_i386 | CONTEXT_CONTROL | CONTEXT_DEBUG_REGISTERS.
const ContextDebugRegisters = 0x00010011

// ThreadContext is the 386 CONTEXT structure.
type ThreadContext struct {
	ContextFlags      uint32
	Dr0               uint32
	Dr1               uint32
	Dr2               uint32
	Dr3               uint32
	Dr6               uint32
	Dr7               uint32
	FloatSave         [112]byte
	SegGs             uint32
	SegFs             uint32
	SegEs             uint32
	SegDs             uint32
	Edi               uint32
	Esi               uint32
	Ebx               uint32
	Edx               uint32
	Ecx               uint32
	Eax               uint32
	Ebp               uint32
	Eip               uint32
	SegCs             uint32
	EFlags            uint32
	Esp               uint32
	SegSs             uint32
	ExtendedRegisters [512]byte
}

// PC returns the instruction pointer.
func (c *ThreadContext) PC() uintptr {
	return uintptr(c.Eip)
}

// SetPC sets the instruction pointer.
func (c *ThreadContext) SetPC(pc uintptr) {
	c.Eip = uint32(pc)
}

// Registers returns the debug registers.
func (c *ThreadContext) Registers() Registers {
	return Registers{
		Dr:  [Slots]uint64{uint64(c.Dr0), uint64(c.Dr1), uint64(c.Dr2), uint64(c.Dr3)},
		Dr6: uint64(c.Dr6),
		Dr7: uint64(c.Dr7),
	}
}

// SetRegisters replaces the debug registers.
func (c *ThreadContext) SetRegisters(r Registers) {
	c.Dr0, c.Dr1 = uint32(r.Dr[0]), uint32(r.Dr[1])
	c.Dr2, c.Dr3 = uint32(r.Dr[2]), uint32(r.Dr[3])
	c.Dr6 = uint32(r.Dr6)
	c.Dr7 = uint32(r.Dr7)
}
