package hwbp

// ContextDebugRegisters is CONTEXT_AMD64 | CONTEXT_CONTROL | CONTEXT_DEBUG_REGISTERS.
const ContextDebugRegisters = 0x00100011

// M128A is a 128-bit value of the CONTEXT vector area.
type M128A struct {
	Low  uint64
	High uint64
}

// ThreadContext is the amd64 CONTEXT structure.
type ThreadContext struct {
	P1Home       uint64
	P2Home       uint64
	P3Home       uint64
	P4Home       uint64
	P5Home       uint64
	P6Home       uint64
	ContextFlags uint32
	MxCsr        uint32
	SegCs        uint16
	SegDs        uint16
	SegEs        uint16
	SegFs        uint16
	SegGs        uint16
	SegSs        uint16
	EFlags       uint32
	Dr0          uint64
	Dr1          uint64
	Dr2          uint64
	Dr3          uint64
	Dr6          uint64
	Dr7          uint64
	Rax          uint64
	Rcx          uint64
	Rdx          uint64
	Rbx          uint64
	Rsp          uint64
	Rbp          uint64
	Rsi          uint64
	Rdi          uint64
	R8           uint64
	R9           uint64
	R10          uint64
	R11          uint64
	R12          uint64
	R13          uint64
	R14          uint64
	R15          uint64
	Rip          uint64
	FltSave      [512]byte
	VectorReg    [26]M128A
	VectorCtl    uint64
	DebugCtl     uint64
	LBrTo        uint64
	LBrFrom      uint64
	LExTo        uint64
	LExFrom      uint64
}

// PC returns the instruction pointer.
func (c *ThreadContext) PC() uintptr {
	return uintptr(c.Rip)
}

// SetPC sets the instruction pointer.
func (c *ThreadContext) SetPC(pc uintptr) {
	c.Rip = uint64(pc)
}

// Registers returns the debug registers.
func (c *ThreadContext) Registers() Registers {
	return Registers{
		Dr:  [Slots]uint64{c.Dr0, c.Dr1, c.Dr2, c.Dr3},
		Dr6: c.Dr6,
		Dr7: c.Dr7,
	}
}

// SetRegisters replaces the debug registers.
func (c *ThreadContext) SetRegisters(r Registers) {
	c.Dr0, c.Dr1, c.Dr2, c.Dr3 = r.Dr[0], r.Dr[1], r.Dr[2], r.Dr[3]
	c.Dr6 = r.Dr6
	c.Dr7 = r.Dr7
}
