package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/brahma-adshonor/detour/internal/fault"
)

const (
	stackTop uint64 = 0x0FFF0000

	// returned to when the outermost frame returns
	returnSentinel uint64 = 0x00000000DEADC0DE

	maxSteps = 4096
)

var argRegs = [4]x86asm.Reg{x86asm.RCX, x86asm.RDX, x86asm.R8, x86asm.R9}

// cpu is the state of one simulated call.
type cpu struct {
	m     *Machine
	tid   uint32
	pc    uint64
	regs  map[x86asm.Reg]uint64
	stack map[uint64]uint64

	// stack pointer at the entry of the called code
	entrySP uint64

	// skip the debug register check once, like the resume flag
	resume bool
}

func newCPU(m *Machine, tid uint32, args []uintptr) *cpu {
	c := &cpu{
		m:     m,
		tid:   tid,
		regs:  make(map[x86asm.Reg]uint64),
		stack: make(map[uint64]uint64),
	}
	c.regs[x86asm.RSP] = stackTop
	for i := len(args) - 1; i >= len(argRegs); i-- {
		c.push(uint64(args[i]))
	}
	// home area of the register arguments
	for i := 0; i < len(argRegs); i++ {
		c.push(0)
	}
	c.push(returnSentinel)
	for i := 0; i < len(args) && i < len(argRegs); i++ {
		c.regs[argRegs[i]] = uint64(args[i])
	}
	c.entrySP = c.regs[x86asm.RSP]
	return c
}

func (c *cpu) push(v uint64) {
	c.regs[x86asm.RSP] -= 8
	c.stack[c.regs[x86asm.RSP]] = v
}

func (c *cpu) pop() uint64 {
	v := c.stack[c.regs[x86asm.RSP]]
	c.regs[x86asm.RSP] += 8
	return v
}

// args collects argc Win64 arguments of a frame whose return address is at sp.
func (c *cpu) args(argc int, sp uint64) []uintptr {
	args := make([]uintptr, argc)
	for i := range args {
		if i < len(argRegs) {
			args[i] = uintptr(c.regs[argRegs[i]])
		} else {
			args[i] = uintptr(c.stack[sp+8+uint64(8*i)])
		}
	}
	return args
}

func (c *cpu) fail(format string, v ...interface{}) {
	panic(errors.Errorf("sim: thread %d at 0x%X: %s", c.tid, c.pc, fmt.Sprintf(format, v...)))
}

// raise delivers a fault, the handler may move the pc.
func (c *cpu) raise(code fault.Code, slot int) {
	ctx := &faultContext{cpu: c, addr: uintptr(c.pc), slot: slot}
	if !c.m.raise(code, ctx) {
		c.fail("unhandled %s", code)
	}
}

func (c *cpu) fetch() x86asm.Inst {
	var buf [16]byte
	n := c.m.fetch(uintptr(c.pc), buf[:])
	if n == 0 {
		c.fail("execute non executable memory")
	}
	inst, err := x86asm.Decode(buf[:n], 64)
	if err != nil {
		c.fail("%s", err)
	}
	return inst
}

func (c *cpu) reg(arg x86asm.Arg) x86asm.Reg {
	r, ok := arg.(x86asm.Reg)
	if !ok || r < x86asm.RAX || r > x86asm.R15 {
		c.fail("unsupported operand %v", arg)
	}
	return r
}

func (c *cpu) run(addr uintptr) uintptr {
	c.pc = uint64(addr)
	for step := 0; step < maxSteps; step++ {
		pc := uintptr(c.pc)
		if e := c.m.entry(pc); e != nil {
			return e.fn(c.tid, c.args(e.argc, c.regs[x86asm.RSP]))
		}
		if !c.resume {
			if slot := c.m.debugHit(c.tid, pc); slot != -1 {
				c.raise(fault.SingleStep, slot)
				c.resume = true
				continue
			}
		}
		c.resume = false
		if f, off := c.m.function(pc); f != nil {
			if off > 0 || c.m.pristine(f) {
				return f.impl(c.tid, c.args(f.argc, c.entrySP))
			}
		}
		inst := c.fetch()
		next := c.pc + uint64(inst.Len)
		switch inst.Op {
		case x86asm.NOP:
			c.pc = next
		case x86asm.INT:
			if imm, ok := inst.Args[0].(x86asm.Imm); !ok || imm != 3 {
				c.fail("unsupported interrupt")
			}
			c.raise(fault.Breakpoint, -1)
		case x86asm.PUSH:
			switch arg := inst.Args[0].(type) {
			case x86asm.Imm:
				c.push(uint64(arg))
			default:
				c.push(c.regs[c.reg(arg)])
			}
			c.pc = next
		case x86asm.POP:
			c.regs[c.reg(inst.Args[0])] = c.pop()
			c.pc = next
		case x86asm.MOV:
			dst := c.reg(inst.Args[0])
			switch arg := inst.Args[1].(type) {
			case x86asm.Imm:
				c.regs[dst] = uint64(arg)
			default:
				c.regs[dst] = c.regs[c.reg(arg)]
			}
			c.pc = next
		case x86asm.ADD, x86asm.SUB:
			dst := c.reg(inst.Args[0])
			imm, ok := inst.Args[1].(x86asm.Imm)
			if !ok {
				c.fail("unsupported operand %v", inst.Args[1])
			}
			if inst.Op == x86asm.ADD {
				c.regs[dst] += uint64(imm)
			} else {
				c.regs[dst] -= uint64(imm)
			}
			c.pc = next
		case x86asm.CALL:
			target := uintptr(c.regs[c.reg(inst.Args[0])])
			e := c.m.entry(target)
			if e == nil {
				c.fail("call to 0x%X is not an entry", target)
			}
			c.push(next)
			c.regs[x86asm.RAX] = uint64(e.fn(c.tid, c.args(e.argc, c.regs[x86asm.RSP])))
			c.pc = c.pop()
		case x86asm.JMP:
			c.pc = c.jumpTarget(inst, next)
		case x86asm.RET:
			ret := c.pop()
			if ret == returnSentinel {
				return uintptr(c.regs[x86asm.RAX])
			}
			c.pc = ret
		default:
			c.fail("unsupported instruction %s", x86asm.IntelSyntax(inst, c.pc, nil))
		}
	}
	c.fail("step limit exceeded")
	return 0
}

func (c *cpu) jumpTarget(inst x86asm.Inst, next uint64) uint64 {
	switch arg := inst.Args[0].(type) {
	case x86asm.Rel:
		return next + uint64(int64(arg))
	case x86asm.Reg:
		return c.regs[c.reg(arg)]
	case x86asm.Mem:
		if arg.Base != x86asm.RIP || arg.Index != 0 {
			c.fail("unsupported jump operand %v", arg)
		}
		var buf [8]byte
		err := c.m.Read(uintptr(next+uint64(arg.Disp)), buf[:])
		if err != nil {
			c.fail("%s", err)
		}
		return binary.LittleEndian.Uint64(buf[:])
	}
	c.fail("unsupported jump operand %v", inst.Args[0])
	return 0
}
