package arch

import (
	"fmt"

	"github.com/pkg/errors"
)

// Reg is a general purpose register, the value is its encoding number.
type Reg uint8

// about register, the 32 bit mode uses the low 8 as EAX..EDI
const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

func (r Reg) check(mode int) error {
	if r > R15 || (mode == Mode32 && r > RDI) {
		return errors.WithMessagef(ErrInvalidReg, "%d in mode %d", r, mode)
	}
	return nil
}

// Inst is an instruction of the code generator.
type Inst interface {
	// Encode returns the encoding of the instruction placed at pc.
	Encode(mode int, pc uintptr) ([]byte, error)
}

type (
	push    Reg
	pop     Reg
	callReg Reg
	jmpReg  Reg
	pushImm uint32
	addSP   uint8
	subSP   uint8
	raw     []byte

	movImm struct {
		reg Reg
		val uint64
	}

	jump struct {
		to uintptr
	}
)

// Push is push reg.
func Push(r Reg) Inst { return push(r) }

// Pop is pop reg.
func Pop(r Reg) Inst { return pop(r) }

// CallReg is call reg.
func CallReg(r Reg) Inst { return callReg(r) }

// JmpReg is jmp reg.
func JmpReg(r Reg) Inst { return jmpReg(r) }

// PushImm is push imm32, sign extended in 64 bit mode.
func PushImm(v uint32) Inst { return pushImm(v) }

// AddSP is add esp/rsp, imm8.
func AddSP(n uint8) Inst { return addSP(n) }

// SubSP is sub esp/rsp, imm8.
func SubSP(n uint8) Inst { return subSP(n) }

// MovImm is mov reg, imm with the full register width.
func MovImm(r Reg, v uint64) Inst { return movImm{reg: r, val: v} }

// Jump is a jump to an absolute address, it uses rel32 when to is reachable
// from pc and jmp [rip] followed by the address otherwise. No register is
// changed by either form.
func Jump(to uintptr) Inst { return jump{to: to} }

// Raw is copied verbatim.
func Raw(b []byte) Inst { return raw(b) }

// Int3 is the software breakpoint.
func Int3() Inst { return raw{0xCC} }

// Nop is n single byte nop.
func Nop(n int) Inst {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0x90
	}
	return raw(b)
}

func rex(mode int, w bool, r Reg) []byte {
	if mode != Mode64 {
		return nil
	}
	var prefix byte
	if w {
		prefix |= 0x48
	}
	if r >= R8 {
		prefix |= 0x41
	}
	if prefix == 0 {
		return nil
	}
	return []byte{prefix}
}

func (i push) Encode(mode int, _ uintptr) ([]byte, error) {
	r := Reg(i)
	if err := r.check(mode); err != nil {
		return nil, err
	}
	return append(rex(mode, false, r), 0x50+byte(r&7)), nil
}

func (i pop) Encode(mode int, _ uintptr) ([]byte, error) {
	r := Reg(i)
	if err := r.check(mode); err != nil {
		return nil, err
	}
	return append(rex(mode, false, r), 0x58+byte(r&7)), nil
}

func (i callReg) Encode(mode int, _ uintptr) ([]byte, error) {
	r := Reg(i)
	if err := r.check(mode); err != nil {
		return nil, err
	}
	return append(rex(mode, false, r), 0xFF, 0xD0+byte(r&7)), nil
}

func (i jmpReg) Encode(mode int, _ uintptr) ([]byte, error) {
	r := Reg(i)
	if err := r.check(mode); err != nil {
		return nil, err
	}
	return append(rex(mode, false, r), 0xFF, 0xE0+byte(r&7)), nil
}

func (i pushImm) Encode(_ int, _ uintptr) ([]byte, error) {
	return putUint32([]byte{0x68}, uint32(i)), nil
}

func (i addSP) Encode(mode int, _ uintptr) ([]byte, error) {
	return append(rex(mode, true, RSP), 0x83, 0xC4, byte(i)), nil
}

func (i subSP) Encode(mode int, _ uintptr) ([]byte, error) {
	return append(rex(mode, true, RSP), 0x83, 0xEC, byte(i)), nil
}

func (i movImm) Encode(mode int, _ uintptr) ([]byte, error) {
	if err := i.reg.check(mode); err != nil {
		return nil, err
	}
	code := append(rex(mode, true, i.reg), 0xB8+byte(i.reg&7))
	if mode == Mode64 {
		return putUint64(code, i.val), nil
	}
	if i.val > 0xFFFFFFFF {
		return nil, errors.Errorf("immediate 0x%X overflows 32 bit register", i.val)
	}
	return putUint32(code, uint32(i.val)), nil
}

func (i jump) Encode(mode int, pc uintptr) ([]byte, error) {
	if mode == Mode32 {
		// rel32 wraps in the 32 bit address space, every target is reachable
		return putUint32([]byte{0xE9}, uint32(i.to-pc-5)), nil
	}
	rel := int64(i.to) - int64(pc) - 5
	if !isIntOverflow(rel) {
		return putUint32([]byte{0xE9}, uint32(int32(rel))), nil
	}
	// jmp qword ptr [rip+0]
	code := []byte{0xFF, 0x25, 0x00, 0x00, 0x00, 0x00}
	return putUint64(code, uint64(i.to)), nil
}

func (i raw) Encode(_ int, _ uintptr) ([]byte, error) {
	return []byte(i), nil
}

// Assembler is the code generator of one mode.
type Assembler struct {
	mode int
}

// NewAssembler is used to create a code generator for mode.
func NewAssembler(mode int) (*Assembler, error) {
	err := checkMode(mode)
	if err != nil {
		return nil, err
	}
	return &Assembler{mode: mode}, nil
}

// Mode returns the mode of the generated code.
func (a *Assembler) Mode() int {
	return a.mode
}

// Emit encodes insts placed one after another from pc.
func (a *Assembler) Emit(pc uintptr, insts []Inst) ([]byte, error) {
	var code []byte
	for i, inst := range insts {
		b, err := inst.Encode(a.mode, pc+uintptr(len(code)))
		if err != nil {
			return nil, errors.WithMessage(err, fmt.Sprintf("failed to encode instruction %d", i))
		}
		code = append(code, b...)
	}
	return code, nil
}

// EncodedLength returns the size of insts placed at pc.
func (a *Assembler) EncodedLength(pc uintptr, insts []Inst) (int, error) {
	code, err := a.Emit(pc, insts)
	if err != nil {
		return 0, err
	}
	return len(code), nil
}
