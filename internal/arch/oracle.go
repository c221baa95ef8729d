package arch

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// Oracle measures instruction boundaries of a function prologue.
type Oracle struct {
	mode int
}

// NewOracle is used to create an instruction length oracle for mode.
func NewOracle(mode int) (*Oracle, error) {
	err := checkMode(mode)
	if err != nil {
		return nil, err
	}
	return &Oracle{mode: mode}, nil
}

// Mode returns the decoding mode.
func (o *Oracle) Mode() int {
	return o.mode
}

func decode(code []byte, mode int) (x86asm.Inst, bool) {
	inst, err := x86asm.Decode(code, mode)
	if err != nil || (inst.Opcode == 0 && inst.Len == 1 && inst.Prefix[0] == x86asm.Prefix(code[0])) {
		return inst, false
	}
	return inst, true
}

// endsFunction reports whether nothing after inst belongs to the same flow.
func endsFunction(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.INT, x86asm.UD2, x86asm.HLT:
		return true
	case x86asm.JMP, x86asm.LJMP:
		return true
	}
	return false
}

// MinimumSafeOverwriteLength returns the smallest whole-instruction span at the
// start of code that covers need bytes. A trap, padding or invalid code, or
// a return that ends the span before need is reached, means the function is
// too short.
func (o *Oracle) MinimumSafeOverwriteLength(code []byte, need int) (int, error) {
	if need <= 0 {
		return 0, errors.Errorf("invalid patch size %d", need)
	}
	curLen := 0
	for curLen < need {
		d := code[curLen:]
		if len(d) == 0 {
			return 0, errors.WithMessagef(ErrTooShort, "need %d bytes, only %d decoded", need, curLen)
		}
		inst, ok := decode(d, o.mode)
		if !ok {
			return 0, errors.WithMessagef(ErrTooShort, "invalid instruction at offset %d", curLen)
		}
		// 0xcc -> int3, trap to debugger, padding to function end
		if d[0] == 0xCC {
			return 0, errors.WithMessagef(ErrTooShort, "function ends at offset %d", curLen)
		}
		curLen += inst.Len
		if curLen < need && endsFunction(inst) {
			return 0, errors.WithMessagef(ErrTooShort, "function ends at offset %d", curLen)
		}
	}
	return curLen, nil
}
