package arch

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// CodeFix is one instruction of a relocated region.
type CodeFix struct {
	Code []byte
	// Offset of the instruction in the original region.
	Offset int
	// Target is the absolute address a pc relative operand refers to.
	Target uintptr
	// Foreign means Target is outside the relocated region.
	Foreign bool
}

type fixup struct {
	CodeFix
	inst    x86asm.Inst
	newSize int
	relOff  int
	short   bool // rel8 branch
}

func isShortBranch(code []byte) bool {
	return code[0] == 0xEB || (code[0] >= 0x70 && code[0] <= 0x7F) ||
		(code[0] >= 0xE0 && code[0] <= 0xE3)
}

// translateJump widens a short branch to its rel32 form, the offset is filled later.
func translateJump(code []byte) ([]byte, error) {
	switch {
	case code[0] == 0xEB:
		return []byte{0xE9, 0, 0, 0, 0}, nil
	case code[0] >= 0x70 && code[0] <= 0x7F:
		return []byte{0x0F, 0x80 + code[0] - 0x70, 0, 0, 0, 0}, nil
	}
	return nil, errors.WithMessagef(ErrUnrelocatable, "loop or jcxz instruction(0x%02X)", code[0])
}

// Relocate rewrites the whole instructions of code, which are located at from,
// so that they run at to. Short branches leaving the region are widened and
// every pc relative operand pointing outside keeps its absolute target.
func Relocate(mode int, code []byte, from, to uintptr) ([]byte, error) {
	fixes, err := RelocateInstructions(mode, code, from, to)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, f := range fixes {
		out = append(out, f.Code...)
	}
	return out, nil
}

// RelocateInstructions is Relocate that returns each relocated instruction.
func RelocateInstructions(mode int, code []byte, from, to uintptr) ([]CodeFix, error) {
	err := checkMode(mode)
	if err != nil {
		return nil, err
	}
	end := from + uintptr(len(code))
	inside := func(addr uintptr) bool { return addr >= from && addr < end }

	var fixups []*fixup
	starts := make(map[int]int) // original offset -> index
	for off := 0; off < len(code); {
		inst, ok := decode(code[off:], mode)
		if !ok {
			return nil, errors.WithMessagef(ErrUnrelocatable, "invalid instruction at offset %d", off)
		}
		if off+inst.Len > len(code) {
			return nil, errors.WithMessagef(ErrUnrelocatable, "instruction at offset %d crosses the region", off)
		}
		f := &fixup{inst: inst, newSize: inst.Len, relOff: inst.PCRelOff}
		f.Offset = off
		f.Code = append([]byte(nil), code[off:off+inst.Len]...)
		if inst.PCRel != 0 {
			if inst.PCRel != 1 && inst.PCRel != 4 {
				return nil, errors.WithMessagef(ErrUnrelocatable, "rel%d operand at offset %d", inst.PCRel*8, off)
			}
			next := from + uintptr(off+inst.Len)
			f.Target = next + uintptr(readRel(f.Code, inst))
			f.Foreign = !inside(f.Target)
			f.short = inst.PCRel == 1
			if f.short && f.Foreign {
				if !isShortBranch(f.Code) {
					return nil, errors.WithMessagef(ErrUnrelocatable, "rel8 operand at offset %d", off)
				}
				f.Code, err = translateJump(f.Code)
				if err != nil {
					return nil, err
				}
				f.newSize = len(f.Code)
				f.relOff = f.newSize - 4
				f.short = false
			}
		}
		starts[off] = len(fixups)
		fixups = append(fixups, f)
		off += inst.Len
	}

	// new offsets after the short branches are widened
	newOff := make([]int, len(fixups))
	size := 0
	for i, f := range fixups {
		newOff[i] = size
		size += f.newSize
	}

	for i, f := range fixups {
		if f.inst.PCRel == 0 {
			continue
		}
		next := int64(to) + int64(newOff[i]+f.newSize)
		var target int64
		if f.Foreign {
			target = int64(f.Target)
		} else {
			idx, ok := starts[int(f.Target-from)]
			if !ok {
				return nil, errors.WithMessagef(ErrUnrelocatable, "branch at offset %d into an instruction", f.Offset)
			}
			target = int64(to) + int64(newOff[idx])
		}
		rel := target - next
		if f.short {
			if isByteOverflow(rel) {
				return nil, errors.WithMessagef(ErrUnrelocatable, "rel8 overflow at offset %d", f.Offset)
			}
			f.Code[f.relOff] = byte(int8(rel))
			continue
		}
		if mode == Mode32 {
			rel = int64(int32(uint32(target) - uint32(next)))
		} else if isIntOverflow(rel) {
			return nil, errors.WithMessagef(ErrUnrelocatable, "rel32 overflow at offset %d", f.Offset)
		}
		binary.LittleEndian.PutUint32(f.Code[f.relOff:], uint32(int32(rel)))
	}

	result := make([]CodeFix, len(fixups))
	for i, f := range fixups {
		result[i] = f.CodeFix
	}
	return result, nil
}

func readRel(code []byte, inst x86asm.Inst) int64 {
	off := inst.PCRelOff
	switch inst.PCRel {
	case 1:
		return int64(int8(code[off]))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(code[off:])))
	}
	return 0
}
