package arch

import (
	"golang.org/x/arch/x86/x86asm"
)

// Line is one disassembled instruction.
type Line struct {
	Addr  uintptr
	Bytes []byte
	Text  string
}

// Disassemble decodes code located at pc until it ends or invalid code is met.
func Disassemble(mode int, code []byte, pc uintptr) []Line {
	var lines []Line
	for off := 0; off < len(code); {
		inst, ok := decode(code[off:], mode)
		if !ok {
			break
		}
		lines = append(lines, Line{
			Addr:  pc + uintptr(off),
			Bytes: code[off : off+inst.Len],
			Text:  x86asm.IntelSyntax(inst, uint64(pc)+uint64(off), nil),
		})
		off += inst.Len
	}
	return lines
}
