package arch

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func emit(t *testing.T, mode int, pc uintptr, insts ...Inst) []byte {
	asm, err := NewAssembler(mode)
	require.NoError(t, err)
	code, err := asm.Emit(pc, insts)
	require.NoError(t, err)
	return code
}

func TestEncode64(t *testing.T) {
	for _, testdata := range []struct {
		name string
		inst Inst
		code []byte
	}{
		{"push rcx", Push(RCX), []byte{0x51}},
		{"push r8", Push(R8), []byte{0x41, 0x50}},
		{"pop r9", Pop(R9), []byte{0x41, 0x59}},
		{"pop rcx", Pop(RCX), []byte{0x59}},
		{"mov rcx", MovImm(RCX, 0x1122334455667788),
			[]byte{0x48, 0xB9, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}},
		{"mov r10", MovImm(R10, 1), []byte{0x49, 0xBA, 1, 0, 0, 0, 0, 0, 0, 0}},
		{"call rax", CallReg(RAX), []byte{0xFF, 0xD0}},
		{"call r11", CallReg(R11), []byte{0x41, 0xFF, 0xD3}},
		{"jmp rax", JmpReg(RAX), []byte{0xFF, 0xE0}},
		{"sub rsp", SubSP(0x28), []byte{0x48, 0x83, 0xEC, 0x28}},
		{"add rsp", AddSP(0x28), []byte{0x48, 0x83, 0xC4, 0x28}},
		{"push imm", PushImm(0x11223344), []byte{0x68, 0x44, 0x33, 0x22, 0x11}},
		{"int3", Int3(), []byte{0xCC}},
		{"nop", Nop(3), []byte{0x90, 0x90, 0x90}},
	} {
		t.Run(testdata.name, func(t *testing.T) {
			require.Equal(t, testdata.code, emit(t, Mode64, 0x1000, testdata.inst))
		})
	}
}

func TestEncode32(t *testing.T) {
	require.Equal(t, []byte{0x51}, emit(t, Mode32, 0, Push(RCX)))
	require.Equal(t, []byte{0xB8, 0x78, 0x56, 0x34, 0x12}, emit(t, Mode32, 0, MovImm(RAX, 0x12345678)))
	require.Equal(t, []byte{0x83, 0xEC, 0x08}, emit(t, Mode32, 0, SubSP(8)))

	asm, err := NewAssembler(Mode32)
	require.NoError(t, err)
	_, err = asm.Emit(0, []Inst{Push(R8)})
	require.Equal(t, ErrInvalidReg, errors.Cause(err))
	_, err = asm.Emit(0, []Inst{MovImm(RAX, 0x100000000)})
	require.Error(t, err)
}

func TestJump(t *testing.T) {
	t.Run("near", func(t *testing.T) {
		code := emit(t, Mode64, 0x1000, Jump(0x2000))
		require.Equal(t, []byte{0xE9, 0xFB, 0x0F, 0x00, 0x00}, code)
	})

	t.Run("backward", func(t *testing.T) {
		code := emit(t, Mode32, 0x401000, Jump(0x400000))
		require.Equal(t, []byte{0xE9, 0xFB, 0xEF, 0xFF, 0xFF}, code)
	})

	t.Run("far", func(t *testing.T) {
		code := emit(t, Mode64, 0x1000, Jump(0x7FF000001234))
		expected := []byte{
			0xFF, 0x25, 0x00, 0x00, 0x00, 0x00,
			0x34, 0x12, 0x00, 0x00, 0xF0, 0x7F, 0x00, 0x00,
		}
		require.Equal(t, expected, code)

		inst, err := x86asm.Decode(code, Mode64)
		require.NoError(t, err)
		require.Equal(t, x86asm.JMP, inst.Op)
		require.Equal(t, 6, inst.Len)
		mem, ok := inst.Args[0].(x86asm.Mem)
		require.True(t, ok)
		require.Equal(t, x86asm.RIP, mem.Base)
	})
}

func TestEncodedLength(t *testing.T) {
	asm, err := NewAssembler(Mode64)
	require.NoError(t, err)
	insts := []Inst{Push(RCX), MovImm(RCX, 7), Jump(0x1100)}
	n, err := asm.EncodedLength(0x1000, insts)
	require.NoError(t, err)
	require.Equal(t, 1+10+5, n)

	n, err = asm.EncodedLength(0x7FF000000000, insts)
	require.NoError(t, err)
	require.Equal(t, 1+10+14, n)
}

func TestEmitDecodes(t *testing.T) {
	code := emit(t, Mode64, 0x1000,
		Push(RCX), Push(RDX), Push(R8), Push(R9),
		SubSP(0x28),
		MovImm(RCX, 42),
		MovImm(RAX, 0x7FF000000000),
		CallReg(RAX),
		AddSP(0x28),
		Pop(R9), Pop(R8), Pop(RDX), Pop(RCX),
		Jump(0x7FF000000010),
	)
	var ops []x86asm.Op
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], Mode64)
		require.NoError(t, err)
		ops = append(ops, inst.Op)
		if inst.Op == x86asm.JMP {
			// the absolute address follows
			break
		}
		off += inst.Len
	}
	expected := []x86asm.Op{
		x86asm.PUSH, x86asm.PUSH, x86asm.PUSH, x86asm.PUSH,
		x86asm.SUB,
		x86asm.MOV, x86asm.MOV,
		x86asm.CALL,
		x86asm.ADD,
		x86asm.POP, x86asm.POP, x86asm.POP, x86asm.POP,
		x86asm.JMP,
	}
	require.Equal(t, expected, ops)
}

func TestInvalidMode(t *testing.T) {
	_, err := NewAssembler(16)
	require.Equal(t, ErrInvalidMode, errors.Cause(err))
	_, err = NewOracle(16)
	require.Equal(t, ErrInvalidMode, errors.Cause(err))
	require.Equal(t, 8, PtrSize(Mode64))
	require.Equal(t, 4, PtrSize(Mode32))
}
