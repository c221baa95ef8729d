package detour

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"

	"github.com/brahma-adshonor/detour/internal/arch"
	"github.com/brahma-adshonor/detour/internal/sim"
)

// decodeOps decodes code until the first jump.
func decodeOps(t *testing.T, mode int, code []byte) []x86asm.Op {
	var ops []x86asm.Op
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, mode)
		require.NoError(t, err)
		ops = append(ops, inst.Op)
		if inst.Op == x86asm.JMP {
			break
		}
		code = code[inst.Len:]
	}
	return ops
}

func TestBindAdapter(t *testing.T) {
	for _, tc := range []struct {
		mode         int
		sig          Signature
		arity        int
		calleeCleans bool
		shim         bool
	}{
		{arch.Mode32, Signature{Convention: Cdecl, Args: 2}, 2, false, false},
		{arch.Mode32, Signature{Convention: Stdcall, Args: 3}, 3, true, false},
		{arch.Mode32, Signature{Convention: Thiscall, Args: 1}, 1, true, true},
		{arch.Mode32, Signature{Convention: Fastcall, Args: 1}, 2, true, true},
		{arch.Mode32, Signature{Convention: Fastcall, Args: 4}, 4, true, true},
		{arch.Mode64, Signature{Convention: Cdecl, Args: 5}, 5, true, false},
		{arch.Mode64, Signature{Convention: Thiscall, Args: 2}, 2, true, false},
		{arch.Mode64, Signature{Convention: Win64}, 0, true, false},
	} {
		a, err := bindAdapter(tc.mode, tc.sig)
		require.NoError(t, err, tc.sig)
		require.Equal(t, tc.arity, a.arity, tc.sig)
		require.Equal(t, tc.calleeCleans, a.calleeCleans, tc.sig)
		require.Equal(t, tc.shim, a.needShim(), tc.sig)
	}

	for _, tc := range []struct {
		mode int
		sig  Signature
		err  error
	}{
		{arch.Mode32, Signature{Convention: Win64, Args: 1}, ErrUnsupported},
		{arch.Mode32, Signature{Convention: Thiscall}, ErrInvalidArgument},
		{arch.Mode64, Signature{Args: -1}, ErrInvalidArgument},
		{arch.Mode64, Signature{Args: MaxArgs + 1}, ErrInvalidArgument},
		{arch.Mode64, Signature{Convention: Convention(9)}, ErrInvalidArgument},
	} {
		_, err := bindAdapter(tc.mode, tc.sig)
		require.Equal(t, tc.err, errors.Cause(err), tc.sig)
	}
}

func TestAdapter_Marshal(t *testing.T) {
	a, err := bindAdapter(arch.Mode32, Signature{Convention: Fastcall, Args: 1})
	require.NoError(t, err)
	args := a.marshalIn([]uintptr{1, 2})
	require.Equal(t, []uintptr{1}, args)
	args[0] = 3

	m := sim.New()
	var got []uintptr
	fn := m.AddFunction("fn", testPrologue, 2, func(_ uint32, args []uintptr) uintptr {
		got = args
		return 7
	})
	// padded to the arity of the entry
	require.Equal(t, uintptr(7), a.invoke(m, 1, fn, args))
	require.Equal(t, []uintptr{3, 0}, got)

	require.Equal(t, uintptr(7), a.marshalOut(7))
	a.sig.Void = true
	require.Zero(t, a.marshalOut(7))
}

func TestAdapter_Preamble32(t *testing.T) {
	asm, err := arch.NewAssembler(arch.Mode32)
	require.NoError(t, err)
	const (
		pc       = 0x30000000
		announce = 0xF0000000
		entry    = 0xF0000010
	)
	common := []x86asm.Op{
		x86asm.PUSH, x86asm.PUSH, x86asm.PUSH,
		x86asm.MOV, x86asm.CALL,
		x86asm.POP, x86asm.POP,
	}
	for _, tc := range []struct {
		conv  Convention
		extra []x86asm.Op
		shim  []x86asm.Op
	}{
		{Stdcall, nil, nil},
		{Thiscall,
			[]x86asm.Op{x86asm.POP, x86asm.PUSH, x86asm.PUSH},
			[]x86asm.Op{x86asm.POP, x86asm.POP, x86asm.PUSH, x86asm.JMP},
		},
		{Fastcall,
			[]x86asm.Op{x86asm.POP, x86asm.PUSH, x86asm.PUSH, x86asm.PUSH},
			[]x86asm.Op{x86asm.POP, x86asm.POP, x86asm.POP, x86asm.PUSH, x86asm.JMP},
		},
	} {
		a, err := bindAdapter(arch.Mode32, Signature{Convention: tc.conv, Args: 2})
		require.NoError(t, err)
		code, err := asm.Emit(pc, a.preamble(5, announce, entry))
		require.NoError(t, err)
		require.LessOrEqual(t, len(code), shimOffset)
		want := append(append(append([]x86asm.Op(nil), common...), tc.extra...), x86asm.JMP)
		require.Equal(t, want, decodeOps(t, arch.Mode32, code), tc.conv)

		inst, err := x86asm.Decode(code[2:], arch.Mode32)
		require.NoError(t, err)
		require.Equal(t, x86asm.Imm(5), inst.Args[0])

		if tc.shim == nil {
			continue
		}
		code, err = asm.Emit(pc+shimOffset, a.callShim(0x10000000))
		require.NoError(t, err)
		require.Equal(t, tc.shim, decodeOps(t, arch.Mode32, code), tc.conv)
	}
}

func TestAdapter_Preamble64(t *testing.T) {
	asm, err := arch.NewAssembler(arch.Mode64)
	require.NoError(t, err)
	a, err := bindAdapter(arch.Mode64, sumSignature)
	require.NoError(t, err)
	code, err := asm.Emit(0x30000000, a.preamble(5, 0xF0000000, 0xF0000010))
	require.NoError(t, err)
	require.LessOrEqual(t, len(code), shimOffset)
	require.Equal(t, []x86asm.Op{
		x86asm.PUSH, x86asm.PUSH, x86asm.PUSH, x86asm.PUSH,
		x86asm.SUB, x86asm.MOV, x86asm.MOV, x86asm.CALL, x86asm.ADD,
		x86asm.POP, x86asm.POP, x86asm.POP, x86asm.POP,
		x86asm.JMP,
	}, decodeOps(t, arch.Mode64, code))
}

func TestDetour_Thiscall32(t *testing.T) {
	m := sim.New()
	p, err := NewProcess(nil, &Services{Memory: m, Bridge: m, Mode: arch.Mode32})
	require.NoError(t, err)
	// push ebp; mov ebp, esp; sub esp, 0x20
	prologue := []byte{0x55, 0x89, 0xE5, 0x83, 0xEC, 0x20}
	target := m.AddFunction("method", prologue, 2, func(uint32, []uintptr) uintptr {
		return 0
	})

	d := NewDetour(p, Signature{Convention: Thiscall, Args: 2})
	require.NoError(t, d.Hook(target, HandlerFunc(func(*Call) uintptr { return 0 }), Inline, HandlerFirst, UseOriginalResult))
	defer func() { require.NoError(t, d.Restore()) }()

	require.Equal(t, byte(0xE9), m.Bytes(target, 1)[0])
	// sub esp, 0x20 is replaced whole
	require.Equal(t, []byte{0x90}, m.Bytes(target+5, 1))

	s := d.state
	shim := m.Bytes(s.buffer+shimOffset, trampolineOffset-shimOffset)
	require.Equal(t, []x86asm.Op{x86asm.POP, x86asm.POP, x86asm.PUSH, x86asm.JMP}, decodeOps(t, arch.Mode32, shim))
	require.Equal(t, s.buffer+shimOffset, s.original)

	trampoline := m.Bytes(d.Trampoline(), 16)
	require.Equal(t, []x86asm.Op{x86asm.PUSH, x86asm.MOV, x86asm.SUB, x86asm.JMP}, decodeOps(t, arch.Mode32, trampoline))
}
