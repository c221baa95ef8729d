package arch

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestRelocate(t *testing.T) {
	for _, testdata := range []struct {
		name   string
		code   []byte
		expect []byte
	}{
		{
			name:   "plain",
			code:   []byte{0x55, 0x48, 0x89, 0xE5},
			expect: []byte{0x55, 0x48, 0x89, 0xE5},
		},
		{
			name:   "call rel32",
			code:   []byte{0xE8, 0x00, 0x01, 0x00, 0x00},
			expect: []byte{0xE8, 0x00, 0xF1, 0xFF, 0xFF},
		},
		{
			name:   "jmp rel8 outside",
			code:   []byte{0xEB, 0x10},
			expect: []byte{0xE9, 0x0D, 0xF0, 0xFF, 0xFF},
		},
		{
			name:   "jcc rel8 outside",
			code:   []byte{0x74, 0x05},
			expect: []byte{0x0F, 0x84, 0x01, 0xF0, 0xFF, 0xFF},
		},
		{
			name:   "jmp rel8 inside",
			code:   []byte{0xEB, 0x01, 0x90, 0x90},
			expect: []byte{0xEB, 0x01, 0x90, 0x90},
		},
		{
			name:   "inside after widened",
			code:   []byte{0x74, 0x10, 0xEB, 0x01, 0x90, 0x90},
			expect: []byte{0x0F, 0x84, 0x0C, 0xF0, 0xFF, 0xFF, 0xEB, 0x01, 0x90, 0x90},
		},
		{
			name:   "rip relative",
			code:   []byte{0x48, 0x8B, 0x05, 0x10, 0x00, 0x00, 0x00},
			expect: []byte{0x48, 0x8B, 0x05, 0x10, 0xF0, 0xFF, 0xFF},
		},
	} {
		t.Run(testdata.name, func(t *testing.T) {
			code, err := Relocate(Mode64, testdata.code, 0x1000, 0x2000)
			require.NoError(t, err)
			require.Equal(t, testdata.expect, code)
		})
	}
}

func TestRelocateInstructions(t *testing.T) {
	fixes, err := RelocateInstructions(Mode64, []byte{0x55, 0xE8, 0x00, 0x01, 0x00, 0x00}, 0x1000, 0x2000)
	require.NoError(t, err)
	require.Len(t, fixes, 2)
	require.False(t, fixes[0].Foreign)
	require.Equal(t, 1, fixes[1].Offset)
	require.True(t, fixes[1].Foreign)
	require.Equal(t, uintptr(0x1106), fixes[1].Target)
}

func TestRelocateFailed(t *testing.T) {
	t.Run("jrcxz", func(t *testing.T) {
		_, err := Relocate(Mode64, []byte{0xE3, 0x10}, 0x1000, 0x2000)
		require.Equal(t, ErrUnrelocatable, errors.Cause(err))
	})

	t.Run("rel32 overflow", func(t *testing.T) {
		_, err := Relocate(Mode64, []byte{0xE8, 0x00, 0x01, 0x00, 0x00}, 0x1000, 0x7FF000000000)
		require.Equal(t, ErrUnrelocatable, errors.Cause(err))
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Relocate(Mode64, []byte{0x48, 0x8B}, 0x1000, 0x2000)
		require.Equal(t, ErrUnrelocatable, errors.Cause(err))
	})
}

func TestRelocate32(t *testing.T) {
	// call rel32 wraps in the 32 bit address space
	code, err := Relocate(Mode32, []byte{0xE8, 0x00, 0x01, 0x00, 0x00}, 0x401000, 0x10000000)
	require.NoError(t, err)
	// 0x401105 - 0x10000005
	require.Equal(t, []byte{0xE8, 0x00, 0x11, 0x40, 0xF0}, code)
}

func TestDisassemble(t *testing.T) {
	lines := Disassemble(Mode64, testPrologue, 0x1000)
	require.True(t, len(lines) >= 3)
	require.Equal(t, uintptr(0x1000), lines[0].Addr)
	require.Equal(t, "push rbp", lines[0].Text)
	require.Equal(t, uintptr(0x1001), lines[1].Addr)
	require.Equal(t, []byte{0x48, 0x89, 0xE5}, lines[1].Bytes)
}
