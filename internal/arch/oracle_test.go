package arch

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// push rbp; mov rbp, rsp; sub rsp, 0x20; nop...
var testPrologue = []byte{
	0x55, 0x48, 0x89, 0xE5, 0x48, 0x83, 0xEC, 0x20,
	0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90,
	0xC3, 0xCC, 0xCC, 0xCC,
}

func TestMinimumSafeOverwriteLength(t *testing.T) {
	oracle, err := NewOracle(Mode64)
	require.NoError(t, err)

	for _, testdata := range []struct {
		need   int
		expect int
	}{
		{1, 1},
		{2, 4},
		{5, 8},
		{8, 8},
		{14, 14},
		// the return is the last covered instruction
		{17, 17},
	} {
		n, err := oracle.MinimumSafeOverwriteLength(testPrologue, testdata.need)
		require.NoError(t, err)
		require.Equal(t, testdata.expect, n, "need %d", testdata.need)
	}
}

func TestMinimumSafeOverwriteLengthTooShort(t *testing.T) {
	oracle, err := NewOracle(Mode64)
	require.NoError(t, err)

	for _, testdata := range []struct {
		name string
		code []byte
		need int
	}{
		{"ret", []byte{0xC3, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}, 5},
		{"int3", []byte{0xCC, 0xC3, 0x90, 0x90, 0x90, 0x90}, 1},
		{"xor ret", []byte{0x31, 0xC0, 0xC3, 0xCC, 0xCC, 0xCC}, 5},
		{"padding", []byte{0x90, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}, 5},
		{"tail jump", []byte{0xEB, 0x10, 0x90, 0x90, 0x90, 0x90}, 5},
		{"prologue", testPrologue, 18},
		{"data end", []byte{0x90, 0x90}, 5},
	} {
		t.Run(testdata.name, func(t *testing.T) {
			_, err := oracle.MinimumSafeOverwriteLength(testdata.code, testdata.need)
			require.Equal(t, ErrTooShort, errors.Cause(err))
		})
	}

	_, err = oracle.MinimumSafeOverwriteLength(testPrologue, 0)
	require.Error(t, err)
}

func TestMinimumSafeOverwriteLengthRet(t *testing.T) {
	oracle, err := NewOracle(Mode64)
	require.NoError(t, err)

	// a lone ret fits a one byte patch
	n, err := oracle.MinimumSafeOverwriteLength([]byte{0xC3, 0xCC, 0xCC}, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// ret imm16
	n, err = oracle.MinimumSafeOverwriteLength([]byte{0xC2, 0x08, 0x00, 0xCC}, 1)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	_, err = oracle.MinimumSafeOverwriteLength([]byte{0xC3, 0xCC, 0xCC}, 2)
	require.Equal(t, ErrTooShort, errors.Cause(err))
}

func TestMinimumSafeOverwriteLength32(t *testing.T) {
	oracle, err := NewOracle(Mode32)
	require.NoError(t, err)
	require.Equal(t, Mode32, oracle.Mode())

	// mov edi, edi; push ebp; mov ebp, esp; sub esp, 8
	code := []byte{0x8B, 0xFF, 0x55, 0x8B, 0xEC, 0x83, 0xEC, 0x08, 0xC3}
	n, err := oracle.MinimumSafeOverwriteLength(code, 5)
	require.NoError(t, err)
	require.Equal(t, 5, n)
}
