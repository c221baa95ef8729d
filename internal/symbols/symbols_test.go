//go:build linux
// +build linux

package symbols

import (
	"debug/elf"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestExecutable(t *testing.T) {
	table, err := Executable()
	if errors.Cause(err) == elf.ErrNoSymbols {
		t.Skip("test binary is stripped")
	}
	require.NoError(t, err)
	defer func() { require.NoError(t, table.Close()) }()
	require.NotEmpty(t, table.Symbols)

	const name = "github.com/brahma-adshonor/detour/internal/symbols.TestExecutable"
	sym, err := table.Lookup(name)
	require.NoError(t, err)
	require.NotZero(t, sym.Size)

	size, err := table.FuncSize(uintptr(sym.Value))
	require.NoError(t, err)
	require.Equal(t, uint32(sym.Size), size)

	addr, code, err := table.Code(name)
	require.NoError(t, err)
	require.Equal(t, sym.Value, addr)
	require.Len(t, code, int(sym.Size))

	_, err = table.FuncSize(uintptr(sym.Value + 1))
	require.Equal(t, ErrNoFunction, err)
	_, err = table.Lookup("no.such.function")
	require.Equal(t, ErrNoFunction, errors.Cause(err))
}

func TestOpenMissing(t *testing.T) {
	_, err := Open("/nonexistent/detour")
	require.Error(t, err)
}
