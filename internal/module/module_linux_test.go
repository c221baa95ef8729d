package module

import (
	"reflect"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/brahma-adshonor/detour/internal/memory"
)

func TestFind(t *testing.T) {
	mappings := []memory.Mapping{
		{Start: 0x400000, End: 0x401000, Prot: memory.ReadOnly, Path: "/bin/app"},
		{Start: 0x401000, End: 0x405000, Prot: memory.ReadExecute, Path: "/bin/app"},
		{Start: 0x405000, End: 0x406000, Prot: memory.ReadWrite, Path: "/bin/app"},
		{Start: 0x406000, End: 0x408000, Prot: memory.ReadWrite},
		{Start: 0x7FFE0000, End: 0x7FFF0000, Prot: memory.ReadWrite, Path: "[stack]"},
	}

	rg, ok := find(mappings, 0x402345)
	require.True(t, ok)
	require.Equal(t, Range{Base: 0x400000, Size: 0x6000}, rg)

	rg, ok = find(mappings, 0x407000)
	require.True(t, ok)
	require.Equal(t, Range{Base: 0x406000, Size: 0x2000}, rg)

	rg, ok = find(mappings, 0x7FFE1000)
	require.True(t, ok)
	require.Equal(t, Range{Base: 0x7FFE0000, Size: 0x10000}, rg)

	_, ok = find(mappings, 0x300000)
	require.False(t, ok)
}

func TestModuleRangeSelf(t *testing.T) {
	pc := reflect.ValueOf(TestModuleRangeSelf).Pointer()
	base, size, err := NewResolver().ModuleRange(pc)
	require.NoError(t, err)
	require.True(t, Range{Base: base, Size: size}.Contains(pc))

	r := &Resolver{mappings: func() ([]memory.Mapping, error) { return nil, nil }}
	_, _, err = r.ModuleRange(pc)
	require.Equal(t, ErrNotFound, errors.Cause(err))
}
