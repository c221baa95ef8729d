package native

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/windows"
)

func TestBridgeRoundTrip(t *testing.T) {
	b := NewBridge()
	var (
		tid  uint32
		seen []uintptr
	)
	entry, err := b.NewEntry(3, true, func(id uint32, args []uintptr) uintptr {
		tid = id
		seen = append(seen, args...)
		return args[0] + args[1]*args[2]
	})
	require.NoError(t, err)
	require.NotZero(t, entry)

	ret := b.Call(0, entry, []uintptr{1, 2, 3})
	require.Equal(t, uintptr(7), ret)
	require.Equal(t, []uintptr{1, 2, 3}, seen)
	require.Equal(t, windows.GetCurrentThreadId(), tid)
}

func TestBridgeArgc(t *testing.T) {
	b := NewBridge()
	_, err := b.NewEntry(MaxArgs+1, false, func(uint32, []uintptr) uintptr { return 0 })
	require.Equal(t, ErrTooManyArgs, errors.Cause(err))
	_, err = b.NewEntry(-1, false, func(uint32, []uintptr) uintptr { return 0 })
	require.Error(t, err)

	require.Panics(t, func() {
		b.Call(0, 0x1000, make([]uintptr, MaxArgs+1))
	})
}
