package detour

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/brahma-adshonor/detour/internal/arch"
	"github.com/brahma-adshonor/detour/internal/logger"
	"github.com/brahma-adshonor/detour/internal/memory"
	"github.com/brahma-adshonor/detour/internal/sim"
)

func TestNewProcess(t *testing.T) {
	m := sim.New()
	for _, svc := range []*Services{
		nil,
		{Bridge: m},
		{Memory: m},
		{Memory: m, Bridge: m, Mode: 16},
	} {
		_, err := NewProcess(nil, svc)
		require.Equal(t, ErrInvalidArgument, errors.Cause(err))
	}

	p, err := NewProcess(nil, &Services{Memory: m, Bridge: m})
	require.NoError(t, err)
	require.Equal(t, arch.HostMode(), p.Mode())
	require.Equal(t, DefaultConfig(), p.Config())
}

func TestCurrentProcess(t *testing.T) {
	p, err := CurrentProcess()
	require.NoError(t, err)
	require.Equal(t, arch.HostMode(), p.Mode())

	p2, err := CurrentProcess()
	require.NoError(t, err)
	require.True(t, p == p2)
}

func TestProcess_Pointer(t *testing.T) {
	p, m := testProcess(t, nil)
	addr := m.AddData([]uint64{0x1122334455667788}, memory.ReadOnly)
	v, err := p.readPtr(addr)
	require.NoError(t, err)
	require.Equal(t, uintptr(0x1122334455667788), v)
	require.Equal(t, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, p.ptrBytes(v))

	_, err = p.readPtr(0x1000)
	require.Error(t, err)

	p.mode = arch.Mode32
	v, err = p.readPtr(addr)
	require.NoError(t, err)
	require.Equal(t, uintptr(0x55667788), v)
	require.Equal(t, []byte{0x88, 0x77, 0x66, 0x55}, p.ptrBytes(v))
}

func TestProcess_PatchMemory(t *testing.T) {
	buf := bytes.NewBuffer(make([]byte, 0, 256))
	cfg := DefaultConfig()
	cfg.LogLevel = "warning"
	m := sim.New()
	p, err := NewProcess(cfg, &Services{Memory: m, Bridge: m, Logger: logger.New(buf), Mode: arch.Mode64})
	require.NoError(t, err)
	addr := m.AddData([]uint64{0}, memory.ReadOnly)

	written, err := p.patchMemory(addr, []byte{1, 2}, memory.ReadWrite)
	require.True(t, written)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, m.Bytes(addr, 2))
	require.Equal(t, memory.ReadOnly, m.Protection(addr))
	require.Equal(t, 0, m.Flushes())

	// code is flushed
	written, err = p.patchMemory(addr, []byte{3}, memory.ReadWriteExecute)
	require.True(t, written)
	require.NoError(t, err)
	require.Equal(t, 1, m.Flushes())

	m.DenyProtect(addr)
	written, err = p.patchMemory(addr, []byte{4}, memory.ReadWrite)
	require.False(t, written)
	require.Equal(t, ErrProtectionDenied, errors.Cause(err))
	require.Equal(t, []byte{3}, m.Bytes(addr, 1))

	m.DenyProtectAfter(addr, 1)
	written, err = p.patchMemory(addr, []byte{5}, memory.ReadWrite)
	require.True(t, written)
	require.Equal(t, ErrProtectionDenied, errors.Cause(err))
	require.Equal(t, []byte{5}, m.Bytes(addr, 1))

	// the write fails, the protection is reverted
	m.AllowProtect(addr)
	written, err = p.patchMemory(addr, []byte{6}, memory.ReadOnly)
	require.False(t, written)
	require.Error(t, err)
	require.Equal(t, memory.ReadWrite, m.Protection(addr))

	m.DenyProtectAfter(addr, 1)
	require.NoError(t, p.writeCode(addr, []byte{7}))
	require.Contains(t, buf.String(), "failed to revert protection")
}
