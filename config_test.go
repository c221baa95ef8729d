package detour

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/brahma-adshonor/detour/internal/logger"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 4096, cfg.BufferSize)
	require.Equal(t, 32, cfg.ReadSize)
	require.Equal(t, 1024, cfg.VTableScanLimit)
	require.True(t, cfg.InPlaceFallback)
	require.Equal(t, logger.Info, cfg.Level())
	require.NoError(t, cfg.Check())
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
buffer_size = 8192
in_place_fallback = false
log_level = "debug"
`))
	require.NoError(t, err)
	require.Equal(t, 8192, cfg.BufferSize)
	require.Equal(t, 32, cfg.ReadSize)
	require.False(t, cfg.InPlaceFallback)
	require.Equal(t, logger.Debug, cfg.Level())

	for _, data := range []string{
		"buffer_size = 16",
		"read_size = 8",
		"read_size = 128",
		"vtable_scan_limit = 0",
		`log_level = "verbose"`,
		"buffer_size = ",
	} {
		_, err = ParseConfig([]byte(data))
		require.Error(t, err, data)
	}
}

func TestLoadConfig(t *testing.T) {
	file, err := ioutil.TempFile("", "detour*.toml")
	require.NoError(t, err)
	defer func() { _ = os.Remove(file.Name()) }()
	_, err = file.WriteString("read_size = 48\n")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	cfg, err := LoadConfig(file.Name())
	require.NoError(t, err)
	require.Equal(t, 48, cfg.ReadSize)
	require.Equal(t, 4096, cfg.BufferSize)

	_, err = LoadConfig(file.Name() + ".missing")
	require.Error(t, err)
}

func TestConfig_Level(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "verbose"
	require.Error(t, cfg.Check())
	require.Equal(t, logger.Info, cfg.Level())

	_, err := NewProcess(cfg, nil)
	require.Equal(t, ErrInvalidArgument, errors.Cause(err))
}
