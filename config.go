package detour

import (
	"io/ioutil"

	"github.com/creasty/defaults"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/brahma-adshonor/detour/internal/logger"
)

// limits of Config
const (
	minBufferSize = 0x100
	minReadSize   = 16
	maxReadSize   = 64
)

// Config contains the tunables of a Process.
type Config struct {
	// BufferSize is the size of the executable buffer of each hook
	BufferSize int `toml:"buffer_size" default:"4096"`

	// ReadSize is how many prologue bytes are read to find the patch length
	ReadSize int `toml:"read_size" default:"32"`

	// VTableScanLimit caps the scanned length of a copied table
	VTableScanLimit int `toml:"vtable_scan_limit" default:"1024"`

	// InPlaceFallback allows calling the original by restoring its bytes
	// when the prologue can not be relocated
	InPlaceFallback bool `toml:"in_place_fallback" default:"true"`

	LogLevel string `toml:"log_level" default:"info"`
}

// DefaultConfig returns a Config with every default value.
func DefaultConfig() *Config {
	cfg := new(Config)
	err := defaults.Set(cfg)
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfig is used to load a TOML config file, missing keys keep their
// default value.
func LoadConfig(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path) // #nosec
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return ParseConfig(data)
}

// ParseConfig is LoadConfig that reads from data.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	err := toml.Unmarshal(data, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	err = cfg.Check()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Check is used to check the values of the config.
func (cfg *Config) Check() error {
	if cfg.BufferSize < minBufferSize {
		return errors.Errorf("buffer size %d is smaller than %d", cfg.BufferSize, minBufferSize)
	}
	if cfg.ReadSize < minReadSize || cfg.ReadSize > maxReadSize {
		return errors.Errorf("read size %d is not in [%d, %d]", cfg.ReadSize, minReadSize, maxReadSize)
	}
	if cfg.VTableScanLimit < 1 {
		return errors.Errorf("invalid vtable scan limit %d", cfg.VTableScanLimit)
	}
	_, err := logger.Parse(cfg.LogLevel)
	return err
}

// Level returns the logger level, an invalid level means info.
func (cfg *Config) Level() logger.Level {
	lv, err := logger.Parse(cfg.LogLevel)
	if err != nil {
		return logger.Info
	}
	return lv
}
