//go:build !windows && !linux
// +build !windows,!linux

package thread

import (
	"github.com/brahma-adshonor/detour/internal/hwbp"
)

// Enumerator of platforms without thread enumeration.
type Enumerator struct{}

// NewEnumerator is used to create a thread enumerator.
func NewEnumerator() *Enumerator {
	return new(Enumerator)
}

// AllThreads always returns ErrUnsupported.
func (*Enumerator) AllThreads(uint32) ([]hwbp.Thread, error) {
	return nil, ErrUnsupported
}
