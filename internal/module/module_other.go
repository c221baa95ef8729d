//go:build !windows && !linux
// +build !windows,!linux

package module

// Resolver of platforms without a module list.
type Resolver struct{}

// NewResolver is used to create a module resolver of the current process.
func NewResolver() *Resolver {
	return new(Resolver)
}

// ModuleRange always returns ErrNotFound.
func (*Resolver) ModuleRange(uintptr) (uintptr, uintptr, error) {
	return 0, 0, ErrNotFound
}
