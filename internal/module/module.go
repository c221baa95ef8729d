// Package module finds the loaded image that contains an address.
package module

import (
	"github.com/pkg/errors"
)

// ErrNotFound is returned when no image contains the address.
var ErrNotFound = errors.New("address is not inside a loaded module")

// Range is the extent of a loaded image.
type Range struct {
	Base uintptr
	Size uintptr
}

// Contains reports whether addr is inside the range.
func (r Range) Contains(addr uintptr) bool {
	return addr >= r.Base && addr-r.Base < r.Size
}
