//go:build !windows
// +build !windows

package native

// Bridge of platforms where Go code can not be entered from a bare native
// call without cgo.
type Bridge struct{}

// NewBridge is used to create the native bridge of the current process.
func NewBridge() *Bridge {
	return new(Bridge)
}

// NewEntry always returns ErrUnsupported.
func (*Bridge) NewEntry(int, bool, Func) (uintptr, error) {
	return 0, ErrUnsupported
}

// Call panics, there is no entry that could have been hooked.
func (*Bridge) Call(uint32, uintptr, []uintptr) uintptr {
	panic(ErrUnsupported)
}
