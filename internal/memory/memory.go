package memory

import (
	"reflect"
	"unsafe"
)

// Protection is the access right of a page range.
type Protection uint8

// about protection
const (
	NoAccess Protection = iota
	ReadOnly
	ReadWrite
	ReadExecute
	ReadWriteExecute
)

func (p Protection) String() string {
	switch p {
	case NoAccess:
		return "---"
	case ReadOnly:
		return "r--"
	case ReadWrite:
		return "rw-"
	case ReadExecute:
		return "r-x"
	case ReadWriteExecute:
		return "rwx"
	}
	return "unknown"
}

// Writable reports whether data can be written to a page with p.
func (p Protection) Writable() bool {
	return p == ReadWrite || p == ReadWriteExecute
}

// Executable reports whether code can run from a page with p.
func (p Protection) Executable() bool {
	return p == ReadExecute || p == ReadWriteExecute
}

// PageRange returns the page aligned range that covers [addr, addr+size).
func PageRange(addr uintptr, size, pageSize int) (uintptr, int) {
	mask := uintptr(pageSize - 1)
	start := addr &^ mask
	end := (addr + uintptr(size) + mask) &^ mask
	return start, int(end - start)
}

func makeSliceFromPointer(p uintptr, length int) []byte {
	var b []byte
	h := (*reflect.SliceHeader)(unsafe.Pointer(&b))
	h.Data = p
	h.Len = length
	h.Cap = length
	return b
}
