package memory

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

var (
	modKernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procReadProcessMemory     = modKernel32.NewProc("ReadProcessMemory")
	procWriteProcessMemory    = modKernel32.NewProc("WriteProcessMemory")
	procFlushInstructionCache = modKernel32.NewProc("FlushInstructionCache")
)

const (
	// allocation granularity of VirtualAlloc
	granularity = 0x10000

	// step and range used to search a free region near a target
	searchStep  = 0x100000
	searchRange = 0x7FF00000
)

func newErrorf(name string, err error, format string, v ...interface{}) error {
	if err != nil {
		return errors.Errorf("%s: %s, because %s", name, fmt.Sprintf(format, v...), err)
	}
	return errors.Errorf("%s: %s", name, fmt.Sprintf(format, v...))
}

// Local is the memory of the current process.
type Local struct {
	process windows.Handle
}

// NewLocal is used to create the memory service about the current process.
func NewLocal() *Local {
	return &Local{process: windows.CurrentProcess()}
}

// Read is used to read len(buf) bytes at addr.
func (l *Local) Read(addr uintptr, buf []byte) error {
	const name = "ReadProcessMemory"
	if len(buf) == 0 {
		return nil
	}
	var n uintptr
	ret, _, err := procReadProcessMemory.Call(
		uintptr(l.process), addr,
		uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)),
		uintptr(unsafe.Pointer(&n)),
	)
	if ret == 0 {
		return newErrorf(name, err, "failed to read memory at 0x%X", addr)
	}
	return nil
}

// Write is used to write data at addr, the range must be writable.
func (l *Local) Write(addr uintptr, data []byte) error {
	const name = "WriteProcessMemory"
	if len(data) == 0 {
		return nil
	}
	var n uintptr
	ret, _, err := procWriteProcessMemory.Call(
		uintptr(l.process), addr,
		uintptr(unsafe.Pointer(&data[0])), uintptr(len(data)),
		uintptr(unsafe.Pointer(&n)),
	)
	if ret == 0 {
		return newErrorf(name, err, "failed to write memory at 0x%X", addr)
	}
	return nil
}

// Protect changes the protection of [addr, addr+size) and returns the old one.
func (l *Local) Protect(addr uintptr, size int, prot Protection) (Protection, error) {
	const name = "VirtualProtect"
	var old uint32
	err := windows.VirtualProtect(addr, uintptr(size), toWindows(prot), &old)
	if err != nil {
		return NoAccess, newErrorf(name, err, "failed to change protection at 0x%X to %s", addr, prot)
	}
	return fromWindows(old), nil
}

// Alloc is used to allocate size bytes with prot, it tries the free regions
// within the rel32 range of near first, then anywhere.
func (l *Local) Alloc(near uintptr, size int, prot Protection) (uintptr, error) {
	const name = "VirtualAlloc"
	typ := uint32(windows.MEM_COMMIT | windows.MEM_RESERVE)
	if near != 0 {
		base := near &^ (granularity - 1)
		for delta := uintptr(searchStep); delta < searchRange; delta += searchStep {
			candidates := [2]uintptr{base + delta, base - delta}
			if base < delta {
				candidates[1] = 0
			}
			for _, candidate := range candidates {
				if candidate == 0 {
					continue
				}
				addr, err := windows.VirtualAlloc(candidate, uintptr(size), typ, toWindows(prot))
				if err == nil {
					return addr, nil
				}
			}
		}
	}
	addr, err := windows.VirtualAlloc(0, uintptr(size), typ, toWindows(prot))
	if err != nil {
		return 0, newErrorf(name, err, "failed to allocate %d bytes", size)
	}
	return addr, nil
}

// Free is used to release a region returned by Alloc.
func (l *Local) Free(addr uintptr, _ int) error {
	const name = "VirtualFree"
	err := windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
	if err != nil {
		return newErrorf(name, err, "failed to free memory at 0x%X", addr)
	}
	return nil
}

// FlushCode is used to flush the instruction cache after code is patched.
func (l *Local) FlushCode(addr uintptr, size int) error {
	const name = "FlushInstructionCache"
	ret, _, err := procFlushInstructionCache.Call(uintptr(l.process), addr, uintptr(size))
	if ret == 0 {
		return newErrorf(name, err, "failed to flush instruction cache at 0x%X", addr)
	}
	return nil
}

func toWindows(prot Protection) uint32 {
	switch prot {
	case ReadOnly:
		return windows.PAGE_READONLY
	case ReadWrite:
		return windows.PAGE_READWRITE
	case ReadExecute:
		return windows.PAGE_EXECUTE_READ
	case ReadWriteExecute:
		return windows.PAGE_EXECUTE_READWRITE
	}
	return windows.PAGE_NOACCESS
}

func fromWindows(prot uint32) Protection {
	// ignore PAGE_GUARD, PAGE_NOCACHE and so on
	switch prot & 0xFF {
	case windows.PAGE_READONLY:
		return ReadOnly
	case windows.PAGE_READWRITE, windows.PAGE_WRITECOPY:
		return ReadWrite
	case windows.PAGE_EXECUTE, windows.PAGE_EXECUTE_READ:
		return ReadExecute
	case windows.PAGE_EXECUTE_READWRITE, windows.PAGE_EXECUTE_WRITECOPY:
		return ReadWriteExecute
	}
	return NoAccess
}
