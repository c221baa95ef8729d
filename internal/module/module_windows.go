package module

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

var (
	modKernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procGetModuleHandleExW      = modKernel32.NewProc("GetModuleHandleExW")
	procK32GetModuleInformation = modKernel32.NewProc("K32GetModuleInformation")
)

const (
	flagFromAddress       = 0x00000004
	flagUnchangedRefcount = 0x00000002
)

type moduleInfo struct {
	BaseOfDll   uintptr
	SizeOfImage uint32
	EntryPoint  uintptr
}

// Resolver asks the loader for the module of an address.
type Resolver struct {
	process windows.Handle
}

// NewResolver is used to create a module resolver of the current process.
func NewResolver() *Resolver {
	return &Resolver{process: windows.CurrentProcess()}
}

// ModuleRange returns the base and size of the module that contains addr.
func (r *Resolver) ModuleRange(addr uintptr) (uintptr, uintptr, error) {
	var handle windows.Handle
	ret, _, err := procGetModuleHandleExW.Call(
		flagFromAddress|flagUnchangedRefcount, addr,
		uintptr(unsafe.Pointer(&handle)),
	)
	if ret == 0 {
		return 0, 0, errors.WithMessage(ErrNotFound, fmt.Sprintf("0x%X: %s", addr, err))
	}
	info := moduleInfo{}
	ret, _, err = procK32GetModuleInformation.Call(
		uintptr(r.process), uintptr(handle),
		uintptr(unsafe.Pointer(&info)), unsafe.Sizeof(info),
	)
	if ret == 0 {
		return 0, 0, errors.Errorf("K32GetModuleInformation: failed to query module 0x%X, because %s", handle, err)
	}
	return info.BaseOfDll, uintptr(info.SizeOfImage), nil
}
