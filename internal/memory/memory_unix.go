//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly
// +build linux darwin freebsd netbsd openbsd dragonfly

package memory

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Local is the memory of the current process.
type Local struct {
	pageSize int

	// mapped regions from Alloc, Munmap needs the original slice
	allocs   map[uintptr][]byte
	allocsMu sync.Mutex
}

// NewLocal is used to create the memory service about the current process.
func NewLocal() *Local {
	return &Local{
		pageSize: unix.Getpagesize(),
		allocs:   make(map[uintptr][]byte),
	}
}

// Read is used to read len(buf) bytes at addr.
func (l *Local) Read(addr uintptr, buf []byte) error {
	copy(buf, makeSliceFromPointer(addr, len(buf)))
	return nil
}

// Write is used to write data at addr, the range must be writable.
func (l *Local) Write(addr uintptr, data []byte) error {
	copy(makeSliceFromPointer(addr, len(data)), data)
	return nil
}

// Protect changes the protection of the pages that cover [addr, addr+size)
// and returns the protection of the first page before the change.
func (l *Local) Protect(addr uintptr, size int, prot Protection) (Protection, error) {
	old, err := queryProtection(addr)
	if err != nil {
		return NoAccess, err
	}
	start, length := PageRange(addr, size, l.pageSize)
	err = unix.Mprotect(makeSliceFromPointer(start, length), toUnix(prot))
	if err != nil {
		return NoAccess, errors.Wrapf(err, "failed to change protection at 0x%X to %s", addr, prot)
	}
	return old, nil
}

// Alloc is used to map size bytes with prot. The mapping position is
// chosen by the kernel, near is only a hint and usually ignored.
func (l *Local) Alloc(near uintptr, size int, prot Protection) (uintptr, error) {
	b, err := unix.Mmap(-1, 0, size, toUnix(prot), unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to map %d bytes", size)
	}
	addr := uintptr(unsafe.Pointer(&b[0]))
	l.allocsMu.Lock()
	defer l.allocsMu.Unlock()
	l.allocs[addr] = b
	return addr, nil
}

// Free is used to unmap a region returned by Alloc.
func (l *Local) Free(addr uintptr, _ int) error {
	l.allocsMu.Lock()
	defer l.allocsMu.Unlock()
	b, ok := l.allocs[addr]
	if !ok {
		return errors.Errorf("0x%X is not allocated", addr)
	}
	delete(l.allocs, addr)
	return unix.Munmap(b)
}

// FlushCode is a no-op, x86 keeps the instruction cache coherent.
func (l *Local) FlushCode(uintptr, int) error {
	return nil
}

func toUnix(prot Protection) int {
	switch prot {
	case ReadOnly:
		return unix.PROT_READ
	case ReadWrite:
		return unix.PROT_READ | unix.PROT_WRITE
	case ReadExecute:
		return unix.PROT_READ | unix.PROT_EXEC
	case ReadWriteExecute:
		return unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	}
	return unix.PROT_NONE
}
