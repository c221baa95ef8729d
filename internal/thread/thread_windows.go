package thread

import (
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/brahma-adshonor/detour/internal/hwbp"
)

var (
	modKernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procThread32First     = modKernel32.NewProc("Thread32First")
	procThread32Next      = modKernel32.NewProc("Thread32Next")
	procOpenThread        = modKernel32.NewProc("OpenThread")
	procSuspendThread     = modKernel32.NewProc("SuspendThread")
	procResumeThread      = modKernel32.NewProc("ResumeThread")
	procGetThreadContext  = modKernel32.NewProc("GetThreadContext")
	procSetThreadContext  = modKernel32.NewProc("SetThreadContext")
	procGetExitCodeThread = modKernel32.NewProc("GetExitCodeThread")
)

const (
	th32csSnapThread = 0x00000004

	threadSuspendResume = 0x0002
	threadGetContext    = 0x0008
	threadSetContext    = 0x0010
	threadQueryInfo     = 0x0040

	threadAccess = threadSuspendResume | threadGetContext | threadSetContext | threadQueryInfo

	stillActive = 259
)

// serializes the read and write of debug registers
var editMu sync.Mutex

type threadEntry32 struct {
	Size           uint32
	Usage          uint32
	ThreadID       uint32
	OwnerProcessID uint32
	BasePri        int32
	DeltaPri       int32
	Flags          uint32
}

func newErrorf(name string, err error, format string, v ...interface{}) error {
	if err != nil {
		return errors.Errorf("%s: %s, because %s", name, fmt.Sprintf(format, v...), err)
	}
	return errors.Errorf("%s: %s", name, fmt.Sprintf(format, v...))
}

// Enumerator lists the threads of a process with a toolhelp snapshot.
type Enumerator struct{}

// NewEnumerator is used to create a thread enumerator.
func NewEnumerator() *Enumerator {
	return new(Enumerator)
}

// AllThreads returns the threads owned by pid, zero means the current process.
// Every returned Thread must be closed.
func (*Enumerator) AllThreads(pid uint32) ([]hwbp.Thread, error) {
	if pid == 0 {
		pid = windows.GetCurrentProcessId()
	}
	ids, err := listThreads(pid)
	if err != nil {
		return nil, err
	}
	threads := make([]hwbp.Thread, 0, len(ids))
	for _, id := range ids {
		t, err := Open(id)
		if err != nil {
			// the thread exited after the snapshot
			continue
		}
		threads = append(threads, t)
	}
	return threads, nil
}

func listThreads(pid uint32) ([]uint32, error) {
	const name = "CreateToolhelp32Snapshot"
	snapshot, err := windows.CreateToolhelp32Snapshot(th32csSnapThread, 0)
	if err != nil {
		return nil, newErrorf(name, err, "failed to snapshot threads of %d", pid)
	}
	defer func() { _ = windows.CloseHandle(snapshot) }()
	entry := threadEntry32{}
	entry.Size = uint32(unsafe.Sizeof(entry))
	ret, _, err := procThread32First.Call(uintptr(snapshot), uintptr(unsafe.Pointer(&entry)))
	if ret == 0 {
		return nil, newErrorf("Thread32First", err, "failed to walk threads of %d", pid)
	}
	var ids []uint32
	for {
		if entry.OwnerProcessID == pid {
			ids = append(ids, entry.ThreadID)
		}
		ret, _, _ = procThread32Next.Call(uintptr(snapshot), uintptr(unsafe.Pointer(&entry)))
		if ret == 0 {
			break
		}
	}
	return ids, nil
}

// Thread is an opened thread handle.
type Thread struct {
	id     uint32
	handle windows.Handle
}

// Open is used to open a thread by id.
func Open(id uint32) (*Thread, error) {
	const name = "OpenThread"
	ret, _, err := procOpenThread.Call(threadAccess, 0, uintptr(id))
	if ret == 0 {
		return nil, newErrorf(name, err, "failed to open thread %d", id)
	}
	return &Thread{id: id, handle: windows.Handle(ret)}, nil
}

// ID returns the thread id.
func (t *Thread) ID() uint32 {
	return t.id
}

// AddDebugBreakpoint arms a free debug register slot.
func (t *Thread) AddDebugBreakpoint(addr uintptr, kind hwbp.Kind, length hwbp.Length) (int, error) {
	slot := -1
	err := t.edit(func(r *hwbp.Registers) error {
		var err error
		slot, err = r.Set(addr, kind, length)
		return err
	})
	return slot, err
}

// RemoveDebugBreakpoint disarms a slot.
func (t *Thread) RemoveDebugBreakpoint(slot int) error {
	return t.edit(func(r *hwbp.Registers) error {
		return r.Clear(slot)
	})
}

// Close is used to close the thread handle.
func (t *Thread) Close() error {
	return windows.CloseHandle(t.handle)
}

// exited reports whether the thread has terminated.
func (t *Thread) exited() bool {
	var code uint32
	ret, _, _ := procGetExitCodeThread.Call(uintptr(t.handle), uintptr(unsafe.Pointer(&code)))
	return ret != 0 && code != stillActive
}

// edit changes the debug registers of the thread, a failure on a thread
// that terminated meanwhile is reported as hwbp.ErrThreadExited.
func (t *Thread) edit(fn func(r *hwbp.Registers) error) error {
	if t.exited() {
		return errors.WithMessagef(hwbp.ErrThreadExited, "thread %d", t.id)
	}
	err := t.editLive(fn)
	if err != nil && t.exited() {
		return errors.WithMessagef(hwbp.ErrThreadExited, "thread %d", t.id)
	}
	return err
}

// editLive edits a suspended thread. A thread can not suspend itself, so
// the current thread is edited from a helper goroutine while the caller
// stays locked to its OS thread.
func (t *Thread) editLive(fn func(r *hwbp.Registers) error) error {
	if t.id != windows.GetCurrentThreadId() {
		return t.editSuspended(fn)
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	errCh := make(chan error, 1)
	go func() {
		errCh <- t.editSuspended(fn)
	}()
	return <-errCh
}

// editSuspended reads the debug registers, lets fn change them and
// writes them back. A suspended thread may hold a runtime lock, so only
// raw system calls run between suspend and resume.
func (t *Thread) editSuspended(fn func(r *hwbp.Registers) error) error {
	editMu.Lock()
	defer editMu.Unlock()
	ctx := hwbp.NewThreadContext()
	err := t.suspended("GetThreadContext", procGetThreadContext, ctx)
	if err != nil {
		return err
	}
	regs := ctx.Registers()
	err = fn(&regs)
	if err != nil {
		return err
	}
	ctx.SetRegisters(regs)
	return t.suspended("SetThreadContext", procSetThreadContext, ctx)
}

// suspended calls the context procedure proc while the thread is suspended.
func (t *Thread) suspended(name string, proc *windows.LazyProc, ctx *hwbp.ThreadContext) error {
	addr := proc.Addr()
	suspend := procSuspendThread.Addr()
	resume := procResumeThread.Addr()
	ret, _, errno := syscall.Syscall(suspend, 1, uintptr(t.handle), 0, 0)
	if ret == ^uintptr(0) {
		return newErrorf("SuspendThread", errno, "failed to suspend thread %d", t.id)
	}
	ret, _, errno = syscall.Syscall(addr, 2, uintptr(t.handle), uintptr(unsafe.Pointer(ctx)), 0)
	_, _, _ = syscall.Syscall(resume, 1, uintptr(t.handle), 0, 0)
	if ret == 0 {
		return newErrorf(name, errno, "failed to access context of thread %d", t.id)
	}
	return nil
}
