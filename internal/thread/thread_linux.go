package thread

import (
	"fmt"
	"io/ioutil"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/brahma-adshonor/detour/internal/hwbp"
)

// Enumerator lists the threads of a process from procfs.
type Enumerator struct {
	root string
}

// NewEnumerator is used to create a thread enumerator.
func NewEnumerator() *Enumerator {
	return &Enumerator{root: "/proc"}
}

// AllThreads returns the threads of pid, zero means the current process.
// The threads are listed but their debug registers can not be edited
// from inside the process.
func (e *Enumerator) AllThreads(pid uint32) ([]hwbp.Thread, error) {
	if pid == 0 {
		pid = uint32(unix.Getpid())
	}
	dir := fmt.Sprintf("%s/%d/task", e.root, pid)
	infos, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list threads of %d", pid)
	}
	threads := make([]hwbp.Thread, 0, len(infos))
	for _, info := range infos {
		id, err := strconv.ParseUint(info.Name(), 10, 32)
		if err != nil {
			continue
		}
		threads = append(threads, &Thread{id: uint32(id)})
	}
	return threads, nil
}

// Thread is a task of a process.
type Thread struct {
	id uint32
}

// ID returns the thread id.
func (t *Thread) ID() uint32 {
	return t.id
}

// AddDebugBreakpoint always returns ErrUnsupported.
func (*Thread) AddDebugBreakpoint(uintptr, hwbp.Kind, hwbp.Length) (int, error) {
	return -1, ErrUnsupported
}

// RemoveDebugBreakpoint always returns ErrUnsupported.
func (*Thread) RemoveDebugBreakpoint(int) error {
	return ErrUnsupported
}

// Close does nothing.
func (*Thread) Close() error {
	return nil
}
