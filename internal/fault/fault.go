// Package fault delivers breakpoint and single step exceptions of the
// current process to one subscribed handler.
package fault

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is the exception code of a fault.
type Code uint32

// about code
const (
	Breakpoint Code = 0x80000003
	SingleStep Code = 0x80000004
)

func (c Code) String() string {
	switch c {
	case Breakpoint:
		return "breakpoint"
	case SingleStep:
		return "single step"
	}
	return fmt.Sprintf("exception 0x%08X", uint32(c))
}

// Context is the faulting thread seen by a Handler.
type Context interface {
	// Address is the address of the faulting instruction.
	Address() uintptr
	PC() uintptr
	// SetPC changes where the thread resumes when the fault is handled.
	SetPC(pc uintptr)
	ThreadID() uint32
	// HitSlot is the debug register slot that raised a single step, or -1.
	HitSlot() int
}

// Handler reports whether it handled the fault, an unhandled fault
// continues to the next handler of the process.
type Handler func(code Code, ctx Context) bool

// ErrUnavailable is returned when the platform has no fault subscription.
var ErrUnavailable = errors.New("fault subscription is unavailable")
