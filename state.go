package detour

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Strategy is how calls are redirected to the handler.
type Strategy uint8

// strategies of a hook
const (
	Inline Strategy = iota
	SoftwareBreakpoint
	HardwareBreakpoint
	VTableSwap
)

func (s Strategy) String() string {
	switch s {
	case Inline:
		return "inline"
	case SoftwareBreakpoint:
		return "software breakpoint"
	case HardwareBreakpoint:
		return "hardware breakpoint"
	case VTableSwap:
		return "vtable swap"
	default:
		return fmt.Sprintf("<invalid strategy %d>", uint8(s))
	}
}

// Order is the execution order of the handler and the original.
type Order uint8

// orders of a hook
const (
	HandlerFirst Order = iota
	HandlerLast
	HandlerOnly
)

func (o Order) String() string {
	switch o {
	case HandlerFirst:
		return "handler first"
	case HandlerLast:
		return "handler last"
	case HandlerOnly:
		return "handler only"
	default:
		return fmt.Sprintf("<invalid order %d>", uint8(o))
	}
}

// ReturnPolicy selects the value returned to the caller.
type ReturnPolicy uint8

// return policies of a hook
const (
	UseOriginalResult ReturnPolicy = iota
	UseHandlerResult
)

func (p ReturnPolicy) String() string {
	switch p {
	case UseOriginalResult:
		return "original result"
	case UseHandlerResult:
		return "handler result"
	default:
		return fmt.Sprintf("<invalid return policy %d>", uint8(p))
	}
}

func checkPolicy(order Order, policy ReturnPolicy) error {
	if order > HandlerOnly {
		return errorf(ErrInvalidArgument, "%s", order)
	}
	if policy > UseHandlerResult {
		return errorf(ErrInvalidArgument, "%s", policy)
	}
	return nil
}

// hookState is the mutable record of one installed hook.
type hookState struct {
	id       uint64
	target   uintptr
	strategy Strategy
	handler  Handler
	order    Order
	policy   ReturnPolicy
	adapter  *adapter

	// inline and software breakpoint
	savedBytes []byte
	patch      []byte

	// vtable swap, the slot value or the original table pointer
	savedSlot uintptr
	table     uintptr
	tableLen  int

	buffer     uintptr
	preamble   uintptr
	trampoline uintptr
	// called to run the original, the trampoline, the call shim or the slot value
	original uintptr

	// hardware breakpoint, thread id -> slot
	slots map[uint32]int

	// the original is called by restoring savedBytes
	inPlace   bool
	inPlaceMu sync.Mutex
	installed int32
	enabled   int32

	// calls announced and not yet returned, guarded by dispatcher.hooksMu
	refs int
	// unregistered, the buffers go with the last reference
	retired bool
}

func (s *hookState) isEnabled() bool {
	return atomic.LoadInt32(&s.enabled) == 1
}

func (s *hookState) setEnabled(enabled bool) {
	var v int32
	if enabled {
		v = 1
	}
	atomic.StoreInt32(&s.enabled, v)
}

func (s *hookState) isInstalled() bool {
	return atomic.LoadInt32(&s.installed) == 1
}

func (s *hookState) setInstalled(installed bool) {
	var v int32
	if installed {
		v = 1
	}
	atomic.StoreInt32(&s.installed, v)
}
