package fault

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/brahma-adshonor/detour/internal/hwbp"
)

var (
	modKernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procAddVectoredExceptionHandler    = modKernel32.NewProc("AddVectoredExceptionHandler")
	procRemoveVectoredExceptionHandler = modKernel32.NewProc("RemoveVectoredExceptionHandler")
)

const (
	continueExecution = ^uintptr(0) // EXCEPTION_CONTINUE_EXECUTION(-1)
	continueSearch    = 0
)

type exceptionRecord struct {
	ExceptionCode        uint32
	ExceptionFlags       uint32
	ExceptionRecord      uintptr
	ExceptionAddress     uintptr
	NumberParameters     uint32
	ExceptionInformation [15]uintptr
}

type exceptionPointers struct {
	ExceptionRecord *exceptionRecord
	ContextRecord   *hwbp.ThreadContext
}

type holder struct {
	handler Handler
}

// Vectored subscribes the first vectored exception handler of the process.
type Vectored struct {
	handle  uintptr
	handler atomic.Value // holder
	mu      sync.Mutex
}

var (
	vectored     = new(Vectored)
	callback     uintptr
	callbackOnce sync.Once
)

// NewVectored returns the vectored exception subscription of the process,
// the process has only one.
func NewVectored() *Vectored {
	return vectored
}

// Subscribe is used to register handler, cancel removes it.
func (v *Vectored) Subscribe(handler Handler) (func() error, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.handle != 0 {
		return nil, errors.New("vectored exception handler is already subscribed")
	}
	// callbacks created by NewCallback are never released, create it once
	callbackOnce.Do(func() {
		callback = windows.NewCallback(v.dispatch)
	})
	v.handler.Store(holder{handler: handler})
	handle, _, err := procAddVectoredExceptionHandler.Call(1, callback)
	if handle == 0 {
		v.handler.Store(holder{})
		return nil, errors.Wrapf(ErrUnavailable, "AddVectoredExceptionHandler: %s", err)
	}
	v.handle = handle
	return v.unsubscribe, nil
}

func (v *Vectored) unsubscribe() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.handle == 0 {
		return nil
	}
	ret, _, err := procRemoveVectoredExceptionHandler.Call(v.handle)
	v.handle = 0
	v.handler.Store(holder{})
	if ret == 0 {
		return errors.Errorf("RemoveVectoredExceptionHandler: %s", err)
	}
	return nil
}

func (v *Vectored) dispatch(pointers *exceptionPointers) uintptr {
	h, _ := v.handler.Load().(holder)
	if h.handler == nil {
		return continueSearch
	}
	code := Code(pointers.ExceptionRecord.ExceptionCode)
	if code != Breakpoint && code != SingleStep {
		return continueSearch
	}
	ctx := &vectoredContext{
		record:  pointers.ExceptionRecord,
		context: pointers.ContextRecord,
	}
	if !h.handler(code, ctx) {
		return continueSearch
	}
	if code == SingleStep {
		regs := ctx.context.Registers()
		regs.Dr6 = 0
		ctx.context.SetRegisters(regs)
	}
	return continueExecution
}

type vectoredContext struct {
	record  *exceptionRecord
	context *hwbp.ThreadContext
}

func (c *vectoredContext) Address() uintptr {
	return c.record.ExceptionAddress
}

func (c *vectoredContext) PC() uintptr {
	return c.context.PC()
}

func (c *vectoredContext) SetPC(pc uintptr) {
	c.context.SetPC(pc)
}

func (c *vectoredContext) ThreadID() uint32 {
	return windows.GetCurrentThreadId()
}

func (c *vectoredContext) HitSlot() int {
	regs := c.context.Registers()
	return regs.Hit()
}
