package hwbp

import (
	"unsafe"
)

// NewThreadContext allocates a ThreadContext aligned to 16 bytes,
// GetThreadContext refuses an unaligned CONTEXT on amd64.
func NewThreadContext() *ThreadContext {
	buf := make([]byte, unsafe.Sizeof(ThreadContext{})+15)
	p := (uintptr(unsafe.Pointer(&buf[0])) + 15) &^ 15
	ctx := (*ThreadContext)(unsafe.Pointer(p)) // #nosec
	ctx.ContextFlags = ContextDebugRegisters
	return ctx
}
