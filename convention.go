package detour

import (
	"fmt"

	"github.com/brahma-adshonor/detour/internal/arch"
)

// MaxArgs is the largest argument word count of a Signature.
const MaxArgs = 8

// Convention is the calling convention of a hooked function.
type Convention uint8

// calling conventions, in 64 bit processes all of them mean Win64
const (
	Cdecl Convention = iota
	Stdcall
	Thiscall
	Fastcall
	Win64
)

func (c Convention) String() string {
	switch c {
	case Cdecl:
		return "cdecl"
	case Stdcall:
		return "stdcall"
	case Thiscall:
		return "thiscall"
	case Fastcall:
		return "fastcall"
	case Win64:
		return "win64"
	default:
		return fmt.Sprintf("<invalid convention %d>", uint8(c))
	}
}

// Signature describes the hooked function. Args counts argument words,
// including this of thiscall and the register arguments of fastcall.
type Signature struct {
	Convention Convention
	Args       int
	Void       bool
}

// Call is one intercepted call seen by a Handler. Changes to Args are
// passed to the original.
type Call struct {
	Args   []uintptr
	Thread uint32
	Target uintptr
}

// Handler receives the intercepted calls, any stateful object can serve.
type Handler interface {
	Handle(call *Call) uintptr
}

// HandlerFunc is a function used as a Handler.
type HandlerFunc func(call *Call) uintptr

// Handle calls f(call).
func (f HandlerFunc) Handle(call *Call) uintptr {
	return f(call)
}

// shape is what a dispatch entry depends on.
type shape struct {
	arity        int
	calleeCleans bool
}

// adapter converts between the native words of a convention and a Call.
type adapter struct {
	sig  Signature
	mode int
	shape
	// registers the preamble spills on the stack
	spill int
}

func bindAdapter(mode int, sig Signature) (*adapter, error) {
	if sig.Args < 0 || sig.Args > MaxArgs {
		return nil, errorf(ErrInvalidArgument, "%d argument words", sig.Args)
	}
	if sig.Convention > Win64 {
		return nil, errorf(ErrInvalidArgument, "%s", sig.Convention)
	}
	a := &adapter{sig: sig, mode: mode}
	if mode == arch.Mode64 {
		a.arity = sig.Args
		a.calleeCleans = true
		return a, nil
	}
	switch sig.Convention {
	case Cdecl:
	case Stdcall:
		a.calleeCleans = true
	case Thiscall:
		if sig.Args < 1 {
			return nil, errorf(ErrInvalidArgument, "thiscall without this")
		}
		a.calleeCleans = true
		a.spill = 1
	case Fastcall:
		a.calleeCleans = true
		a.spill = 2
	case Win64:
		return nil, errorf(ErrUnsupported, "win64 convention in a 32 bit process")
	}
	a.arity = sig.Args
	if a.spill > a.arity {
		a.arity = a.spill
	}
	return a, nil
}

// marshalIn copies the argument words of the call.
func (a *adapter) marshalIn(raw []uintptr) []uintptr {
	args := make([]uintptr, a.sig.Args)
	copy(args, raw)
	return args
}

// invoke calls the original with args padded to the entry arity.
func (a *adapter) invoke(bridge Bridge, tid uint32, addr uintptr, args []uintptr) uintptr {
	words := make([]uintptr, a.arity)
	copy(words, args)
	return bridge.Call(tid, addr, words)
}

func (a *adapter) marshalOut(ret uintptr) uintptr {
	if a.sig.Void {
		return 0
	}
	return ret
}

func (a *adapter) needShim() bool {
	return a.spill > 0
}

// preamble announces id and continues in the dispatch entry. The 32 bit
// register conventions move ECX and EDX to the stack so the entry sees
// a stdcall frame.
func (a *adapter) preamble(id uint64, announce, entry uintptr) []arch.Inst {
	if a.mode == arch.Mode64 {
		return []arch.Inst{
			arch.Push(arch.RCX),
			arch.Push(arch.RDX),
			arch.Push(arch.R8),
			arch.Push(arch.R9),
			arch.SubSP(0x28),
			arch.MovImm(arch.RCX, id),
			arch.MovImm(arch.RAX, uint64(announce)),
			arch.CallReg(arch.RAX),
			arch.AddSP(0x28),
			arch.Pop(arch.R9),
			arch.Pop(arch.R8),
			arch.Pop(arch.RDX),
			arch.Pop(arch.RCX),
			arch.Jump(entry),
		}
	}
	insts := []arch.Inst{
		arch.Push(arch.RCX),
		arch.Push(arch.RDX),
		arch.PushImm(uint32(id)),
		arch.MovImm(arch.RAX, uint64(announce)),
		arch.CallReg(arch.RAX),
		arch.Pop(arch.RDX),
		arch.Pop(arch.RCX),
	}
	switch a.sig.Convention {
	case Thiscall:
		insts = append(insts,
			arch.Pop(arch.RAX),
			arch.Push(arch.RCX),
			arch.Push(arch.RAX),
		)
	case Fastcall:
		insts = append(insts,
			arch.Pop(arch.RAX),
			arch.Push(arch.RDX),
			arch.Push(arch.RCX),
			arch.Push(arch.RAX),
		)
	}
	return append(insts, arch.Jump(entry))
}

// callShim turns a stdcall frame back into the register convention and
// jumps to the original.
func (a *adapter) callShim(original uintptr) []arch.Inst {
	insts := []arch.Inst{arch.Pop(arch.RAX), arch.Pop(arch.RCX)}
	if a.sig.Convention == Fastcall {
		insts = append(insts, arch.Pop(arch.RDX))
	}
	return append(insts, arch.Push(arch.RAX), arch.Jump(original))
}
