package native

import (
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// Bridge creates entries with windows.NewCallback.
type Bridge struct {
	count int
	mu    sync.Mutex
}

// NewBridge is used to create the native bridge of the current process.
func NewBridge() *Bridge {
	return new(Bridge)
}

// NewEntry returns the native address that runs fn when it is called with
// argc arguments. calleeCleans selects stdcall over cdecl on 386, amd64
// has only one convention.
func (b *Bridge) NewEntry(argc int, calleeCleans bool, fn Func) (uintptr, error) {
	if argc < 0 || argc > MaxArgs {
		return 0, errors.WithMessagef(ErrTooManyArgs, "%d", argc)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count >= MaxEntries {
		return 0, ErrExhausted
	}
	cb := wrap(argc, fn)
	var entry uintptr
	if calleeCleans {
		entry = windows.NewCallback(cb)
	} else {
		entry = windows.NewCallbackCDecl(cb)
	}
	b.count++
	return entry, nil
}

// Call invokes native code at addr on the calling thread.
func (b *Bridge) Call(_ uint32, addr uintptr, args []uintptr) uintptr {
	if len(args) > MaxArgs {
		panic(errors.WithMessagef(ErrTooManyArgs, "%d", len(args)))
	}
	var a [18]uintptr
	copy(a[:], args)
	ret, _, _ := syscall.Syscall18(addr, uintptr(len(args)),
		a[0], a[1], a[2], a[3], a[4], a[5], a[6], a[7], a[8],
		a[9], a[10], a[11], a[12], a[13], a[14], a[15], a[16], a[17],
	)
	return ret
}

func wrap(argc int, fn Func) interface{} {
	tid := windows.GetCurrentThreadId
	switch argc {
	case 0:
		return func() uintptr {
			return fn(tid(), nil)
		}
	case 1:
		return func(a0 uintptr) uintptr {
			return fn(tid(), []uintptr{a0})
		}
	case 2:
		return func(a0, a1 uintptr) uintptr {
			return fn(tid(), []uintptr{a0, a1})
		}
	case 3:
		return func(a0, a1, a2 uintptr) uintptr {
			return fn(tid(), []uintptr{a0, a1, a2})
		}
	case 4:
		return func(a0, a1, a2, a3 uintptr) uintptr {
			return fn(tid(), []uintptr{a0, a1, a2, a3})
		}
	case 5:
		return func(a0, a1, a2, a3, a4 uintptr) uintptr {
			return fn(tid(), []uintptr{a0, a1, a2, a3, a4})
		}
	case 6:
		return func(a0, a1, a2, a3, a4, a5 uintptr) uintptr {
			return fn(tid(), []uintptr{a0, a1, a2, a3, a4, a5})
		}
	case 7:
		return func(a0, a1, a2, a3, a4, a5, a6 uintptr) uintptr {
			return fn(tid(), []uintptr{a0, a1, a2, a3, a4, a5, a6})
		}
	default:
		return func(a0, a1, a2, a3, a4, a5, a6, a7 uintptr) uintptr {
			return fn(tid(), []uintptr{a0, a1, a2, a3, a4, a5, a6, a7})
		}
	}
}
