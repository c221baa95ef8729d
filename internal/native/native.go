// Package native turns Go functions into native entry points and calls
// native code of the current process.
package native

import (
	"github.com/pkg/errors"
)

// MaxArgs is the largest argument count of an entry or a call.
const MaxArgs = 8

// MaxEntries bounds the entries of a bridge, the runtime never frees a
// callback and refuses to create more than about two thousand.
const MaxEntries = 1024

// Func is the Go side of a native entry, tid is the calling thread.
type Func = func(tid uint32, args []uintptr) uintptr

// errors about bridge
var (
	ErrUnsupported = errors.New("native callbacks are unsupported on this platform")
	ErrTooManyArgs = errors.New("too many arguments")
	ErrExhausted   = errors.New("native callback limit reached")
)
