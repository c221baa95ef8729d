// Package thread enumerates the threads of a process and edits their
// debug registers.
package thread

import (
	"github.com/pkg/errors"
)

// ErrUnsupported is returned where the platform gives no way to edit
// the debug registers of a thread.
var ErrUnsupported = errors.New("debug registers are unsupported on this platform")
