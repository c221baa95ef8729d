package xpanic

import (
	"bytes"
	"fmt"
	"io"
	"runtime"

	"github.com/pkg/errors"
)

const maxDepth = 32

// Print is used to print panic and stack to a *bytes.Buffer.
func Print(panic interface{}, title string) *bytes.Buffer {
	b := &bytes.Buffer{}
	b.WriteString(title)
	b.WriteString(":\n")
	_, _ = fmt.Fprintln(b, panic)
	b.WriteString("\n")
	PrintStack(b, 4) // skip about defer
	return b
}

// Error is used to print panic and stack and return an error.
func Error(panic interface{}, title string) error {
	return errors.New(Print(panic, title).String())
}

// PrintStack is used to print current stack to a *bytes.Buffer.
func PrintStack(b *bytes.Buffer, skip int) {
	defer func() {
		if r := recover(); r != nil {
			b.WriteString("\nfailed to print stack\n")
		}
	}()
	if skip > maxDepth {
		skip = 0
	}
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if f.Function == "" {
			_, _ = io.WriteString(b, "unknown\n")
		} else {
			_, _ = fmt.Fprintf(b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		}
		if !more {
			break
		}
	}
}
