// Package arch generates and relocates the x86 code of trampolines and
// preambles, and measures how many prologue bytes a patch may overwrite.
package arch

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/pkg/errors"
)

// about mode, the same value as x86asm.Decode
const (
	Mode32 = 32
	Mode64 = 64
)

// errors about code generation
var (
	ErrTooShort      = errors.New("function is too short to patch")
	ErrUnrelocatable = errors.New("instruction can not be relocated")
	ErrInvalidMode   = errors.New("invalid mode")
	ErrInvalidReg    = errors.New("invalid register for mode")
)

// HostMode returns the mode of the running process.
func HostMode() int {
	if unsafe.Sizeof(uintptr(0)) == 8 {
		return Mode64
	}
	return Mode32
}

// PtrSize returns the size of a pointer in mode.
func PtrSize(mode int) int {
	if mode == Mode64 {
		return 8
	}
	return 4
}

func checkMode(mode int) error {
	if mode != Mode32 && mode != Mode64 {
		return errors.WithMessagef(ErrInvalidMode, "%d", mode)
	}
	return nil
}

func isByteOverflow(v int64) bool {
	return v > math.MaxInt8 || v < math.MinInt8
}

func isIntOverflow(v int64) bool {
	return v > math.MaxInt32 || v < math.MinInt32
}

func putUint32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func putUint64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}
