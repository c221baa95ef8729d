package detour

import (
	"github.com/pkg/errors"
)

// errors about hook, compare them with errors.Cause.
var (
	ErrAlreadyHooked           = errors.New("already hooked")
	ErrNotHooked               = errors.New("not hooked")
	ErrTargetTooShort          = errors.New("target is too short to patch")
	ErrProtectionDenied        = errors.New("memory protection change denied")
	ErrNoFreeDebugSlot         = errors.New("no free debug register slot")
	ErrFaultHandlerUnavailable = errors.New("fault handler is unavailable")
	ErrThreadEnumerationFailed = errors.New("failed to enumerate threads")
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrUnrelocatable           = errors.New("prologue can not be relocated")
	ErrUnsupported             = errors.New("unsupported by the process")
)

// errorf adds context to a sentinel, errors.Cause still returns it.
func errorf(sentinel error, format string, v ...interface{}) error {
	return errors.Wrapf(sentinel, format, v...)
}
