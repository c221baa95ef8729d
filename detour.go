// Package detour redirects calls of machine code functions in a process to
// Go handlers and restores them later.
package detour

import (
	"sync"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/brahma-adshonor/detour/internal/arch"
	"github.com/brahma-adshonor/detour/internal/logger"
	"github.com/brahma-adshonor/detour/internal/memory"
)

// states about detour
const (
	StateUnhooked   = "unhooked"
	StateInstalling = "installing"
	StateHooked     = "hooked"
	StateRestoring  = "restoring"
)

// events about detour
const (
	EventInstall = "install" // start installation
	EventCommit  = "commit"  // installation succeeded
	EventAbort   = "abort"   // installation failed
	EventRestore = "restore" // start restoration
	EventRelease = "release" // hook removed
	EventKeep    = "keep"    // restoration could not touch memory
)

// layout of the executable buffer of a hook
const (
	preambleOffset   = 0
	shimOffset       = 0x60
	trampolineOffset = 0x80
)

func newFSM(p *Process) *fsm.FSM {
	events := []fsm.EventDesc{
		{Name: EventInstall, Src: []string{StateUnhooked}, Dst: StateInstalling},
		{Name: EventCommit, Src: []string{StateInstalling}, Dst: StateHooked},
		{Name: EventAbort, Src: []string{StateInstalling}, Dst: StateUnhooked},
		{Name: EventRestore, Src: []string{StateHooked}, Dst: StateRestoring},
		{Name: EventRelease, Src: []string{StateRestoring}, Dst: StateUnhooked},
		{Name: EventKeep, Src: []string{StateRestoring}, Dst: StateHooked},
	}
	callbacks := fsm.Callbacks{
		"enter_state": func(e *fsm.Event) {
			p.log(logger.Debug, "%s: %s -> %s", e.Event, e.Src, e.Dst)
		},
	}
	return fsm.NewFSM(StateUnhooked, events, callbacks)
}

// Detour is one hook of a free function with the inline, software
// breakpoint or hardware breakpoint strategy.
type Detour struct {
	proc  *Process
	sig   Signature
	fsm   *fsm.FSM
	state *hookState
	mu    sync.Mutex
}

// NewDetour is used to create an unhooked Detour for functions with sig.
func NewDetour(p *Process, sig Signature) *Detour {
	return &Detour{
		proc: p,
		sig:  sig,
		fsm:  newFSM(p),
	}
}

// Hook redirects the calls of target to handler. The handler must stay
// usable until the hook is restored.
func (d *Detour) Hook(target uintptr, handler Handler, strategy Strategy, order Order, policy ReturnPolicy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fsm.Is(StateHooked) {
		return errorf(ErrAlreadyHooked, "target 0x%X", d.state.target)
	}
	if target == 0 || handler == nil {
		return errorf(ErrInvalidArgument, "target 0x%X, handler %v", target, handler)
	}
	if strategy > HardwareBreakpoint {
		return errorf(ErrInvalidArgument, "%s is not a function strategy", strategy)
	}
	err := checkPolicy(order, policy)
	if err != nil {
		return err
	}
	adapter, err := bindAdapter(d.proc.mode, d.sig)
	if err != nil {
		return err
	}
	err = d.fsm.Event(EventInstall)
	if err != nil {
		return errors.WithStack(err)
	}
	s := &hookState{
		id:       d.proc.dispatcher.newID(),
		target:   target,
		strategy: strategy,
		handler:  handler,
		order:    order,
		policy:   policy,
		adapter:  adapter,
	}
	switch strategy {
	case Inline:
		err = d.proc.installInline(s)
	case SoftwareBreakpoint:
		err = d.proc.installSoftware(s)
	case HardwareBreakpoint:
		err = d.proc.installHardware(s)
	}
	if err != nil {
		_ = d.fsm.Event(EventAbort)
		return err
	}
	d.state = s
	_ = d.fsm.Event(EventCommit)
	d.proc.log(logger.Info, "hooked 0x%X with %s", target, strategy)
	d.proc.log(logger.Debug, "hook state:\n%s", dump(s))
	return nil
}

// Restore removes the hook. A failed protection revert after the original
// bytes were written still removes the hook and reports ErrProtectionDenied.
func (d *Detour) Restore() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restore()
}

func (d *Detour) restore() error {
	if !d.fsm.Is(StateHooked) {
		return ErrNotHooked
	}
	err := d.fsm.Event(EventRestore)
	if err != nil {
		return errors.WithStack(err)
	}
	s := d.state
	var released bool
	switch s.strategy {
	case Inline, SoftwareBreakpoint:
		released, err = d.proc.uninstallCode(s)
	case HardwareBreakpoint:
		released, err = d.proc.uninstallHardware(s)
	}
	if !released {
		_ = d.fsm.Event(EventKeep)
		return err
	}
	d.state = nil
	_ = d.fsm.Event(EventRelease)
	d.proc.log(logger.Info, "restored 0x%X", s.target)
	return err
}

// Close restores the hook if it is installed.
func (d *Detour) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.fsm.Is(StateHooked) {
		return nil
	}
	return d.restore()
}

// State returns the state of the lifecycle.
func (d *Detour) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fsm.Current()
}

// IsHooked reports whether the hook is installed.
func (d *Detour) IsHooked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fsm.Is(StateHooked)
}

// Target returns the hooked address or zero.
func (d *Detour) Target() uintptr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == nil {
		return 0
	}
	return d.state.target
}

// Trampoline returns the address that runs the original function, it is
// zero when not hooked or when the original is called in place.
func (d *Detour) Trampoline() uintptr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == nil || d.state.inPlace {
		return 0
	}
	return d.state.trampoline
}

// Original calls the original function on thread tid bypassing the handler.
func (d *Detour) Original(tid uint32, args ...uintptr) (uintptr, error) {
	d.mu.Lock()
	s := d.state
	d.mu.Unlock()
	if s == nil {
		return 0, ErrNotHooked
	}
	return s.adapter.marshalOut(d.proc.dispatcher.callOriginal(s, tid, args)), nil
}

// buildCode allocates the buffer of s near the target, emits the preamble
// and the trampoline of the first instructions covering need bytes.
// Without relocation the original is called in place when allowFallback.
func (p *Process) buildCode(s *hookState, need int, allowFallback bool) error {
	announce, entry, err := p.dispatcher.entryPoints(s.adapter.shape)
	if err != nil {
		return err
	}
	prologue := make([]byte, p.cfg.ReadSize)
	err = p.mem.Read(s.target, prologue)
	if err != nil {
		return errors.WithMessagef(err, "failed to read prologue at 0x%X", s.target)
	}
	buffer, err := p.mem.Alloc(s.target, p.cfg.BufferSize, memory.ReadWriteExecute)
	if err != nil {
		return errors.WithMessagef(err, "failed to allocate buffer near 0x%X", s.target)
	}
	s.buffer = buffer
	s.preamble = buffer + preambleOffset
	if need == 0 {
		// the jump to the preamble
		need, err = p.code.EncodedLength(s.target, []arch.Inst{arch.Jump(s.preamble)})
		if err != nil {
			return p.freeBuffer(s, err)
		}
	}
	n, err := p.oracle.MinimumSafeOverwriteLength(prologue, need)
	if err != nil {
		return p.freeBuffer(s, errorf(ErrTargetTooShort, "0x%X: %s", s.target, err))
	}
	s.savedBytes = append([]byte(nil), prologue[:n]...)

	code := make([]byte, p.cfg.BufferSize)
	preamble, err := p.code.Emit(s.preamble, s.adapter.preamble(s.id, announce, entry))
	if err != nil {
		return p.freeBuffer(s, err)
	}
	if len(preamble) > shimOffset-preambleOffset {
		return p.freeBuffer(s, errors.Errorf("preamble of %d bytes overflows", len(preamble)))
	}
	copy(code[preambleOffset:], preamble)

	s.trampoline = buffer + trampolineOffset
	relocated, err := arch.Relocate(p.mode, s.savedBytes, s.target, s.trampoline)
	if err == nil {
		var tail []byte
		tail, err = p.code.Emit(s.trampoline+uintptr(len(relocated)), []arch.Inst{
			arch.Jump(s.target + uintptr(n)),
		})
		if err != nil {
			return p.freeBuffer(s, err)
		}
		trampoline := append(relocated, tail...)
		if len(trampoline) > len(code)-trampolineOffset {
			return p.freeBuffer(s, errors.Errorf("trampoline of %d bytes overflows", len(trampoline)))
		}
		copy(code[trampolineOffset:], trampoline)
		s.original = s.trampoline
	} else {
		if !allowFallback || !p.cfg.InPlaceFallback {
			return p.freeBuffer(s, errorf(ErrUnrelocatable, "0x%X: %s", s.target, err))
		}
		p.log(logger.Debug, "call original of 0x%X in place: %s", s.target, err)
		s.inPlace = true
		s.trampoline = 0
		s.original = s.target
	}
	if s.adapter.needShim() {
		shim, err := p.code.Emit(buffer+shimOffset, s.adapter.callShim(s.original))
		if err != nil {
			return p.freeBuffer(s, err)
		}
		copy(code[shimOffset:trampolineOffset], shim)
		s.original = buffer + shimOffset
	}
	err = p.mem.Write(buffer, code)
	if err != nil {
		return p.freeBuffer(s, err)
	}
	_ = p.mem.FlushCode(buffer, len(code))
	return nil
}

// freeBuffer releases the buffer of s and returns cause.
func (p *Process) freeBuffer(s *hookState, cause error) error {
	if s.buffer == 0 {
		return cause
	}
	err := p.mem.Free(s.buffer, p.cfg.BufferSize)
	if err != nil {
		p.log(logger.Warning, "failed to free buffer 0x%X: %s", s.buffer, err)
	}
	s.buffer = 0
	return cause
}

// freeHook releases the buffer and the table copy of a retired hook.
func (p *Process) freeHook(s *hookState) {
	if s.table != 0 {
		err := p.mem.Free(s.table, s.tableLen*p.ptrSize())
		if err != nil {
			p.log(logger.Warning, "failed to free table copy 0x%X: %s", s.table, err)
		}
		s.table = 0
	}
	_ = p.freeBuffer(s, nil)
}

func (p *Process) installInline(s *hookState) error {
	err := p.buildCode(s, 0, true)
	if err != nil {
		return err
	}
	jump, err := p.code.Emit(s.target, []arch.Inst{arch.Jump(s.preamble)})
	if err != nil {
		return p.freeBuffer(s, err)
	}
	s.patch = append(jump, nopPadding(len(s.savedBytes)-len(jump))...)
	return p.commitPatch(s)
}

func (p *Process) installSoftware(s *hookState) error {
	err := p.buildCode(s, 1, true)
	if err != nil {
		return err
	}
	s.patch = []byte{0xCC}
	err = p.router.add(s.target, s.preamble)
	if err != nil {
		return p.freeBuffer(s, err)
	}
	err = p.commitPatch(s)
	if err != nil {
		_ = p.router.remove(s.target)
	}
	return err
}

// commitPatch registers s and writes the patch over the target.
func (p *Process) commitPatch(s *hookState) error {
	p.dispatcher.add(s)
	s.setInstalled(true)
	written, err := p.patchMemory(s.target, s.patch, memory.ReadWriteExecute)
	if !written {
		s.setInstalled(false)
		p.dispatcher.remove(s.id)
		return p.freeBuffer(s, err)
	}
	if err != nil {
		p.log(logger.Warning, "%s", err)
	}
	s.setEnabled(true)
	return nil
}

// uninstallCode writes back the bytes of an inline or software breakpoint
// hook and releases its resources.
func (p *Process) uninstallCode(s *hookState) (bool, error) {
	s.inPlaceMu.Lock()
	s.setInstalled(false)
	written, err := p.patchMemory(s.target, s.savedBytes, memory.ReadWriteExecute)
	if !written {
		s.setInstalled(true)
		s.inPlaceMu.Unlock()
		return false, err
	}
	s.setEnabled(false)
	s.inPlaceMu.Unlock()
	if err != nil {
		p.log(logger.Warning, "%s", err)
	}
	if s.strategy == SoftwareBreakpoint {
		rErr := p.router.remove(s.target)
		if rErr != nil {
			p.log(logger.Warning, "%s", rErr)
		}
	}
	p.dispatcher.retire(s)
	return true, err
}

func nopPadding(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0x90
	}
	return b
}
