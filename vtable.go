package detour

import (
	"sync"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/brahma-adshonor/detour/internal/logger"
	"github.com/brahma-adshonor/detour/internal/memory"
	"github.com/brahma-adshonor/detour/internal/module"
)

// VTableDetour hooks one entry of the virtual table of an object.
type VTableDetour struct {
	proc  *Process
	sig   Signature
	fsm   *fsm.FSM
	state *hookState
	// object whose table pointer was replaced, zero when a slot was swapped
	object uintptr
	mu     sync.Mutex
}

// NewVTableDetour is used to create an unhooked VTableDetour for methods
// with sig, this is counted in sig.Args.
func NewVTableDetour(p *Process, sig Signature) *VTableDetour {
	return &VTableDetour{
		proc: p,
		sig:  sig,
		fsm:  newFSM(p),
	}
}

// Hook redirects entry index of the table pointed to by the pointer at
// object. With copyTable the object gets a private copy of the table and
// the shared table is left untouched, tableLength zero means the length
// is scanned.
func (v *VTableDetour) Hook(
	object uintptr,
	index int,
	handler Handler,
	order Order,
	policy ReturnPolicy,
	copyTable bool,
	tableLength int,
) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fsm.Is(StateHooked) {
		return errorf(ErrAlreadyHooked, "object 0x%X", object)
	}
	if object == 0 || handler == nil || index < 0 || tableLength < 0 {
		return errorf(ErrInvalidArgument, "object 0x%X, index %d, length %d", object, index, tableLength)
	}
	err := checkPolicy(order, policy)
	if err != nil {
		return err
	}
	adapter, err := bindAdapter(v.proc.mode, v.sig)
	if err != nil {
		return err
	}
	err = v.fsm.Event(EventInstall)
	if err != nil {
		return errors.WithStack(err)
	}
	s := &hookState{
		id:       v.proc.dispatcher.newID(),
		strategy: VTableSwap,
		handler:  handler,
		order:    order,
		policy:   policy,
		adapter:  adapter,
	}
	if copyTable {
		err = v.proc.installTableCopy(s, object, index, tableLength)
	} else {
		err = v.proc.installSlot(s, object, index)
	}
	if err != nil {
		_ = v.fsm.Event(EventAbort)
		return err
	}
	v.state = s
	_ = v.fsm.Event(EventCommit)
	v.proc.log(logger.Info, "hooked entry %d of object 0x%X, copy table: %t", index, object, copyTable)
	v.proc.log(logger.Debug, "hook state:\n%s", dump(s))
	return nil
}

// Restore puts back the original slot value or table pointer.
func (v *VTableDetour) Restore() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.restore()
}

func (v *VTableDetour) restore() error {
	if !v.fsm.Is(StateHooked) {
		return ErrNotHooked
	}
	err := v.fsm.Event(EventRestore)
	if err != nil {
		return errors.WithStack(err)
	}
	s := v.state
	written, err := v.proc.patchMemory(s.target, v.proc.ptrBytes(s.savedSlot), memory.ReadWrite)
	if !written {
		_ = v.fsm.Event(EventKeep)
		return err
	}
	s.setInstalled(false)
	s.setEnabled(false)
	v.proc.dispatcher.retire(s)
	v.state = nil
	_ = v.fsm.Event(EventRelease)
	v.proc.log(logger.Info, "restored 0x%X", s.target)
	return err
}

// Close restores the hook if it is installed.
func (v *VTableDetour) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.fsm.Is(StateHooked) {
		return nil
	}
	return v.restore()
}

// State returns the state of the lifecycle.
func (v *VTableDetour) State() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fsm.Current()
}

// IsHooked reports whether the hook is installed.
func (v *VTableDetour) IsHooked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fsm.Is(StateHooked)
}

// Original calls the original method on thread tid bypassing the handler.
func (v *VTableDetour) Original(tid uint32, args ...uintptr) (uintptr, error) {
	v.mu.Lock()
	s := v.state
	v.mu.Unlock()
	if s == nil {
		return 0, ErrNotHooked
	}
	return s.adapter.marshalOut(v.proc.dispatcher.callOriginal(s, tid, args)), nil
}

// buildEntry allocates the buffer with the preamble of s and the call
// shim of the 32 bit register conventions.
func (p *Process) buildEntry(s *hookState, original uintptr) error {
	announce, entry, err := p.dispatcher.entryPoints(s.adapter.shape)
	if err != nil {
		return err
	}
	buffer, err := p.mem.Alloc(original, p.cfg.BufferSize, memory.ReadWriteExecute)
	if err != nil {
		return errors.WithMessage(err, "failed to allocate buffer")
	}
	s.buffer = buffer
	s.preamble = buffer + preambleOffset
	s.original = original
	insts := s.adapter.preamble(s.id, announce, entry)
	code, err := p.code.Emit(s.preamble, insts)
	if err != nil {
		return p.freeBuffer(s, err)
	}
	if len(code) > shimOffset-preambleOffset {
		return p.freeBuffer(s, errors.Errorf("preamble of %d bytes overflows", len(code)))
	}
	if s.adapter.needShim() {
		shim, err := p.code.Emit(buffer+shimOffset, s.adapter.callShim(original))
		if err != nil {
			return p.freeBuffer(s, err)
		}
		code = append(code, nopPadding(shimOffset-len(code))...)
		code = append(code, shim...)
		s.original = buffer + shimOffset
	}
	err = p.mem.Write(buffer, code)
	if err != nil {
		return p.freeBuffer(s, err)
	}
	_ = p.mem.FlushCode(buffer, len(code))
	return nil
}

// installSlot swaps one entry of the shared table.
func (p *Process) installSlot(s *hookState, object uintptr, index int) error {
	table, err := p.readPtr(object)
	if err != nil {
		return errors.WithMessagef(err, "failed to read table pointer of 0x%X", object)
	}
	s.target = table + uintptr(index*p.ptrSize())
	s.savedSlot, err = p.readPtr(s.target)
	if err != nil {
		return errors.WithMessagef(err, "failed to read entry %d of table 0x%X", index, table)
	}
	err = p.buildEntry(s, s.savedSlot)
	if err != nil {
		return err
	}
	p.dispatcher.add(s)
	s.setInstalled(true)
	written, err := p.patchMemory(s.target, p.ptrBytes(s.preamble), memory.ReadWrite)
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

// installTableCopy gives the object a private table whose entry index
// is the preamble, the word before the table is copied too.
func (p *Process) installTableCopy(s *hookState, object uintptr, index, length int) error {
	table, err := p.readPtr(object)
	if err != nil {
		return errors.WithMessagef(err, "failed to read table pointer of 0x%X", object)
	}
	if length == 0 {
		length, err = p.scanTable(table, index)
		if err != nil {
			return err
		}
	}
	if index >= length {
		return errorf(ErrInvalidArgument, "index %d out of table length %d", index, length)
	}
	ptr := p.ptrSize()
	words := make([]byte, (length+1)*ptr)
	err = p.mem.Read(table-uintptr(ptr), words)
	if err != nil {
		return errors.WithMessagef(err, "failed to read table 0x%X", table)
	}
	original, err := p.readPtr(table + uintptr(index*ptr))
	if err != nil {
		return err
	}
	err = p.buildEntry(s, original)
	if err != nil {
		return err
	}
	copy(words[(index+1)*ptr:], p.ptrBytes(s.preamble))
	tableCopy, err := p.mem.Alloc(0, len(words), memory.ReadWrite)
	if err != nil {
		return p.freeBuffer(s, errors.WithMessage(err, "failed to allocate table copy"))
	}
	err = p.mem.Write(tableCopy, words)
	if err != nil {
		_ = p.mem.Free(tableCopy, len(words))
		return p.freeBuffer(s, err)
	}
	s.target = object
	s.savedSlot = table
	s.table = tableCopy
	s.tableLen = length + 1
	p.dispatcher.add(s)
	s.setInstalled(true)
	written, err := p.patchMemory(object, p.ptrBytes(tableCopy+uintptr(ptr)), memory.ReadWrite)
	if !written {
		s.setInstalled(false)
		p.dispatcher.remove(s.id)
		_ = p.mem.Free(tableCopy, len(words))
		s.table = 0
		return p.freeBuffer(s, err)
	}
	if err != nil {
		p.log(logger.Warning, "%s", err)
	}
	s.setEnabled(true)
	return nil
}

// scanTable counts the entries from the start of the table that point
// into the module of entry index. A data pointer into that module looks
// like an entry, so the result is a guess.
func (p *Process) scanTable(table uintptr, index int) (int, error) {
	if p.modules == nil {
		return 0, errorf(ErrUnsupported, "no module resolver to scan table length")
	}
	ptr := uintptr(p.ptrSize())
	entry, err := p.readPtr(table + uintptr(index)*ptr)
	if err != nil {
		return 0, errors.WithMessagef(err, "failed to read entry %d of table 0x%X", index, table)
	}
	base, size, err := p.modules.ModuleRange(entry)
	if err != nil {
		return 0, errorf(ErrInvalidArgument, "entry %d of table 0x%X: %s", index, table, err)
	}
	owner := module.Range{Base: base, Size: size}
	n := 0
	for n < p.cfg.VTableScanLimit {
		v, err := p.readPtr(table + uintptr(n)*ptr)
		if err != nil || !owner.Contains(v) {
			break
		}
		n++
	}
	p.log(logger.Debug, "scanned %d entries of table 0x%X", n, table)
	return n, nil
}
