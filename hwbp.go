package detour

import (
	"github.com/pkg/errors"

	"github.com/brahma-adshonor/detour/internal/hwbp"
	"github.com/brahma-adshonor/detour/internal/logger"
	"github.com/brahma-adshonor/detour/internal/thread"
)

func closeThreads(threads []hwbp.Thread) {
	for _, t := range threads {
		_ = t.Close()
	}
}

// installHardware arms an execute breakpoint on every thread that exists
// now, threads created later are not covered.
func (p *Process) installHardware(s *hookState) error {
	if p.threads == nil {
		return errorf(ErrUnsupported, "no thread enumerator")
	}
	err := p.buildCode(s, 1, false)
	if err != nil {
		return err
	}
	p.dispatcher.add(s)
	err = p.router.add(s.target, s.preamble)
	if err != nil {
		p.dispatcher.remove(s.id)
		return p.freeBuffer(s, err)
	}
	threads, err := p.threads.AllThreads(p.pid)
	if err != nil {
		p.dispatcher.remove(s.id)
		_ = p.router.remove(s.target)
		return p.freeBuffer(s, errorf(ErrThreadEnumerationFailed, "%s", err))
	}
	defer closeThreads(threads)
	s.slots = make(map[uint32]int, len(threads))
	s.setInstalled(true)
	for _, t := range threads {
		slot, err := t.AddDebugBreakpoint(s.target, hwbp.Execute, 1)
		if err == nil {
			s.slots[t.ID()] = slot
			continue
		}
		if errors.Cause(err) == hwbp.ErrThreadExited {
			p.log(logger.Debug, "thread %d exited before it was armed", t.ID())
			continue
		}
		_ = p.disarm(s, threads)
		s.setInstalled(false)
		p.dispatcher.retire(s)
		_ = p.router.remove(s.target)
		return armError(t.ID(), err)
	}
	s.setEnabled(true)
	return nil
}

func armError(tid uint32, err error) error {
	switch errors.Cause(err) {
	case hwbp.ErrNoFreeSlot:
		return errorf(ErrNoFreeDebugSlot, "thread %d", tid)
	case thread.ErrUnsupported:
		return errorf(ErrUnsupported, "thread %d: %s", tid, err)
	default:
		return errors.WithMessagef(err, "failed to arm thread %d", tid)
	}
}

// disarm clears the slots of s on threads, a thread that exited has
// nothing left to clear.
func (p *Process) disarm(s *hookState, threads []hwbp.Thread) error {
	var firstErr error
	for _, t := range threads {
		slot, ok := s.slots[t.ID()]
		if !ok {
			continue
		}
		err := t.RemoveDebugBreakpoint(slot)
		if err == nil || errors.Cause(err) == hwbp.ErrThreadExited {
			continue
		}
		p.log(logger.Warning, "failed to remove slot %d of thread %d: %s", slot, t.ID(), err)
		if firstErr == nil {
			firstErr = err
		}
	}
	s.slots = nil
	return firstErr
}

// uninstallHardware removes the slots of the threads that are still alive.
func (p *Process) uninstallHardware(s *hookState) (bool, error) {
	threads, err := p.threads.AllThreads(p.pid)
	if err != nil {
		return false, errorf(ErrThreadEnumerationFailed, "%s", err)
	}
	defer closeThreads(threads)
	// the threads missing from the snapshot exited
	firstErr := p.disarm(s, threads)
	s.setInstalled(false)
	s.setEnabled(false)
	err = p.router.remove(s.target)
	if err != nil {
		p.log(logger.Warning, "%s", err)
	}
	p.dispatcher.retire(s)
	return true, firstErr
}
