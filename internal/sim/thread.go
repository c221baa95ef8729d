package sim

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/brahma-adshonor/detour/internal/hwbp"
)

type thread struct {
	id   uint32
	regs hwbp.Registers
}

// AddThread adds a live thread.
func (m *Machine) AddThread(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[id] = &thread{id: id}
}

// ExitThread removes a thread.
func (m *Machine) ExitThread(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, id)
}

// Registers returns the debug registers of a thread.
func (m *Machine) Registers(id uint32) hwbp.Registers {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[id]
	if !ok {
		return hwbp.Registers{}
	}
	return t.regs
}

// FillSlots uses every free debug register slot of a thread.
func (m *Machine) FillSlots(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return
	}
	for t.regs.FreeSlot() != -1 {
		_, _ = t.regs.Set(DataBase, hwbp.Write, 8)
	}
}

// ExitAfterSnapshot makes thread id exit once AllThreads listed it.
func (m *Machine) ExitAfterSnapshot(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exiting[id] = true
}

// FailArm makes AddDebugBreakpoint of thread id return err, nil clears it.
func (m *Machine) FailArm(id uint32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.armErr, id)
		return
	}
	m.armErr[id] = err
}

// FailEnumerate makes AllThreads return err, nil clears it.
func (m *Machine) FailEnumerate(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enumerateErr = err
}

// AllThreads returns the live threads ordered by id.
func (m *Machine) AllThreads(uint32) ([]hwbp.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enumerateErr != nil {
		return nil, m.enumerateErr
	}
	ids := make([]uint32, 0, len(m.threads))
	for id := range m.threads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	threads := make([]hwbp.Thread, len(ids))
	for i, id := range ids {
		threads[i] = &threadHandle{m: m, id: id}
		if m.exiting[id] {
			delete(m.threads, id)
			delete(m.exiting, id)
		}
	}
	return threads, nil
}

// debugHit returns the execute slot of thread tid that matches addr.
func (m *Machine) debugHit(tid uint32, addr uintptr) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[tid]
	if !ok {
		return -1
	}
	return t.regs.Match(addr)
}

type threadHandle struct {
	m  *Machine
	id uint32
}

func (h *threadHandle) ID() uint32 {
	return h.id
}

func (h *threadHandle) AddDebugBreakpoint(addr uintptr, kind hwbp.Kind, length hwbp.Length) (int, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	t, ok := h.m.threads[h.id]
	if !ok {
		return -1, errors.WithMessagef(hwbp.ErrThreadExited, "thread %d", h.id)
	}
	if err := h.m.armErr[h.id]; err != nil {
		return -1, err
	}
	return t.regs.Set(addr, kind, length)
}

func (h *threadHandle) RemoveDebugBreakpoint(slot int) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	t, ok := h.m.threads[h.id]
	if !ok {
		return errors.WithMessagef(hwbp.ErrThreadExited, "thread %d", h.id)
	}
	return t.regs.Clear(slot)
}

func (h *threadHandle) Close() error {
	return nil
}
