package sim

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/brahma-adshonor/detour/internal/fault"
)

// FailSubscribe makes Subscribe return err, nil clears it.
func (m *Machine) FailSubscribe(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// Subscribe adds a fault handler.
func (m *Machine) Subscribe(handler fault.Handler) (func() error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	id := m.nextHandler
	m.nextHandler++
	m.handlers[id] = handler
	m.subscriptions++
	var once sync.Once
	return func() error {
		err := errors.New("handler is already unsubscribed")
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.handlers, id)
			err = nil
		})
		return err
	}, nil
}

// Handlers returns the number of subscribed handlers.
func (m *Machine) Handlers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers)
}

// Subscriptions returns how many times Subscribe succeeded.
func (m *Machine) Subscriptions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subscriptions
}

// raise delivers a fault to the handlers until one handles it.
func (m *Machine) raise(code fault.Code, ctx fault.Context) bool {
	m.mu.RLock()
	ids := make([]int, 0, len(m.handlers))
	for id := range m.handlers {
		ids = append(ids, id)
	}
	handlers := make([]fault.Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, m.handlers[id])
	}
	m.mu.RUnlock()
	for _, h := range handlers {
		if h(code, ctx) {
			return true
		}
	}
	return false
}

type faultContext struct {
	cpu  *cpu
	addr uintptr
	slot int
}

func (c *faultContext) Address() uintptr {
	return c.addr
}

func (c *faultContext) PC() uintptr {
	return uintptr(c.cpu.pc)
}

func (c *faultContext) SetPC(pc uintptr) {
	c.cpu.pc = uint64(pc)
}

func (c *faultContext) ThreadID() uint32 {
	return c.cpu.tid
}

func (c *faultContext) HitSlot() int {
	return c.slot
}
