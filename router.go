package detour

import (
	"sort"
	"sync"

	"github.com/brahma-adshonor/detour/internal/fault"
	"github.com/brahma-adshonor/detour/internal/logger"
)

type route struct {
	addr   uintptr
	resume uintptr
}

// router sends the breakpoint faults of hooked addresses to their
// preamble. The fault handler is subscribed with the first route and
// unsubscribed with the last one.
type router struct {
	proc   *Process
	routes []route // sorted by addr
	cancel func() error
	mu     sync.RWMutex
}

func newRouter(p *Process) *router {
	return &router{proc: p}
}

func (r *router) search(addr uintptr) int {
	return sort.Search(len(r.routes), func(i int) bool {
		return r.routes[i].addr >= addr
	})
}

func (r *router) add(addr, resume uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.search(addr)
	if i < len(r.routes) && r.routes[i].addr == addr {
		return errorf(ErrAlreadyHooked, "breakpoint at 0x%X", addr)
	}
	if len(r.routes) == 0 {
		if r.proc.faults == nil {
			return errorf(ErrFaultHandlerUnavailable, "no fault subscriber")
		}
		cancel, err := r.proc.faults.Subscribe(r.handle)
		if err != nil {
			return errorf(ErrFaultHandlerUnavailable, "%s", err)
		}
		r.cancel = cancel
		r.proc.log(logger.Debug, "fault handler subscribed")
	}
	r.routes = append(r.routes, route{})
	copy(r.routes[i+1:], r.routes[i:])
	r.routes[i] = route{addr: addr, resume: resume}
	return nil
}

func (r *router) remove(addr uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.search(addr)
	if i == len(r.routes) || r.routes[i].addr != addr {
		return errorf(ErrNotHooked, "breakpoint at 0x%X", addr)
	}
	r.routes = append(r.routes[:i], r.routes[i+1:]...)
	if len(r.routes) != 0 || r.cancel == nil {
		return nil
	}
	err := r.cancel()
	r.cancel = nil
	if err != nil {
		r.proc.log(logger.Warning, "failed to unsubscribe fault handler: %s", err)
	} else {
		r.proc.log(logger.Debug, "fault handler unsubscribed")
	}
	return nil
}

func (r *router) lookup(addr uintptr) (uintptr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.search(addr)
	if i < len(r.routes) && r.routes[i].addr == addr {
		return r.routes[i].resume, true
	}
	return 0, false
}

func (r *router) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

func (r *router) handle(code fault.Code, ctx fault.Context) bool {
	switch code {
	case fault.Breakpoint:
	case fault.SingleStep:
		if ctx.HitSlot() == -1 {
			return false
		}
	default:
		return false
	}
	resume, ok := r.lookup(ctx.Address())
	if !ok {
		return false
	}
	ctx.SetPC(resume)
	return true
}
