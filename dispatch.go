package detour

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/brahma-adshonor/detour/internal/logger"
	"github.com/brahma-adshonor/detour/internal/xpanic"
)

// frames are the dispatch stacks of one thread, only that thread
// touches them.
type frames struct {
	// hooks announced by preambles, nil for an unknown id
	pending []*hookState
	// hooks whose handler protocol is running
	active []*hookState
}

func (f *frames) isActive(s *hookState) bool {
	for _, a := range f.active {
		if a == s {
			return true
		}
	}
	return false
}

func (f *frames) empty() bool {
	return len(f.pending) == 0 && len(f.active) == 0
}

// dispatcher routes the calls that enter a preamble to their hook.
type dispatcher struct {
	proc *Process

	lastID  uint64
	hooks   map[uint64]*hookState
	hooksMu sync.RWMutex

	frames   map[uint32]*frames
	framesMu sync.RWMutex

	announce  uintptr
	entries   map[shape]uintptr
	entriesMu sync.Mutex
}

func newDispatcher(p *Process) *dispatcher {
	return &dispatcher{
		proc:    p,
		hooks:   make(map[uint64]*hookState),
		frames:  make(map[uint32]*frames),
		entries: make(map[shape]uintptr),
	}
}

func (d *dispatcher) newID() uint64 {
	return atomic.AddUint64(&d.lastID, 1)
}

func (d *dispatcher) add(s *hookState) {
	d.hooksMu.Lock()
	defer d.hooksMu.Unlock()
	d.hooks[s.id] = s
}

func (d *dispatcher) remove(id uint64) {
	d.hooksMu.Lock()
	defer d.hooksMu.Unlock()
	delete(d.hooks, id)
}

// acquire returns the hook with id and keeps its buffers alive until
// unpin.
func (d *dispatcher) acquire(id uint64) *hookState {
	d.hooksMu.Lock()
	defer d.hooksMu.Unlock()
	s, ok := d.hooks[id]
	if !ok {
		return nil
	}
	s.refs++
	return s
}

func (d *dispatcher) unpin(s *hookState) {
	d.hooksMu.Lock()
	s.refs--
	last := s.retired && s.refs == 0
	d.hooksMu.Unlock()
	if last {
		d.proc.freeHook(s)
	}
}

// retire unregisters s. Its buffers are freed now, or by the last call
// still running through them.
func (d *dispatcher) retire(s *hookState) {
	d.hooksMu.Lock()
	delete(d.hooks, s.id)
	s.retired = true
	refs := s.refs
	d.hooksMu.Unlock()
	if refs > 0 {
		d.proc.log(logger.Debug, "hook %d retired with %d calls in flight", s.id, refs)
		return
	}
	d.proc.freeHook(s)
}

// entryPoints returns the announce entry and the dispatch entry of sh,
// both are created once and shared by every hook.
func (d *dispatcher) entryPoints(sh shape) (uintptr, uintptr, error) {
	d.entriesMu.Lock()
	defer d.entriesMu.Unlock()
	if d.announce == 0 {
		announce, err := d.proc.bridge.NewEntry(1, true, d.onAnnounce)
		if err != nil {
			return 0, 0, errors.WithMessage(err, "failed to create announce entry")
		}
		d.announce = announce
	}
	entry, ok := d.entries[sh]
	if !ok {
		var err error
		entry, err = d.proc.bridge.NewEntry(sh.arity, sh.calleeCleans, d.dispatch)
		if err != nil {
			return 0, 0, errors.WithMessagef(err, "failed to create dispatch entry with %d arguments", sh.arity)
		}
		d.entries[sh] = entry
	}
	return d.announce, entry, nil
}

func (d *dispatcher) framesOf(tid uint32) *frames {
	d.framesMu.RLock()
	f, ok := d.frames[tid]
	d.framesMu.RUnlock()
	if ok {
		return f
	}
	d.framesMu.Lock()
	defer d.framesMu.Unlock()
	f, ok = d.frames[tid]
	if !ok {
		f = new(frames)
		d.frames[tid] = f
	}
	return f
}

func (d *dispatcher) release(tid uint32, f *frames) {
	if !f.empty() {
		return
	}
	d.framesMu.Lock()
	defer d.framesMu.Unlock()
	delete(d.frames, tid)
}

// onAnnounce is called by a preamble with the hook id.
func (d *dispatcher) onAnnounce(tid uint32, args []uintptr) uintptr {
	s := d.acquire(uint64(args[0]))
	if s == nil {
		d.proc.log(logger.Error, "thread %d announced unknown hook %d", tid, args[0])
	}
	f := d.framesOf(tid)
	f.pending = append(f.pending, s)
	return 0
}

// dispatch is the shared entry that every preamble jumps to after the
// announcement.
func (d *dispatcher) dispatch(tid uint32, raw []uintptr) uintptr {
	f := d.framesOf(tid)
	defer d.release(tid, f)
	n := len(f.pending)
	if n == 0 {
		d.proc.log(logger.Error, "thread %d entered dispatch without announcement", tid)
		return 0
	}
	s := f.pending[n-1]
	f.pending = f.pending[:n-1]
	if s == nil {
		return 0
	}
	defer d.unpin(s)
	if !s.isInstalled() || f.isActive(s) {
		// restored while the call was on its way, or
		// called again from its own handler, skip the handler
		return s.adapter.marshalOut(d.callOriginal(s, tid, s.adapter.marshalIn(raw)))
	}
	f.active = append(f.active, s)
	defer func() { f.active = f.active[:len(f.active)-1] }()
	return d.run(s, tid, raw)
}

func (d *dispatcher) run(s *hookState, tid uint32, raw []uintptr) uintptr {
	call := &Call{
		Args:   s.adapter.marshalIn(raw),
		Thread: tid,
		Target: s.target,
	}
	var (
		handled  = true
		original uintptr
		result   uintptr
	)
	switch s.order {
	case HandlerFirst:
		result, handled = d.handle(s, call)
		original = d.callOriginal(s, tid, call.Args)
	case HandlerLast:
		original = d.callOriginal(s, tid, call.Args)
		result, handled = d.handle(s, call)
	case HandlerOnly:
		result, handled = d.handle(s, call)
		if handled {
			original = result
		} else {
			original = d.callOriginal(s, tid, call.Args)
		}
	}
	if handled && s.policy == UseHandlerResult {
		return s.adapter.marshalOut(result)
	}
	return s.adapter.marshalOut(original)
}

// handle calls the handler, a panic is logged and reported as unhandled.
func (d *dispatcher) handle(s *hookState, call *Call) (ret uintptr, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b := xpanic.Print(r, "dispatcher.handle")
			d.proc.log(logger.Error, "handler of 0x%X panic: %s", s.target, b)
			ok = false
		}
	}()
	return s.handler.Handle(call), true
}

func (d *dispatcher) callOriginal(s *hookState, tid uint32, args []uintptr) uintptr {
	if !s.inPlace {
		return s.adapter.invoke(d.proc.bridge, tid, s.original, args)
	}
	s.inPlaceMu.Lock()
	defer s.inPlaceMu.Unlock()
	err := d.proc.writeCode(s.target, s.savedBytes)
	if err != nil {
		d.proc.log(logger.Error, "failed to restore 0x%X for the original call: %s", s.target, err)
		return 0
	}
	s.setEnabled(false)
	ret := s.adapter.invoke(d.proc.bridge, tid, s.original, args)
	if !s.isInstalled() {
		return ret
	}
	err = d.proc.writeCode(s.target, s.patch)
	if err != nil {
		d.proc.log(logger.Error, "failed to patch 0x%X again: %s", s.target, err)
		return ret
	}
	s.setEnabled(true)
	return ret
}
