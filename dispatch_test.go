package detour

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brahma-adshonor/detour/internal/memory"
)

func TestDispatcher_WithoutAnnouncement(t *testing.T) {
	p, _ := testProcess(t, nil)
	d := p.dispatcher

	require.Zero(t, d.dispatch(1, []uintptr{2, 3}))
	require.Empty(t, d.frames)

	// announced id that is not registered
	require.Zero(t, d.onAnnounce(1, []uintptr{42}))
	require.Len(t, d.frames, 1)
	require.Zero(t, d.dispatch(1, []uintptr{2, 3}))
	require.Empty(t, d.frames)
}

func TestDispatcher_EntryPoints(t *testing.T) {
	p, m := testProcess(t, nil)
	d := p.dispatcher

	announce, entry, err := d.entryPoints(shape{arity: 2, calleeCleans: true})
	require.NoError(t, err)
	require.NotEqual(t, announce, entry)
	require.Equal(t, 2, m.Entries())

	// cached per shape
	a, e, err := d.entryPoints(shape{arity: 2, calleeCleans: true})
	require.NoError(t, err)
	require.Equal(t, announce, a)
	require.Equal(t, entry, e)
	require.Equal(t, 2, m.Entries())

	_, e, err = d.entryPoints(shape{arity: 3})
	require.NoError(t, err)
	require.NotEqual(t, entry, e)
	require.Equal(t, 3, m.Entries())
}

func TestDispatcher_IDs(t *testing.T) {
	p, _ := testProcess(t, nil)
	d := p.dispatcher
	a := d.newID()
	b := d.newID()
	require.NotEqual(t, a, b)

	s := &hookState{id: a}
	d.add(s)
	require.Equal(t, s, d.acquire(a))
	require.Equal(t, 1, s.refs)
	require.Nil(t, d.acquire(b))
	d.unpin(s)
	require.Zero(t, s.refs)
	d.remove(a)
	require.Nil(t, d.acquire(a))
}

func TestDispatcher_RetireAnnounced(t *testing.T) {
	p, m := testProcess(t, nil)
	d := p.dispatcher
	r := new(recorder)
	adapter, err := bindAdapter(p.mode, sumSignature)
	require.NoError(t, err)
	buffer, err := m.Alloc(0, p.cfg.BufferSize, memory.ReadWriteExecute)
	require.NoError(t, err)

	s := &hookState{
		id:       d.newID(),
		handler:  r.handler(100),
		adapter:  adapter,
		buffer:   buffer,
		original: addSum(m, r),
	}
	s.setInstalled(true)
	d.add(s)

	// announced, then removed before the dispatch
	require.Zero(t, d.onAnnounce(1, []uintptr{uintptr(s.id)}))
	s.setInstalled(false)
	d.retire(s)
	require.Empty(t, d.hooks)
	require.Equal(t, 1, m.Allocations())

	// the call reaches the original without the handler
	require.Equal(t, uintptr(5), d.dispatch(1, []uintptr{2, 3}))
	require.Equal(t, []string{"original"}, r.Calls())
	require.Equal(t, 0, m.Allocations())
	require.Empty(t, d.frames)

	// retired without calls in flight
	buffer, err = m.Alloc(0, p.cfg.BufferSize, memory.ReadWriteExecute)
	require.NoError(t, err)
	s = &hookState{id: d.newID(), buffer: buffer}
	d.add(s)
	d.retire(s)
	require.Equal(t, 0, m.Allocations())
}
