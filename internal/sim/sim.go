// Package sim is a small simulated x64 machine used by tests. It runs the
// code generated for hooks with an x86asm based interpreter and provides
// the memory, thread, fault, bridge and module services of a process.
package sim

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/brahma-adshonor/detour/internal/fault"
	"github.com/brahma-adshonor/detour/internal/memory"
	"github.com/brahma-adshonor/detour/internal/module"
)

// layout of the address space
const (
	PageSize = 0x1000

	ImageBase uintptr = 0x10000000
	ImageSize uintptr = 0x01000000
	DataBase  uintptr = 0x20000000
	AllocBase uintptr = 0x30000000
	EntryBase uintptr = 0xF0000000

	// FuncSize is the code size of every function, the prologue is padded
	// with int3.
	FuncSize = 0x40

	funcStride = 0x80
)

// Func is the Go implementation of a simulated function or entry.
type Func = func(tid uint32, args []uintptr) uintptr

type page struct {
	data [PageSize]byte
	prot memory.Protection
}

type function struct {
	name     string
	addr     uintptr
	prologue []byte
	argc     int
	impl     Func
}

type entry struct {
	argc int
	fn   Func
}

// Machine is the simulated process.
type Machine struct {
	pages  map[uintptr]*page
	denied map[uintptr]int // page -> protection changes still allowed
	allocs map[uintptr]int

	funcs   []*function // sorted by address
	entries map[uintptr]*entry
	modules []module.Range
	threads map[uint32]*thread
	// threads that exit right after the next snapshot
	exiting map[uint32]bool
	armErr  map[uint32]error

	handlers      map[int]fault.Handler
	nextHandler   int
	subscriptions int
	subscribeErr  error
	enumerateErr  error
	flushes       int

	nextFunc  uintptr
	nextData  uintptr
	nextAlloc uintptr
	nextEntry uintptr

	mu sync.RWMutex
}

// New is used to create an empty machine.
func New() *Machine {
	return &Machine{
		pages:     make(map[uintptr]*page),
		denied:    make(map[uintptr]int),
		allocs:    make(map[uintptr]int),
		entries:   make(map[uintptr]*entry),
		modules:   []module.Range{{Base: ImageBase, Size: ImageSize}},
		threads:   make(map[uint32]*thread),
		exiting:   make(map[uint32]bool),
		armErr:    make(map[uint32]error),
		handlers:  make(map[int]fault.Handler),
		nextFunc:  ImageBase,
		nextData:  DataBase,
		nextAlloc: AllocBase,
		nextEntry: EntryBase,
	}
}

func pageOf(addr uintptr) uintptr {
	return addr &^ (PageSize - 1)
}

func pageCount(size int) int {
	return (size + PageSize - 1) / PageSize
}

// mapLocked maps size bytes from the page aligned addr.
func (m *Machine) mapLocked(addr uintptr, size int, prot memory.Protection) {
	for i := 0; i < pageCount(size); i++ {
		base := addr + uintptr(i*PageSize)
		p, ok := m.pages[base]
		if !ok {
			p = new(page)
			m.pages[base] = p
		}
		p.prot = prot
	}
}

// copyLocked moves bytes between buf and the simulated memory, check
// decides whether a page may be accessed.
func (m *Machine) copyLocked(addr uintptr, buf []byte, write bool, check func(memory.Protection) bool) error {
	for done := 0; done < len(buf); {
		cur := addr + uintptr(done)
		p, ok := m.pages[pageOf(cur)]
		if !ok || !check(p.prot) {
			return errors.Errorf("access violation at 0x%X", cur)
		}
		off := int(cur - pageOf(cur))
		var n int
		if write {
			n = copy(p.data[off:], buf[done:])
		} else {
			n = copy(buf[done:], p.data[off:])
		}
		done += n
	}
	return nil
}

func readable(prot memory.Protection) bool {
	return prot != memory.NoAccess
}

func anyProtection(memory.Protection) bool {
	return true
}

// Read is used to read len(buf) bytes at addr.
func (m *Machine) Read(addr uintptr, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyLocked(addr, buf, false, readable)
}

// Write is used to write data at addr, every page must be writable.
func (m *Machine) Write(addr uintptr, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// check first so a failed write changes nothing
	start, n := memory.PageRange(addr, len(data), PageSize)
	for i := 0; i < n; i += PageSize {
		p, ok := m.pages[start+uintptr(i)]
		if !ok || !p.prot.Writable() {
			return errors.Errorf("write to protected memory at 0x%X", start+uintptr(i))
		}
	}
	return m.copyLocked(addr, data, true, memory.Protection.Writable)
}

// Protect changes the protection of the pages in the range and returns the
// previous protection of the first page.
func (m *Machine) Protect(addr uintptr, size int, prot memory.Protection) (memory.Protection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start, n := memory.PageRange(addr, size, PageSize)
	var pages []*page
	for i := 0; i < n; i += PageSize {
		base := start + uintptr(i)
		p, ok := m.pages[base]
		if !ok {
			return memory.NoAccess, errors.Errorf("protect unmapped memory at 0x%X", base)
		}
		if left, ok := m.denied[base]; ok && left == 0 {
			return memory.NoAccess, errors.Errorf("access denied to change protection at 0x%X", base)
		}
		pages = append(pages, p)
	}
	for i := 0; i < n; i += PageSize {
		base := start + uintptr(i)
		if left, ok := m.denied[base]; ok {
			m.denied[base] = left - 1
		}
	}
	if len(pages) == 0 {
		return memory.NoAccess, errors.New("protect empty range")
	}
	old := pages[0].prot
	for _, p := range pages {
		p.prot = prot
	}
	return old, nil
}

// Alloc maps size bytes, the allocation area is always near the image.
func (m *Machine) Alloc(_ uintptr, size int, prot memory.Protection) (uintptr, error) {
	if size <= 0 {
		return 0, errors.New("invalid allocation size")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := m.nextAlloc
	size = pageCount(size) * PageSize
	// leave a guard page between allocations
	m.nextAlloc += uintptr(size + PageSize)
	m.mapLocked(addr, size, prot)
	m.allocs[addr] = size
	return addr, nil
}

// Free is used to release an allocation.
func (m *Machine) Free(addr uintptr, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	size, ok := m.allocs[addr]
	if !ok {
		return errors.Errorf("free unknown allocation 0x%X", addr)
	}
	for i := 0; i < size; i += PageSize {
		delete(m.pages, addr+uintptr(i))
	}
	delete(m.allocs, addr)
	return nil
}

// FlushCode counts the flushes.
func (m *Machine) FlushCode(uintptr, int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

// Allocations returns the number of live allocations.
func (m *Machine) Allocations() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.allocs)
}

// Flushes returns how many times code was flushed.
func (m *Machine) Flushes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flushes
}

// DenyProtect makes every protection change of the page at addr fail.
func (m *Machine) DenyProtect(addr uintptr) {
	m.DenyProtectAfter(addr, 0)
}

// DenyProtectAfter allows n more protection changes of the page at addr,
// the following ones fail.
func (m *Machine) DenyProtectAfter(addr uintptr, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied[pageOf(addr)] = n
}

// AllowProtect reverts DenyProtect.
func (m *Machine) AllowProtect(addr uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.denied, pageOf(addr))
}

// Bytes reads n bytes at addr regardless of the protection.
func (m *Machine) Bytes(addr uintptr, n int) []byte {
	buf := make([]byte, n)
	m.mu.RLock()
	defer m.mu.RUnlock()
	err := m.copyLocked(addr, buf, false, anyProtection)
	if err != nil {
		panic(err)
	}
	return buf
}

// ReadWord reads a 64 bit word at addr regardless of the protection.
func (m *Machine) ReadWord(addr uintptr) uint64 {
	return binary.LittleEndian.Uint64(m.Bytes(addr, 8))
}

// WriteWord writes a 64 bit word at addr regardless of the protection.
func (m *Machine) WriteWord(addr uintptr, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.copyLocked(addr, buf[:], true, anyProtection)
	if err != nil {
		panic(err)
	}
}

// Protection returns the protection of the page at addr.
func (m *Machine) Protection(addr uintptr) memory.Protection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[pageOf(addr)]
	if !ok {
		return memory.NoAccess
	}
	return p.prot
}

// AddFunction places a function with the prologue in the image, calls that
// reach its body run impl with argc arguments.
func (m *Machine) AddFunction(name string, prologue []byte, argc int, impl Func) uintptr {
	if len(prologue) > FuncSize {
		panic("prologue is too long")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := m.nextFunc
	m.nextFunc += funcStride
	code := make([]byte, FuncSize)
	n := copy(code, prologue)
	for i := n; i < len(code); i++ {
		code[i] = 0xCC
	}
	if _, ok := m.pages[pageOf(addr)]; !ok {
		m.mapLocked(pageOf(addr), PageSize, memory.ReadExecute)
	}
	err := m.copyLocked(addr, code, true, anyProtection)
	if err != nil {
		panic(err)
	}
	f := &function{
		name:     name,
		addr:     addr,
		prologue: append([]byte(nil), prologue...),
		argc:     argc,
		impl:     impl,
	}
	m.funcs = append(m.funcs, f)
	return addr
}

// AddData places words on fresh pages with prot and returns the address.
func (m *Machine) AddData(words []uint64, prot memory.Protection) uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := m.nextData
	size := len(words) * 8
	if size == 0 {
		size = 8
	}
	size = pageCount(size) * PageSize
	m.nextData += uintptr(size)
	m.mapLocked(addr, size, prot)
	buf := make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	err := m.copyLocked(addr, buf, true, anyProtection)
	if err != nil {
		panic(err)
	}
	return addr
}

// function returns the function whose code contains addr.
func (m *Machine) function(addr uintptr) (*function, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := sort.Search(len(m.funcs), func(i int) bool {
		return m.funcs[i].addr+FuncSize > addr
	})
	if i < len(m.funcs) && addr >= m.funcs[i].addr {
		return m.funcs[i], int(addr - m.funcs[i].addr)
	}
	return nil, 0
}

// pristine reports whether the prologue of f is unmodified.
func (m *Machine) pristine(f *function) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	buf := make([]byte, len(f.prologue))
	if m.copyLocked(f.addr, buf, false, anyProtection) != nil {
		return false
	}
	for i := range buf {
		if buf[i] != f.prologue[i] {
			return false
		}
	}
	return true
}

// AddModule adds a loaded image to the module list.
func (m *Machine) AddModule(base, size uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules = append(m.modules, module.Range{Base: base, Size: size})
}

// ModuleRange returns the module that contains addr.
func (m *Machine) ModuleRange(addr uintptr) (uintptr, uintptr, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.modules {
		if r.Contains(addr) {
			return r.Base, r.Size, nil
		}
	}
	return 0, 0, module.ErrNotFound
}

// NewEntry creates an entry that runs fn when code calls or jumps to it.
func (m *Machine) NewEntry(argc int, _ bool, fn Func) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := m.nextEntry
	m.nextEntry += 0x10
	m.entries[addr] = &entry{argc: argc, fn: fn}
	return addr, nil
}

// Entries returns the number of created entries.
func (m *Machine) Entries() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Machine) entry(addr uintptr) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[addr]
}

// Call runs the code at addr on thread tid with the Win64 convention.
func (m *Machine) Call(tid uint32, addr uintptr, args []uintptr) uintptr {
	return newCPU(m, tid, args).run(addr)
}

// fetch copies the executable bytes at addr into buf.
func (m *Machine) fetch(addr uintptr, buf []byte) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for n < len(buf) {
		cur := addr + uintptr(n)
		p, ok := m.pages[pageOf(cur)]
		if !ok || !p.prot.Executable() {
			break
		}
		n += copy(buf[n:], p.data[cur-pageOf(cur):])
	}
	return n
}
