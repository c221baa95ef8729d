package detour

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brahma-adshonor/detour/internal/arch"
	"github.com/brahma-adshonor/detour/internal/sim"
)

// push rbp; mov rbp, rsp; sub rsp, 0x20
var testPrologue = []byte{0x55, 0x48, 0x89, 0xE5, 0x48, 0x83, 0xEC, 0x20}

var sumSignature = Signature{Convention: Win64, Args: 2}

func testProcess(t *testing.T, cfg *Config) (*Process, *sim.Machine) {
	m := sim.New()
	p, err := NewProcess(cfg, &Services{
		Memory:  m,
		Threads: m,
		Faults:  m,
		Bridge:  m,
		Modules: m,
		Mode:    arch.Mode64,
	})
	require.NoError(t, err)
	return p, m
}

// recorder keeps the order of the calls of the original and the handler.
type recorder struct {
	calls []string
	args  [][]uintptr
	mu    sync.Mutex
}

func (r *recorder) record(name string, args []uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	r.args = append(r.args, append([]uintptr(nil), args...))
}

func (r *recorder) sum(_ uint32, args []uintptr) uintptr {
	r.record("original", args)
	return args[0] + args[1]
}

func (r *recorder) handler(ret uintptr) Handler {
	return HandlerFunc(func(call *Call) uintptr {
		r.record("handler", call.Args)
		return ret
	})
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func addSum(m *sim.Machine, r *recorder) uintptr {
	return m.AddFunction("sum", testPrologue, 2, r.sum)
}
