package detour

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/brahma-adshonor/detour/internal/arch"
	"github.com/brahma-adshonor/detour/internal/fault"
	"github.com/brahma-adshonor/detour/internal/hwbp"
	"github.com/brahma-adshonor/detour/internal/logger"
	"github.com/brahma-adshonor/detour/internal/memory"
	"github.com/brahma-adshonor/detour/internal/module"
	"github.com/brahma-adshonor/detour/internal/native"
	"github.com/brahma-adshonor/detour/internal/thread"
)

// Memory is the memory service of the hooked process.
type Memory interface {
	Read(addr uintptr, buf []byte) error
	Write(addr uintptr, data []byte) error
	// Protect returns the previous protection of the range.
	Protect(addr uintptr, size int, prot memory.Protection) (memory.Protection, error)
	// Alloc tries to place the allocation within 2GB of near.
	Alloc(near uintptr, size int, prot memory.Protection) (uintptr, error)
	Free(addr uintptr, size int) error
	FlushCode(addr uintptr, size int) error
}

// CodeGenerator encodes instructions placed at pc.
type CodeGenerator interface {
	Emit(pc uintptr, insts []arch.Inst) ([]byte, error)
	EncodedLength(pc uintptr, insts []arch.Inst) (int, error)
}

// LengthOracle measures the prologue bytes a patch of need bytes overwrites.
type LengthOracle interface {
	MinimumSafeOverwriteLength(code []byte, need int) (int, error)
}

// ThreadEnumerator lists the threads of a process.
type ThreadEnumerator interface {
	AllThreads(pid uint32) ([]hwbp.Thread, error)
}

// FaultSubscriber delivers the breakpoint faults of the process.
type FaultSubscriber interface {
	Subscribe(handler fault.Handler) (func() error, error)
}

// Bridge turns Go functions into native entries and calls native code.
type Bridge interface {
	NewEntry(argc int, calleeCleans bool, fn func(tid uint32, args []uintptr) uintptr) (uintptr, error)
	Call(tid uint32, addr uintptr, args []uintptr) uintptr
}

// ModuleResolver finds the loaded image that contains an address.
type ModuleResolver interface {
	ModuleRange(addr uintptr) (base, size uintptr, err error)
}

// Services are the collaborators of a Process, Memory and Bridge are
// required. A nil Threads, Faults or Modules makes the strategies that
// need it return ErrUnsupported.
type Services struct {
	Memory  Memory
	Code    CodeGenerator
	Oracle  LengthOracle
	Threads ThreadEnumerator
	Faults  FaultSubscriber
	Bridge  Bridge
	Modules ModuleResolver
	Logger  logger.Logger

	// PID is passed to the thread enumerator, zero is the current process
	PID uint32
	// Mode is arch.Mode32 or arch.Mode64, zero is the mode of this process
	Mode int
}

// Process holds the state shared by the hooks of one process, the
// dispatcher and the fault router.
type Process struct {
	cfg     *Config
	mem     Memory
	code    CodeGenerator
	oracle  LengthOracle
	threads ThreadEnumerator
	faults  FaultSubscriber
	bridge  Bridge
	modules ModuleResolver
	logger  logger.Logger
	pid     uint32
	mode    int

	dispatcher *dispatcher
	router     *router
}

// NewProcess is used to create a Process, a nil cfg means DefaultConfig.
func NewProcess(cfg *Config, svc *Services) (*Process, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	err := cfg.Check()
	if err != nil {
		return nil, errorf(ErrInvalidArgument, "invalid config: %s", err)
	}
	if svc == nil || svc.Memory == nil || svc.Bridge == nil {
		return nil, errorf(ErrInvalidArgument, "memory and bridge are required")
	}
	p := Process{
		cfg:     cfg,
		mem:     svc.Memory,
		code:    svc.Code,
		oracle:  svc.Oracle,
		threads: svc.Threads,
		faults:  svc.Faults,
		bridge:  svc.Bridge,
		modules: svc.Modules,
		pid:     svc.PID,
		mode:    svc.Mode,
	}
	if p.mode == 0 {
		p.mode = arch.HostMode()
	}
	if p.code == nil {
		p.code, err = arch.NewAssembler(p.mode)
		if err != nil {
			return nil, errorf(ErrInvalidArgument, "%s", err)
		}
	}
	if p.oracle == nil {
		p.oracle, err = arch.NewOracle(p.mode)
		if err != nil {
			return nil, errorf(ErrInvalidArgument, "%s", err)
		}
	}
	lg := svc.Logger
	if lg == nil {
		lg = logger.Discard
	}
	p.logger = logger.NewLeveled(cfg.Level(), lg)
	p.dispatcher = newDispatcher(&p)
	p.router = newRouter(&p)
	return &p, nil
}

var (
	current     *Process
	currentErr  error
	currentOnce sync.Once
)

// CurrentProcess returns the Process of the running program with the
// default config and the native collaborators.
func CurrentProcess() (*Process, error) {
	currentOnce.Do(func() {
		current, currentErr = NewProcess(nil, &Services{
			Memory:  memory.NewLocal(),
			Threads: thread.NewEnumerator(),
			Faults:  fault.NewVectored(),
			Bridge:  native.NewBridge(),
			Modules: module.NewResolver(),
		})
	})
	return current, currentErr
}

// Config returns the config of the process.
func (p *Process) Config() *Config {
	return p.cfg
}

// Mode returns arch.Mode32 or arch.Mode64.
func (p *Process) Mode() int {
	return p.mode
}

func (p *Process) log(lv logger.Level, format string, log ...interface{}) {
	p.logger.Printf(lv, "detour", format, log...)
}

func (p *Process) ptrSize() int {
	return arch.PtrSize(p.mode)
}

func (p *Process) readPtr(addr uintptr) (uintptr, error) {
	buf := make([]byte, p.ptrSize())
	err := p.mem.Read(addr, buf)
	if err != nil {
		return 0, err
	}
	if len(buf) == 8 {
		return uintptr(binary.LittleEndian.Uint64(buf)), nil
	}
	return uintptr(binary.LittleEndian.Uint32(buf)), nil
}

func (p *Process) ptrBytes(v uintptr) []byte {
	buf := make([]byte, p.ptrSize())
	if len(buf) == 8 {
		binary.LittleEndian.PutUint64(buf, uint64(v))
	} else {
		binary.LittleEndian.PutUint32(buf, uint32(v))
	}
	return buf
}

// patchMemory writes data under a protection change. written reports
// whether data reached memory, it does even if reverting the protection
// fails.
func (p *Process) patchMemory(addr uintptr, data []byte, prot memory.Protection) (written bool, err error) {
	old, err := p.mem.Protect(addr, len(data), prot)
	if err != nil {
		return false, errorf(ErrProtectionDenied, "failed to make 0x%X writable, because %s", addr, err)
	}
	err = p.mem.Write(addr, data)
	if err != nil {
		_, _ = p.mem.Protect(addr, len(data), old)
		return false, errors.WithMessagef(err, "failed to write %d bytes at 0x%X", len(data), addr)
	}
	if prot.Executable() {
		err = p.mem.FlushCode(addr, len(data))
		if err != nil {
			p.log(logger.Warning, "failed to flush code at 0x%X: %s", addr, err)
		}
	}
	_, err = p.mem.Protect(addr, len(data), old)
	if err != nil {
		return true, errorf(ErrProtectionDenied, "failed to revert protection of 0x%X, because %s", addr, err)
	}
	return true, nil
}

// writeCode patches code and logs a failed protection revert.
func (p *Process) writeCode(addr uintptr, data []byte) error {
	written, err := p.patchMemory(addr, data, memory.ReadWriteExecute)
	if written && err != nil {
		p.log(logger.Warning, "%s", err)
		return nil
	}
	return err
}
