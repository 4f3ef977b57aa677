// Package pvmjit recompiles PolkaVM guest bytecode into native x86-64 or
// AArch64 machine code and runs it. Compile does the recompilation once;
// the returned Program can be invoked any number of times against
// different register files, memory images and gas budgets.
package pvmjit

import (
	"fmt"
	"unsafe"

	"github.com/rs/zerolog"

	"github.com/Urethramancer/pvmjit/asm"
	"github.com/Urethramancer/pvmjit/compiler"
	"github.com/Urethramancer/pvmjit/pvm"
)

// CompileError reports a compile-time failure. Compile sets PC to the
// entry PC for every failure and does not fill in Opcode; the PC and
// opcode of a failing instruction, where there is one, appear only in the
// message of the wrapped Err.
type CompileError struct {
	PC     uint32
	Opcode pvm.Opcode
	Reason string
	Err    error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("pvmjit: pc %d (%s): %s: %v", e.PC, e.Opcode, e.Reason, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Options configures a compilation. The zero value compiles with a gas
// cost of one per instruction and a no-op logger.
type Options struct {
	GasWeight int64
	Logger    zerolog.Logger
}

// Program is a compiled guest image holding a mapped, executable code
// buffer. It is safe to call Run on the same Program from multiple
// goroutines concurrently: Run takes all mutable state (registers, memory,
// gas) as arguments, and the compiled code itself never writes outside
// what the caller hands it.
type Program struct {
	buf *asm.CodeBuffer
}

// Compile decodes image against bitmask, recovers the control-flow graph
// reachable from entry, and emits native code for arch ("x86_64" or
// "aarch64"). The returned Program is ready to Run.
func Compile(image, bitmask []byte, entry uint32, arch string, opts Options) (*Program, error) {
	img, err := pvm.NewImage(image, bitmask)
	if err != nil {
		return nil, &CompileError{PC: entry, Reason: "constructing image", Err: err}
	}
	buf, err := compiler.Compile(img, entry, compiler.Options{
		Arch:      asm.Arch(arch),
		GasWeight: opts.GasWeight,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, &CompileError{PC: entry, Reason: "compiling", Err: err}
	}
	return &Program{buf: buf}, nil
}

// Run executes the compiled program once. regs holds the 13-register PVM
// file, read on entry and overwritten on exit; mem is the guest's flat
// linear memory; gas is decremented as the program runs, so the caller can
// read back how much remains; hostCtx is an opaque pointer threaded
// through to the native code and handed back to the caller unexamined,
// for ecalli/trap handling to interpret.
//
// The return value follows the exit-code contract: 0 is halt, -1 trap, -2
// out of gas, -3 memory violation, -4 divide by zero, and any n > 0 is an
// ecalli call with index n-1.
func (p *Program) Run(regs *[13]uint64, mem []byte, gas *int64, hostCtx unsafe.Pointer) int64 {
	var memBase uintptr
	if len(mem) > 0 {
		memBase = uintptr(unsafe.Pointer(&mem[0]))
	}
	return callNative(p.buf.Addr(), regs, memBase, uint64(len(mem)), gas, hostCtx)
}

// Bytes returns a read-only view of the compiled machine code, for
// disassembly or dump tooling.
func (p *Program) Bytes() []byte {
	return p.buf.Bytes()
}

// Release unmaps the program's executable memory. The Program must not be
// run again afterward.
func (p *Program) Release() error {
	return p.buf.Release()
}
