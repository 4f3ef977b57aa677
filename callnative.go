package pvmjit

import "unsafe"

// callNative jumps to compiled native code at entry using the calling
// convention asm.Assembler's Prologue establishes: regs/memBase/memSize/
// gasPtr/hostCtx arrive in the first five argument slots, the exit code
// returns in the first result slot. Implemented per-GOARCH in
// callnative_amd64.s and callnative_arm64.s.
//
// The calling goroutine is not at a safepoint for the duration of the
// call: native code must not block, call back into Go, or run long enough
// to need preemption.
func callNative(entry uintptr, regs *[13]uint64, memBase uintptr, memSize uint64, gasPtr *int64, hostCtx unsafe.Pointer) int64
