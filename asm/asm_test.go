package asm_test

import (
	"testing"

	"github.com/Urethramancer/pvmjit/asm"
)

func build(t *testing.T, arch asm.Arch, fn func(a asm.Assembler)) *asm.CodeBuffer {
	t.Helper()
	a, err := asm.New(arch)
	if err != nil {
		t.Fatalf("New(%s): %v", arch, err)
	}
	a.Prologue()
	fn(a)
	a.EmitIndirectTable()
	buf, err := a.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	t.Cleanup(func() { _ = buf.Release() })
	return buf
}

func TestNewRejectsUnknownArch(t *testing.T) {
	if _, err := asm.New("riscv64"); err == nil {
		t.Fatalf("expected an error for an unsupported architecture")
	}
}

func TestFinalizeProducesNonEmptyExecutableBuffer(t *testing.T) {
	for _, arch := range []asm.Arch{asm.AMD64, asm.ARM64} {
		t.Run(string(arch), func(t *testing.T) {
			buf := build(t, arch, func(a asm.Assembler) {
				a.SetExitCode(int64(asm.ExitHalt))
				a.Epilogue()
			})
			if buf.Size == 0 {
				t.Fatalf("expected a non-empty code buffer")
			}
			if buf.Addr() == 0 {
				t.Fatalf("expected a non-zero entry address")
			}
		})
	}
}

func TestFinalizeFailsOnUnboundLabel(t *testing.T) {
	for _, arch := range []asm.Arch{asm.AMD64, asm.ARM64} {
		t.Run(string(arch), func(t *testing.T) {
			a, err := asm.New(arch)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			a.Prologue()
			dangling := a.NewLabel("never-bound")
			a.Jump(dangling)
			if _, err := a.Finalize(); err == nil {
				t.Fatalf("expected Finalize to reject an unbound fixup target")
			}
		})
	}
}

func TestTrapThunkIsSharedAcrossCallSites(t *testing.T) {
	for _, arch := range []asm.Arch{asm.AMD64, asm.ARM64} {
		t.Run(string(arch), func(t *testing.T) {
			a, err := asm.New(arch)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			first := a.TrapThunk()
			second := a.TrapThunk()
			if first != second {
				t.Fatalf("expected TrapThunk to return the same label on repeat calls")
			}
		})
	}
}

func TestMemoryOpsResolveAgainstMemViolationThunk(t *testing.T) {
	for _, arch := range []asm.Arch{asm.AMD64, asm.ARM64} {
		t.Run(string(arch), func(t *testing.T) {
			build(t, arch, func(a asm.Assembler) {
				a.Load(asm.R0, true, asm.R1, 4, asm.W32, false)
				a.Store(true, asm.R1, 4, asm.R0, asm.W32)
				a.SetExitCode(int64(asm.ExitHalt))
				a.Epilogue()
			})
		})
	}
}

func TestIndirectDispatchTableCoversRegisteredTargets(t *testing.T) {
	for _, arch := range []asm.Arch{asm.AMD64, asm.ARM64} {
		t.Run(string(arch), func(t *testing.T) {
			a, err := asm.New(arch)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			a.Prologue()
			a.RegisterIndirectTarget(100)
			a.JumpIndirect(asm.R0)
			a.RegisterIndirectTarget(50)
			a.Epilogue()
			a.EmitIndirectTable()
			buf, err := a.Finalize()
			if err != nil {
				t.Fatalf("Finalize: %v", err)
			}
			defer buf.Release()
			if buf.Size == 0 {
				t.Fatalf("expected non-empty buffer")
			}
		})
	}
}

func TestArithmeticAndShiftLoweringsDoNotPanic(t *testing.T) {
	for _, arch := range []asm.Arch{asm.AMD64, asm.ARM64} {
		t.Run(string(arch), func(t *testing.T) {
			build(t, arch, func(a asm.Assembler) {
				for _, op := range []asm.AluOp{
					asm.OpAdd, asm.OpSub, asm.OpMul, asm.OpMulUpperUU, asm.OpMulUpperSS, asm.OpMulUpperSU,
					asm.OpDivU, asm.OpDivS, asm.OpRemU, asm.OpRemS, asm.OpAnd, asm.OpOr, asm.OpXor,
					asm.OpAndInv, asm.OpOrInv, asm.OpMax, asm.OpMaxU, asm.OpMin, asm.OpMinU,
				} {
					a.ALU(op, asm.R0, asm.R1, asm.R2, asm.W32)
					a.ALU(op, asm.R0, asm.R1, asm.R2, asm.W64)
				}
				for _, op := range []asm.ShiftOp{
					asm.ShiftLogicalLeft, asm.ShiftLogicalRight, asm.ShiftArithRight,
					asm.RotateLeft, asm.RotateRight,
				} {
					a.Shift(op, asm.R0, asm.R1, asm.R2, asm.W32)
				}
				for _, c := range []asm.Cond{
					asm.CondEq, asm.CondNe, asm.CondLtU, asm.CondLtS, asm.CondGeU, asm.CondGeS,
					asm.CondGtU, asm.CondGtS, asm.CondLeU, asm.CondLeS,
				} {
					a.SetCond(c, asm.R0, asm.R1, asm.R2, asm.W32)
				}
				a.Cmov(true, asm.R0, asm.R1, asm.R2, asm.W64)
				a.Neg(asm.R0, asm.R1, asm.W32)
				a.SetExitCode(int64(asm.ExitHalt))
				a.Epilogue()
			})
		})
	}
}

func TestGasCheckResolvesAgainstOutOfGasThunk(t *testing.T) {
	for _, arch := range []asm.Arch{asm.AMD64, asm.ARM64} {
		t.Run(string(arch), func(t *testing.T) {
			build(t, arch, func(a asm.Assembler) {
				a.GasCheck(10)
				a.SetExitCode(int64(asm.ExitHalt))
				a.Epilogue()
			})
		})
	}
}
