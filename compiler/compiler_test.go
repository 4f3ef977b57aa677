package compiler_test

import (
	"encoding/binary"
	"testing"

	"github.com/Urethramancer/pvmjit/asm"
	"github.com/Urethramancer/pvmjit/compiler"
	"github.com/Urethramancer/pvmjit/pvm"
)

func img(t *testing.T, parts ...[]byte) *pvm.Image {
	t.Helper()
	var code []byte
	var lengths []int
	for _, p := range parts {
		code = append(code, p...)
		lengths = append(lengths, len(p))
	}
	bm := make([]byte, (len(code)+7)/8)
	im := &pvm.Image{Bytes: code, Bitmask: bm}
	pc := uint32(0)
	for _, l := range lengths {
		im.SetBoundary(pc)
		pc += uint32(l)
	}
	return im
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func compileBoth(t *testing.T, im *pvm.Image, entry uint32) {
	t.Helper()
	for _, arch := range []asm.Arch{asm.AMD64, asm.ARM64} {
		t.Run(string(arch), func(t *testing.T) {
			buf, err := compiler.Compile(im, entry, compiler.Options{Arch: arch})
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			defer buf.Release()
			if buf.Size == 0 {
				t.Fatalf("expected a non-empty code buffer")
			}
		})
	}
}

// LoadImm r1,5; LoadImm r2,7; Add32 r0,r1,r2; Halt.
func TestCompileStraightLine(t *testing.T) {
	im := img(t,
		append([]byte{byte(pvm.LoadImm), 1}, u32(5)...),
		append([]byte{byte(pvm.LoadImm), 2}, u32(7)...),
		[]byte{byte(pvm.Add32), 0, 1, 2},
		[]byte{byte(pvm.Halt)},
	)
	compileBoth(t, im, 0)
}

// BranchEq r1,r2,+11 ; Halt (fallthrough) ; padding ; Halt (branch target).
func TestCompileConditionalBranch(t *testing.T) {
	im := img(t,
		append([]byte{byte(pvm.BranchEq), 1, 2}, u32(11)...),
		[]byte{byte(pvm.Halt)},
		[]byte{0, 0, 0},
		[]byte{byte(pvm.Halt)},
	)
	compileBoth(t, im, 0)
}

// Jump +0: a self-loop, the degenerate case that would infinite-loop if
// actually executed but must still compile to a finite amount of code.
func TestCompileSelfLoop(t *testing.T) {
	im := img(t, append([]byte{byte(pvm.Jump)}, u32(0)...))
	compileBoth(t, im, 0)
}

// JumpInd r3: an indirect jump with no statically known target; Compile
// must still succeed and register at least one indirect-dispatch entry.
func TestCompileIndirectJump(t *testing.T) {
	im := img(t, []byte{byte(pvm.JumpInd), 3})
	compileBoth(t, im, 0)
}

// LoadImmJumpInd r1,#0x1000,+4: loads an immediate then jumps indirectly
// through r1+4, exercising the compile-time offset-into-scratch lowering.
func TestCompileLoadImmJumpIndirect(t *testing.T) {
	im := img(t, append(append([]byte{byte(pvm.LoadImmJumpInd), 1}, u32(0x1000)...), u32(4)...))
	compileBoth(t, im, 0)
}

// One block exercising every three-register arithmetic/shift/compare/cmov
// opcode, to catch a missing lowering-table entry.
func TestCompileArithmeticCoverage(t *testing.T) {
	ops := []pvm.Opcode{
		pvm.Add32, pvm.Add64, pvm.Sub32, pvm.Sub64, pvm.Mul32, pvm.Mul64,
		pvm.MulUpperSS, pvm.MulUpperUU, pvm.MulUpperSU,
		pvm.DivU32, pvm.DivS32, pvm.DivU64, pvm.DivS64,
		pvm.RemU32, pvm.RemS32, pvm.RemU64, pvm.RemS64,
		pvm.And, pvm.Or, pvm.Xor, pvm.AndInv, pvm.OrInv,
		pvm.Shlo32, pvm.Shlo64, pvm.ShloR32, pvm.ShloR64, pvm.SharR32, pvm.SharR64,
		pvm.Rot32, pvm.Rot64, pvm.RotR32, pvm.RotR64,
		pvm.SetLtU, pvm.SetLtS, pvm.SetGtU, pvm.SetGtS,
		pvm.CmovIfZero, pvm.CmovIfNotZero,
		pvm.Max, pvm.MaxU, pvm.MinU, pvm.MinS,
		pvm.MoveReg, pvm.Neg32, pvm.Neg64,
	}
	var parts [][]byte
	for _, op := range ops {
		parts = append(parts, []byte{byte(op), 0, 1, 2})
	}
	parts = append(parts, []byte{byte(pvm.Halt)})
	im := img(t, parts...)
	compileBoth(t, im, 0)
}

// Every load/store family in one block: direct, store-immediate and
// base+offset indirect forms.
func TestCompileMemoryCoverage(t *testing.T) {
	im := img(t,
		append([]byte{byte(pvm.LoadImm), 1}, u32(0)...),
		append(append([]byte{byte(pvm.StoreImmU32)}, u32(0)...), u32(42)...),
		append([]byte{byte(pvm.LoadU32), 2}, u32(0)...),
		append([]byte{byte(pvm.StoreIndU32), 2, 1}, u32(0)...),
		append([]byte{byte(pvm.LoadIndI16), 3, 1}, u32(0)...),
		[]byte{byte(pvm.Halt)},
	)
	compileBoth(t, im, 0)
}

func TestCompileEcalli(t *testing.T) {
	im := img(t, append([]byte{byte(pvm.Ecalli)}, u32(3)...))
	compileBoth(t, im, 0)
}

func TestCompileRejectsUnknownArch(t *testing.T) {
	im := img(t, []byte{byte(pvm.Halt)})
	if _, err := compiler.Compile(im, 0, compiler.Options{Arch: "riscv64"}); err == nil {
		t.Fatalf("expected an error for an unsupported architecture")
	}
}
