package pvmjit_test

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/Urethramancer/pvmjit"
	"github.com/Urethramancer/pvmjit/pvm"
)

// u64 encodes a little-endian 64-bit immediate, for LoadImm64 bodies.
func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// boundaries builds a bitmask that marks byte offset 0 and the start of
// every following part as an instruction boundary, mirroring the `img`
// helper cfg_test.go and compiler_test.go already use.
func boundaries(parts ...[]byte) (image, bitmask []byte) {
	var code []byte
	var lengths []int
	for _, p := range parts {
		code = append(code, p...)
		lengths = append(lengths, len(p))
	}
	bm := make([]byte, (len(code)+7)/8)
	pc := 0
	for _, l := range lengths {
		bm[pc/8] |= 1 << uint(pc%8)
		pc += l
	}
	return code, bm
}

// runOn compiles image/bitmask for arch and executes it once, returning the
// final register file, exit code and remaining gas.
func runOn(t *testing.T, arch string, image, bitmask []byte, entry uint32, gas int64, memSize int) ([13]uint64, int64, int64) {
	t.Helper()
	prog, err := pvmjit.Compile(image, bitmask, entry, arch, pvmjit.Options{})
	if err != nil {
		t.Fatalf("[%s] Compile: %v", arch, err)
	}
	defer prog.Release()

	var regs [13]uint64
	mem := make([]byte, memSize)
	exit := prog.Run(&regs, mem, &gas, unsafe.Pointer(nil))
	return regs, exit, gas
}

var bothArches = []string{"x86_64", "aarch64"}

// Scenario 1: LoadImm64 followed by Halt. Exercises the wide-immediate
// load path and the halt exit code.
func TestScenarioLoadImm64Halt(t *testing.T) {
	const want = uint64(0x1234567890ABCDEF)
	image, bitmask := boundaries(
		append([]byte{byte(pvm.LoadImm64), 0}, u64(want)...),
		[]byte{byte(pvm.Halt)},
	)
	for _, arch := range bothArches {
		t.Run(arch, func(t *testing.T) {
			regs, exit, _ := runOn(t, arch, image, bitmask, 0, 1<<20, 64)
			if regs[0] != want {
				t.Fatalf("r0 = 0x%x, want 0x%x", regs[0], want)
			}
			if exit != int64(0) {
				t.Fatalf("exit = %d, want 0 (halt)", exit)
			}
		})
	}
}

// Scenario 2: Add32 must wrap at 32 bits and zero-extend the result into
// the full 64-bit register, rather than sign-extending or leaking garbage
// in the upper half.
func TestScenarioAdd32OverflowZeroExtends(t *testing.T) {
	image, bitmask := boundaries(
		append([]byte{byte(pvm.LoadImm), 1}, u32(0xFFFFFFFF)...),
		append([]byte{byte(pvm.LoadImm), 2}, u32(1)...),
		[]byte{byte(pvm.Add32), 0, 1, 2},
		[]byte{byte(pvm.Halt)},
	)
	for _, arch := range bothArches {
		t.Run(arch, func(t *testing.T) {
			regs, exit, _ := runOn(t, arch, image, bitmask, 0, 1<<20, 64)
			if regs[0] != 0 {
				t.Fatalf("r0 = 0x%x, want 0 (32-bit wraparound, zero-extended)", regs[0])
			}
			if exit != int64(0) {
				t.Fatalf("exit = %d, want 0 (halt)", exit)
			}
		})
	}
}

// Scenario 3: DivU32 by a zero divisor must trap with the divide-by-zero
// exit code rather than faulting the host CPU or falling through to Halt.
func TestScenarioDivU32ByZero(t *testing.T) {
	image, bitmask := boundaries(
		append([]byte{byte(pvm.LoadImm), 1}, u32(5)...),
		append([]byte{byte(pvm.LoadImm), 2}, u32(0)...),
		[]byte{byte(pvm.DivU32), 0, 1, 2},
		[]byte{byte(pvm.Halt)},
	)
	for _, arch := range bothArches {
		t.Run(arch, func(t *testing.T) {
			_, exit, _ := runOn(t, arch, image, bitmask, 0, 1<<20, 64)
			if exit != int64(-4) {
				t.Fatalf("exit = %d, want -4 (divide by zero)", exit)
			}
		})
	}
}

// Scenario 4: a self-loop (Jump +0) must exhaust its gas budget and trap
// with the out-of-gas exit code, rather than looping forever. The block's
// GasCheck executes once per pass since control returns to the same bound
// label each iteration.
func TestScenarioSelfLoopExhaustsGas(t *testing.T) {
	image, bitmask := boundaries(append([]byte{byte(pvm.Jump)}, u32(0)...))
	const initialGas = 3
	for _, arch := range bothArches {
		t.Run(arch, func(t *testing.T) {
			_, exit, gas := runOn(t, arch, image, bitmask, 0, initialGas, 64)
			if exit != int64(-2) {
				t.Fatalf("exit = %d, want -2 (out of gas)", exit)
			}
			if gas != -1 {
				t.Fatalf("gas = %d, want -1 (charged one more time than the budget allowed)", gas)
			}
		})
	}
}

// Scenario 5: a StoreU32 whose address lies outside the guest's linear
// memory must trap with the memory-violation exit code and must not write
// anything, even partially, to the backing buffer.
func TestScenarioOutOfBoundsStoreLeavesMemoryUnchanged(t *testing.T) {
	image, bitmask := boundaries(
		append([]byte{byte(pvm.LoadImm), 0}, u32(42)...),
		append([]byte{byte(pvm.StoreU32), 0}, u32(1000)...),
		[]byte{byte(pvm.Halt)},
	)
	const memSize = 4
	for _, arch := range bothArches {
		t.Run(arch, func(t *testing.T) {
			prog, err := pvmjit.Compile(image, bitmask, 0, arch, pvmjit.Options{})
			if err != nil {
				t.Fatalf("[%s] Compile: %v", arch, err)
			}
			defer prog.Release()

			var regs [13]uint64
			mem := make([]byte, memSize)
			gas := int64(1 << 20)
			exit := prog.Run(&regs, mem, &gas, unsafe.Pointer(nil))

			if exit != int64(-3) {
				t.Fatalf("exit = %d, want -3 (memory violation)", exit)
			}
			for i, b := range mem {
				if b != 0 {
					t.Fatalf("mem[%d] = %d, want 0 (store must not have executed)", i, b)
				}
			}
			if regs[0] != 42 {
				t.Fatalf("r0 = %d, want 42 (loaded before the trapping store)", regs[0])
			}
		})
	}
}

// buildBranchEqImage lays out: r0=7; r1=r1Val; branch_eq r0,r1 -> taken;
// not-taken path sets r2=2 and halts; taken path sets r2=1 and halts.
func buildBranchEqImage(r1Val uint32) (image, bitmask []byte) {
	loadR0 := append([]byte{byte(pvm.LoadImm), 0}, u32(7)...)      // pc 0, size 6
	loadR1 := append([]byte{byte(pvm.LoadImm), 1}, u32(r1Val)...)  // pc 6, size 6
	branch := append([]byte{byte(pvm.BranchEq), 0, 1}, u32(14)...) // pc 12, size 7, target = 12+14 = 26
	notTaken := append(append([]byte{byte(pvm.LoadImm), 2}, u32(2)...), byte(pvm.Halt)) // pc 19, size 7
	taken := append(append([]byte{byte(pvm.LoadImm), 2}, u32(1)...), byte(pvm.Halt))    // pc 26, size 7
	return boundaries(loadR0, loadR1, branch, notTaken[:6], notTaken[6:], taken[:6], taken[6:])
}

// Scenario 6/7: BranchEq must take both the equal and not-equal paths
// correctly, and the two backends must agree on the outcome (universal
// property 7, semantic equivalence).
func TestScenarioBranchEqBothDirections(t *testing.T) {
	t.Run("equal_takes_branch", func(t *testing.T) {
		image, bitmask := buildBranchEqImage(7)
		var results [2]uint64
		for i, arch := range bothArches {
			regs, exit, _ := runOn(t, arch, image, bitmask, 0, 1<<20, 64)
			if exit != 0 {
				t.Fatalf("[%s] exit = %d, want 0", arch, exit)
			}
			if regs[2] != 1 {
				t.Fatalf("[%s] r2 = %d, want 1 (branch taken)", arch, regs[2])
			}
			results[i] = regs[2]
		}
		if results[0] != results[1] {
			t.Fatalf("backends disagree: x86_64 r2=%d aarch64 r2=%d", results[0], results[1])
		}
	})

	t.Run("not_equal_falls_through", func(t *testing.T) {
		image, bitmask := buildBranchEqImage(8)
		var results [2]uint64
		for i, arch := range bothArches {
			regs, exit, _ := runOn(t, arch, image, bitmask, 0, 1<<20, 64)
			if exit != 0 {
				t.Fatalf("[%s] exit = %d, want 0", arch, exit)
			}
			if regs[2] != 2 {
				t.Fatalf("[%s] r2 = %d, want 2 (branch not taken)", arch, regs[2])
			}
			results[i] = regs[2]
		}
		if results[0] != results[1] {
			t.Fatalf("backends disagree: x86_64 r2=%d aarch64 r2=%d", results[0], results[1])
		}
	})
}
