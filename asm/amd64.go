package asm

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// amd64 physical register encodings (Intel encoding, 0-15; rsp=4 is
// reserved for our own stack frame and never assigned a Reg role).
const (
	xRAX = 0
	xRCX = 1
	xRDX = 2
	xRBX = 3
	xRSP = 4
	xRBP = 5
	xRSI = 6
	xRDI = 7
	xR8  = 8
	xR9  = 9
	xR10 = 10
	xR11 = 11
	xR12 = 12
	xR13 = 13
	xR14 = 14
	xR15 = 15
)

// amd64RegMap pins R0-R12, Scratch and Scratch2 to physical registers;
// MemBase, MemSize, GasPtr and HostCtx live in frame slots and have no
// entry here. Scratch and
// Scratch2 are rax/rdx deliberately: division and remainder need
// rdx:rax/edx:eax as their dividend/quotient/remainder pair, and a
// variable-count shift needs its count in cl (part of rcx, pinned to R1),
// so those two hardware constraints drive the assignment rather than an
// arbitrary round-robin.
var amd64RegMap = map[Reg]int{
	Scratch:  xRAX,
	Scratch2: xRDX,
	R0:       xRBX,
	R1:       xRCX,
	R2:       xRBP,
	R3:       xRSI,
	R4:       xRDI,
	R5:       xR8,
	R6:       xR9,
	R7:       xR10,
	R8:       xR11,
	R9:       xR12,
	R10:      xR13,
	R11:      xR14,
	R12:      xR15,
}

// Callee-saved amd64 registers this backend repurposes; the prologue
// pushes their incoming values and the epilogue restores them, per the
// SysV ABI contract a JIT'd function must honor to be callable like any
// other Go/C function pointer.
var amd64CalleeSaved = []int{xRBX, xRBP, xR12, xR13, xR14, xR15}

// Frame slot offsets, relative to rsp after the prologue's `sub rsp,
// frameSize`. rsp never moves again after that point, so these offsets
// are stable for the rest of the function.
const (
	amd64FrameRegsPtr = 0
	amd64FrameMemBase = 8
	amd64FrameMemSize = 16
	amd64FrameGasPtr  = 24
	amd64FrameHostCtx = 32
	amd64FrameSize    = 40
)

type indirectEntry struct {
	guestPC    uint32
	hostOffset int
}

type amd64Assembler struct {
	code []byte

	labels   []*Label
	fixups   []Fixup
	indirect []indirectEntry

	trapThunk, oogThunk, memViolThunk, divZeroThunk, epilogueLabel, indirectDispatch *Label
	thunksEmitted                                                                    bool
}

func newAMD64() *amd64Assembler {
	return &amd64Assembler{}
}

func (a *amd64Assembler) Arch() Arch { return AMD64 }

func (a *amd64Assembler) pos() int { return len(a.code) }

func (a *amd64Assembler) emit(b ...byte) { a.code = append(a.code, b...) }

func (a *amd64Assembler) emit32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	a.emit(b[:]...)
}

func (a *amd64Assembler) emit64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	a.emit(b[:]...)
}

func phys(r Reg) byte {
	p, ok := amd64RegMap[r]
	if !ok {
		panic(fmt.Sprintf("asm/amd64: %v has no physical register (it is frame-resident)", r))
	}
	return byte(p)
}

// rex builds a REX prefix; w selects 64-bit operand size, r/x/b are the
// extension bits for the ModRM.reg, SIB.index and ModRM.rm/SIB.base
// fields respectively. A REX byte is only required when any of these are
// set or when w is set.
func rex(w bool, r, x, b byte) byte {
	return 0x40 | (boolBit(w) << 3) | ((r >> 3) << 2) | ((x >> 3) << 1) | (b >> 3)
}

func boolBit(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func modrmReg(mod, reg, rm byte) byte {
	return (mod << 6) | ((reg & 7) << 3) | (rm & 7)
}

// emitRegReg emits `opcode /r` for two register-direct operands.
func (a *amd64Assembler) emitRegReg(w bool, opcode byte, regField, rmField byte) {
	if w || regField >= 8 || rmField >= 8 {
		a.emit(rex(w, regField, 0, rmField))
	}
	a.emit(opcode, modrmReg(3, regField, rmField))
}

// emitRegReg2 emits a two-byte `0F opcode /r` form (used by MOVZX/MOVSX/IMUL).
func (a *amd64Assembler) emitRegReg2(w bool, opcode byte, regField, rmField byte) {
	if w || regField >= 8 || rmField >= 8 {
		a.emit(rex(w, regField, 0, rmField))
	}
	a.emit(0x0F, opcode, modrmReg(3, regField, rmField))
}

// emitRegMemRSP emits `opcode /r` addressing [rsp+disp8], used for the
// frame-resident MemBase/MemSize/GasPtr/HostCtx slots. SIB byte 0x24
// selects rsp-as-base with no index, which x86-64 requires whenever the
// base register is rsp.
func (a *amd64Assembler) emitRegMemRSP(w bool, opcode byte, regField byte, disp8 byte) {
	if w || regField >= 8 {
		a.emit(rex(w, regField, 0, 0))
	}
	a.emit(opcode, modrmReg(1, regField, 4), 0x24, disp8)
}

func (a *amd64Assembler) loadFrameSlot(dst Reg, offset byte, w Width) {
	a.emitRegMemRSP(w == W64, 0x8B, phys(dst), offset)
}

func (a *amd64Assembler) storeFrameSlot(offset byte, src Reg, w Width) {
	a.emitRegMemRSP(w == W64, 0x89, phys(src), offset)
}

// --- Assembler interface ---------------------------------------------------

func (a *amd64Assembler) NewLabel(name string) *Label {
	l := &Label{name: name}
	a.labels = append(a.labels, l)
	return l
}

func (a *amd64Assembler) Bind(l *Label) {
	l.bound = true
	l.offset = a.pos()
}

func (a *amd64Assembler) Prologue() {
	for _, r := range amd64CalleeSaved {
		if r >= 8 {
			a.emit(rex(false, 0, 0, byte(r)))
		}
		a.emit(0x50 + byte(r&7))
	}
	// sub rsp, frameSize
	a.emit(rex(true, 0, 0, 0), 0x81, modrmReg(3, 5, xRSP))
	a.emit32(amd64FrameSize)

	// Incoming SysV args: rdi=regs*, rsi=memBase, rdx=memSize, rcx=gasPtr, r8=hostCtx.
	// rdi is saved to the frame before anything overwrites it: it is both
	// the incoming regs pointer and R4's pinned physical register, and the
	// epilogue needs the original pointer back to write final values out.
	a.emitMovRegPhysToFrame(xRDI, amd64FrameRegsPtr)
	a.emitMovRegPhysToFrame(xRSI, amd64FrameMemBase)
	a.emitMovRegPhysToFrame(xRDX, amd64FrameMemSize)
	a.emitMovRegPhysToFrame(xRCX, amd64FrameGasPtr)
	a.emitMovRegPhysToFrame(xR8, amd64FrameHostCtx)

	// Load the 13-slot register file (pointed to by rdi) into the pinned
	// physical registers, saving rdi's own new value for last since rdi
	// is both the source pointer and a destination (R4).
	for _, role := range []Reg{R0, R1, R2, R3, R5, R6, R7, R8, R9, R10, R11, R12} {
		a.emitLoadRegFromRDI(phys(role), regSlotIndex(role))
	}
	a.emitLoadRegFromRDI(xRAX, regSlotIndex(R4)) // stash R4's value in scratch (rax)
	a.emitMovRegReg(xRDI, xRAX, true)            // rdi (R4) = stashed value
}

// regSlotIndex returns the index into the caller's *[13]uint64 register
// file that role corresponds to (R0..R12 -> 0..12).
func regSlotIndex(role Reg) int {
	return int(role)
}

// emitLoadRegFromRDI emits `mov dstPhys, [rdi+8*slot]`.
func (a *amd64Assembler) emitLoadRegFromRDI(dstPhys byte, slot int) {
	disp := int32(slot * 8)
	a.emit(rex(true, dstPhys, 0, xRDI))
	if disp >= -128 && disp <= 127 {
		a.emit(0x8B, modrmReg(1, dstPhys, xRDI), byte(int8(disp)))
	} else {
		a.emit(0x8B, modrmReg(2, dstPhys, xRDI))
		a.emit32(uint32(disp))
	}
}

// emitStoreRegToBase emits `mov [basePhys+8*slot], srcPhys`, the mirror of
// emitLoadRegFromRDI used by the epilogue to write the final register file
// back to the caller's array.
func (a *amd64Assembler) emitStoreRegToBase(basePhys, srcPhys byte, slot int) {
	disp := int32(slot * 8)
	a.emit(rex(true, srcPhys, 0, basePhys))
	if disp >= -128 && disp <= 127 {
		a.emit(0x89, modrmReg(1, srcPhys, basePhys), byte(int8(disp)))
	} else {
		a.emit(0x89, modrmReg(2, srcPhys, basePhys))
		a.emit32(uint32(disp))
	}
}

func (a *amd64Assembler) emitMovRegReg(dstPhys, srcPhys byte, w64 bool) {
	if w64 || dstPhys >= 8 || srcPhys >= 8 {
		a.emit(rex(w64, srcPhys, 0, dstPhys))
	}
	a.emit(0x89, modrmReg(3, srcPhys, dstPhys))
}

func (a *amd64Assembler) emitMovRegPhysToFrame(srcPhys byte, frameOff byte) {
	if srcPhys >= 8 {
		a.emit(rex(true, srcPhys, 0, 0))
	} else {
		a.emit(rex(true, 0, 0, 0))
	}
	a.emit(0x89, modrmReg(1, srcPhys, 4), 0x24, frameOff)
}

func (a *amd64Assembler) Epilogue() *Label {
	l := a.NewLabel("epilogue")
	a.Bind(l)
	a.epilogueLabel = l
	// Exit code is assumed already in Scratch (rax) by the caller of
	// Epilogue's label. Write every pinned register back to the caller's
	// array through the regs pointer stashed in the frame, before rsp
	// moves and before rax is needed as the SysV return value.
	a.loadFrameSlot(Scratch2, amd64FrameRegsPtr, W64)
	for _, role := range []Reg{R0, R1, R2, R3, R4, R5, R6, R7, R8, R9, R10, R11, R12} {
		a.emitStoreRegToBase(phys(Scratch2), phys(role), regSlotIndex(role))
	}
	a.emit(rex(true, 0, 0, 0), 0x81, modrmReg(3, 0, xRSP))
	a.emit32(amd64FrameSize)
	for i := len(amd64CalleeSaved) - 1; i >= 0; i-- {
		r := amd64CalleeSaved[i]
		if r >= 8 {
			a.emit(rex(false, 0, 0, byte(r)))
		}
		a.emit(0x58 + byte(r&7))
	}
	a.emit(0xC3) // ret
	return l
}

func (a *amd64Assembler) MovImm(dst Reg, imm uint64, w Width) {
	p := phys(dst)
	if w == W64 {
		if p >= 8 {
			a.emit(rex(true, 0, 0, p))
		} else {
			a.emit(rex(true, 0, 0, 0))
		}
		a.emit(0xB8 + (p & 7))
		a.emit64(imm)
		return
	}
	if p >= 8 {
		a.emit(rex(false, 0, 0, p))
	}
	a.emit(0xB8 + (p & 7))
	a.emit32(uint32(imm))
}

func (a *amd64Assembler) MovReg(dst, src Reg, w Width) {
	if dst == src && w == W64 {
		return
	}
	a.emitRegReg(w == W64, 0x89, phys(src), phys(dst))
}

func (a *amd64Assembler) aluOpcode(op AluOp) (opcode byte, ok bool) {
	switch op {
	case OpAdd:
		return 0x01, true
	case OpSub:
		return 0x29, true
	case OpAnd:
		return 0x21, true
	case OpOr:
		return 0x09, true
	case OpXor:
		return 0x31, true
	default:
		return 0, false
	}
}

func (a *amd64Assembler) ALU(op AluOp, dst, aSrc, b Reg, w Width) {
	switch op {
	case OpAdd, OpSub, OpAnd, OpOr, OpXor:
		a.MovReg(dst, aSrc, w)
		opcode, _ := a.aluOpcode(op)
		a.emitRegReg(w == W64, opcode, phys(b), phys(dst))
	case OpAndInv:
		// dst = a & ^b: compute ^b into dst first via b xor -1, then AND with a.
		a.MovReg(dst, b, w)
		a.notReg(dst, w)
		a.emitRegReg(w == W64, 0x21, phys(aSrc), phys(dst))
	case OpOrInv:
		a.MovReg(dst, b, w)
		a.notReg(dst, w)
		a.emitRegReg(w == W64, 0x09, phys(aSrc), phys(dst))
	case OpMul:
		a.MovReg(dst, aSrc, w)
		a.emitRegReg2(w == W64, 0xAF, phys(dst), phys(b))
	case OpMulUpperUU, OpMulUpperSS, OpMulUpperSU:
		a.mulUpper(op, dst, aSrc, b, w)
	case OpDivU, OpDivS, OpRemU, OpRemS:
		a.divRem(op, dst, aSrc, b, w)
	case OpMax, OpMaxU, OpMin, OpMinU:
		a.minmax(op, dst, aSrc, b, w)
	default:
		panic(fmt.Sprintf("asm/amd64: unhandled ALU op %d", op))
	}
}

func (a *amd64Assembler) notReg(r Reg, w Width) {
	p := phys(r)
	if w == W64 || p >= 8 {
		a.emit(rex(w == W64, 0, 0, p))
	}
	a.emit(0xF7, modrmReg(3, 2, p))
}

func (a *amd64Assembler) Neg(dst, src Reg, w Width) {
	a.MovReg(dst, src, w)
	p := phys(dst)
	if w == W64 || p >= 8 {
		a.emit(rex(w == W64, 0, 0, p))
	}
	a.emit(0xF7, modrmReg(3, 3, p))
}

// mulUpper computes the high half of a full-width product. amd64's IMUL
// r/m (one-operand form) leaves the 128-bit product in rdx:rax, which is
// exactly Scratch2:Scratch, so this lowering routes through those two
// registers regardless of which PVM registers dst/a/b are pinned to.
func (a *amd64Assembler) mulUpper(op AluOp, dst, aSrc, b Reg, w Width) {
	a.emitRegReg(w == W64, 0x89, phys(aSrc), xRAX) // mov rax, a
	signed := op == OpMulUpperSS || op == OpMulUpperSU
	ext := 5 // IMUL /5 one-operand
	if !signed {
		ext = 4 // MUL /4 one-operand
	}
	p := phys(b)
	if w == W64 || p >= 8 {
		a.emit(rex(w == W64, 0, 0, p))
	}
	a.emit(0xF7, modrmReg(3, byte(ext), p))
	a.emitRegReg(w == W64, 0x89, xRDX, phys(dst)) // mov dst, rdx (high half)
}

// divRem lowers DivU/DivS/RemU/RemS. It checks the divisor for zero first
// (branching to the divide-by-zero thunk) and, for signed division, guards
// INT_MIN / -1 so it produces INT_MIN (quotient) or 0 (remainder) instead
// of faulting the host CPU, per the specification's division contract.
func (a *amd64Assembler) divRem(op AluOp, dst, aSrc, b Reg, w Width) {
	signed := op == OpDivS || op == OpRemS
	wantRemainder := op == OpRemU || op == OpRemS

	zeroCheck := a.NewLabel("divzero-check")
	a.Branch(CondNe, b, materializeZero(a, w), w, zeroCheck)
	a.Jump(a.DivideByZeroThunk())
	a.Bind(zeroCheck)

	doneLabel := a.NewLabel("div-done")
	if signed {
		// Guard INT_MIN / -1.
		minVal := uint64(0x8000000000000000)
		if w == W32 {
			minVal = 0x80000000
		}
		a.MovImm(Scratch2, minVal, w)
		aIsMin := a.NewLabel("a-is-min")
		a.Branch(CondEq, aSrc, Scratch2, w, aIsMin)
		skipGuard := a.NewLabel("skip-int-min-guard")
		a.Jump(skipGuard)
		a.Bind(aIsMin)
		a.MovImm(Scratch2, ^uint64(0), w) // -1
		bIsNegOne := a.NewLabel("b-is-neg-one")
		a.Branch(CondEq, b, Scratch2, w, bIsNegOne)
		a.Jump(skipGuard)
		a.Bind(bIsNegOne)
		if wantRemainder {
			a.MovImm(dst, 0, w)
		} else {
			a.MovImm(dst, minVal, w)
		}
		a.Jump(doneLabel)
		a.Bind(skipGuard)
	}

	a.emitRegReg(w == W64, 0x89, phys(aSrc), xRAX) // mov rax, a
	if signed {
		if w == W64 {
			a.emit(rex(true, 0, 0, 0), 0x99) // cqo
		} else {
			a.emit(0x99) // cdq
		}
	} else {
		a.emitRegReg(w == W64, 0x31, xRDX, xRDX) // xor rdx, rdx
	}
	ext := byte(6)
	if signed {
		ext = 7
	}
	p := phys(b)
	if w == W64 || p >= 8 {
		a.emit(rex(w == W64, 0, 0, p))
	}
	a.emit(0xF7, modrmReg(3, ext, p))
	if wantRemainder {
		a.emitRegReg(w == W64, 0x89, xRDX, phys(dst))
	} else {
		a.emitRegReg(w == W64, 0x89, xRAX, phys(dst))
	}
	a.Bind(doneLabel)
}

// materializeZero loads 0 into Scratch2 and returns it, since Branch
// compares two Reg operands rather than a Reg and an immediate.
func materializeZero(a *amd64Assembler, w Width) Reg {
	a.MovImm(Scratch2, 0, w)
	return Scratch2
}

func (a *amd64Assembler) minmax(op AluOp, dst, aSrc, b Reg, w Width) {
	a.MovReg(dst, aSrc, w)
	takeB := a.NewLabel("minmax-take-b")
	done := a.NewLabel("minmax-done")
	var cond Cond
	switch op {
	case OpMax:
		cond = CondGtS
	case OpMaxU:
		cond = CondGtU
	case OpMin:
		cond = CondLtS
	case OpMinU:
		cond = CondLtU
	}
	a.Branch(cond, b, aSrc, w, takeB)
	a.Jump(done)
	a.Bind(takeB)
	a.MovReg(dst, b, w)
	a.Bind(done)
}

func (a *amd64Assembler) Shift(op ShiftOp, dst, aSrc, amount Reg, w Width) {
	// Save R1 (rcx): the variable-count shift instructions require the
	// count in cl, and R1 is permanently pinned to rcx.
	a.emit(0x51) // push rcx
	a.MovReg(dst, aSrc, w)
	if amount != R1 {
		a.emitRegReg(false, 0x89, phys(amount), xRCX) // mov ecx, amount (low 32 bits suffice: shift counts are masked to 6/5 bits)
	}
	var ext byte
	switch op {
	case ShiftLogicalLeft:
		ext = 4
	case ShiftLogicalRight:
		ext = 5
	case ShiftArithRight:
		ext = 7
	case RotateLeft:
		ext = 0
	case RotateRight:
		ext = 1
	}
	p := phys(dst)
	if w == W64 || p >= 8 {
		a.emit(rex(w == W64, 0, 0, p))
	}
	a.emit(0xD3, modrmReg(3, ext, p))
	a.emit(0x59) // pop rcx
}

func condToJcc(cond Cond) byte {
	switch cond {
	case CondEq:
		return 0x84
	case CondNe:
		return 0x85
	case CondLtU:
		return 0x82
	case CondGeU:
		return 0x83
	case CondLtS:
		return 0x8C
	case CondGeS:
		return 0x8D
	case CondGtU:
		return 0x87
	case CondLeU:
		return 0x86
	case CondGtS:
		return 0x8F
	case CondLeS:
		return 0x8E
	default:
		panic("asm/amd64: unknown condition")
	}
}

func condToSetcc(cond Cond) byte {
	return condToJcc(cond) - 0x10 // SETcc opcodes are Jcc's opcode - 0x10, both 0F-prefixed
}

func (a *amd64Assembler) SetCond(cond Cond, dst, aSrc, b Reg, w Width) {
	a.emitRegReg(w == W64, 0x39, phys(b), phys(aSrc)) // cmp a, b
	// setcc al; movzx dst, al
	a.emit(0x0F, condToSetcc(cond), modrmReg(3, 0, xRAX))
	a.emitRegReg2(w == W64, 0xB6, phys(dst), xRAX)
}

func (a *amd64Assembler) Cmov(wantZero bool, dst, condReg, src Reg, w Width) {
	// test condReg, condReg ; cmovz/cmovnz dst, src
	a.emitRegReg(w == W64, 0x85, phys(condReg), phys(condReg))
	opcode := byte(0x44) // CMOVZ
	if !wantZero {
		opcode = 0x45 // CMOVNZ
	}
	a.emitRegReg2(w == W64, opcode, phys(dst), phys(src))
}

// --- memory -----------------------------------------------------------------

// computeEffectiveAddress leaves the guest-relative address in Scratch2
// and the bounds-checked host pointer in Scratch (rax), branching to the
// memory-violation thunk on failure. Using Scratch2 for the guest address
// and Scratch for the final host pointer keeps the two live values in
// distinct registers through the bounds check.
func (a *amd64Assembler) computeEffectiveAddress(hasBase bool, base Reg, offset int64, w Width) {
	if hasBase {
		a.emitRegReg(true, 0x89, phys(base), xRDX) // mov rdx, base (zero-extended 32-bit guest ptr already widened by the register's own width rule)
		a.MovImm(Scratch, uint64(uint32(offset)), W32) // eax = offset, zero-extended
		a.emitRegReg(true, 0x01, xRAX, xRDX)           // add rdx, rax
	} else {
		a.MovImm(Scratch2, uint64(uint32(offset)), W32)
	}
	// if memSize < width: trap
	a.loadFrameSlot(Scratch, amd64FrameMemSize, W64)
	a.emit(rex(true, 0, 0, xRAX), 0x3D)
	a.emit32(uint32(w))
	a.emit(0x0F, condToJcc(CondLtU))
	rel := a.reserveRel32()
	a.fixups = append(a.fixups, Fixup{patchAt: rel, instAt: rel - 2, kind: fixupRel32, target: a.MemViolationThunk()})

	// scratch = memSize - width
	a.emitSubImm32(xRAX, int32(w))
	// if guestAddr > memSize-width: trap
	a.emitRegReg(true, 0x39, xRDX, xRAX) // cmp rax, rdx  (rax=memSize-width, rdx=guestAddr) -> CF/ZF per rax-rdx
	a.emit(0x0F, condToJcc(CondLtU))
	rel2 := a.reserveRel32()
	a.fixups = append(a.fixups, Fixup{patchAt: rel2, instAt: rel2 - 2, kind: fixupRel32, target: a.MemViolationThunk()})

	// scratch = memBase + guestAddr
	a.loadFrameSlot(Scratch, amd64FrameMemBase, W64)
	a.emitRegReg(true, 0x01, xRDX, xRAX) // add rax, rdx
}

func (a *amd64Assembler) addImm32(physReg byte, imm int32) {
	a.emit(rex(true, 0, 0, physReg))
	if physReg == xRAX {
		a.emit(0x05)
	} else {
		a.emit(0x81, modrmReg(3, 0, physReg))
	}
	a.emit32(uint32(imm))
}

func (a *amd64Assembler) emitSubImm32(physReg byte, imm int32) {
	a.emit(rex(true, 0, 0, physReg))
	if physReg == xRAX {
		a.emit(0x2D)
	} else {
		a.emit(0x81, modrmReg(3, 5, physReg))
	}
	a.emit32(uint32(imm))
}

// Effective address is always [rax] at this point (computeEffectiveAddress's
// final result), so every load/store below addresses via ModRM mod=00,
// rm=000: no SIB byte and no displacement are needed since rax is neither
// rsp nor rbp, the two base encodings x86-64 treats specially under mod=00.
func (a *amd64Assembler) Load(dst Reg, hasBase bool, base Reg, offset int64, w Width, signExtend bool) {
	a.computeEffectiveAddress(hasBase, base, offset, w)
	p := phys(dst)
	switch w {
	case W8:
		if signExtend {
			a.emit(rex(true, p, 0, 0), 0x0F, 0xBE, modrmReg(0, p, 0))
		} else {
			a.emit(rex(true, p, 0, 0), 0x0F, 0xB6, modrmReg(0, p, 0))
		}
	case W16:
		if signExtend {
			a.emit(rex(true, p, 0, 0), 0x0F, 0xBF, modrmReg(0, p, 0))
		} else {
			a.emit(rex(true, p, 0, 0), 0x0F, 0xB7, modrmReg(0, p, 0))
		}
	case W32:
		if signExtend {
			a.emit(rex(true, p, 0, 0), 0x63, modrmReg(0, p, 0))
		} else {
			a.emit(rex(false, p, 0, 0), 0x8B, modrmReg(0, p, 0))
		}
	case W64:
		a.emit(rex(true, p, 0, 0), 0x8B, modrmReg(0, p, 0))
	}
}

func (a *amd64Assembler) Store(hasBase bool, base Reg, offset int64, src Reg, w Width) {
	a.computeEffectiveAddress(hasBase, base, offset, w)
	p := phys(src)
	switch w {
	case W8:
		a.emit(rex(true, p, 0, 0), 0x88, modrmReg(0, p, 0))
	case W16:
		a.emit(0x66, rex(false, p, 0, 0), 0x89, modrmReg(0, p, 0))
	case W32:
		a.emit(rex(false, p, 0, 0), 0x89, modrmReg(0, p, 0))
	case W64:
		a.emit(rex(true, p, 0, 0), 0x89, modrmReg(0, p, 0))
	}
}

// --- control flow -------------------------------------------------------

func (a *amd64Assembler) reserveRel32() int {
	pos := a.pos()
	a.emit32(0)
	return pos
}

func (a *amd64Assembler) Branch(cond Cond, aSrc, b Reg, w Width, target *Label) {
	a.emitRegReg(w == W64, 0x39, phys(b), phys(aSrc)) // cmp a, b
	a.emit(0x0F, condToJcc(cond))
	rel := a.reserveRel32()
	a.fixups = append(a.fixups, Fixup{patchAt: rel, instAt: rel - 2, kind: fixupRel32, target: target})
}

func (a *amd64Assembler) Jump(target *Label) {
	a.emit(0xE9)
	rel := a.reserveRel32()
	a.fixups = append(a.fixups, Fixup{patchAt: rel, instAt: rel - 1, kind: fixupRel32, target: target})
}

// JumpIndirect moves guestPCReg into Scratch and jumps to the single
// shared dispatch chain emitted once, at the buffer tail, by
// EmitIndirectTable. Every call site funnels through the same chain, so
// an indirect jump's cost does not grow with the number of call sites.
func (a *amd64Assembler) JumpIndirect(guestPCReg Reg) {
	a.MovReg(Scratch, guestPCReg, W32)
	a.Jump(a.dispatchLabel())
}

func (a *amd64Assembler) dispatchLabel() *Label {
	if a.indirectDispatch == nil {
		a.indirectDispatch = a.NewLabel("indirect-dispatch")
	}
	return a.indirectDispatch
}

func (a *amd64Assembler) RegisterIndirectTarget(guestPC uint32) {
	a.indirect = append(a.indirect, indirectEntry{guestPC: guestPC, hostOffset: a.pos()})
}

// EmitIndirectTable binds the dispatch chain that every JumpIndirect call
// jumped to and resolves it against the now-final set of registered
// targets: a linear compare chain against guestPC values held in
// Scratch, falling through to the trap thunk when nothing matches. The
// table is kept sorted by guestPC so a future revision can switch to
// binary search without changing RegisterIndirectTarget's contract.
func (a *amd64Assembler) EmitIndirectTable() {
	sort.Slice(a.indirect, func(i, j int) bool { return a.indirect[i].guestPC < a.indirect[j].guestPC })
	if a.indirectDispatch == nil {
		return
	}
	a.Bind(a.indirectDispatch)
	for _, e := range a.indirect {
		a.MovImm(Scratch2, uint64(e.guestPC), W32)
		a.Branch(CondEq, Scratch, Scratch2, W32, a.hostOffsetLabel(e.hostOffset))
	}
	a.Jump(a.TrapThunk())
}

// hostOffsetLabel returns a Label bound at a previously recorded host
// offset, for JumpIndirect's compare chain to branch into.
func (a *amd64Assembler) hostOffsetLabel(offset int) *Label {
	l := &Label{name: "indirect-target", bound: true, offset: offset}
	a.labels = append(a.labels, l)
	return l
}

func (a *amd64Assembler) SetExitCode(code int64) {
	a.MovImm(Scratch, uint64(code), W64)
}

func (a *amd64Assembler) SetExitCodeFromReg(src Reg) {
	a.MovReg(Scratch, src, W64)
}

func (a *amd64Assembler) sharedThunk(l **Label, code ExitCode) *Label {
	if *l != nil {
		return *l
	}
	*l = a.NewLabel(fmt.Sprintf("thunk-%d", code))
	return *l
}

func (a *amd64Assembler) TrapThunk() *Label         { return a.sharedThunk(&a.trapThunk, ExitTrap) }
func (a *amd64Assembler) OutOfGasThunk() *Label     { return a.sharedThunk(&a.oogThunk, ExitOutOfGas) }
func (a *amd64Assembler) MemViolationThunk() *Label { return a.sharedThunk(&a.memViolThunk, ExitMemViolation) }
func (a *amd64Assembler) DivideByZeroThunk() *Label { return a.sharedThunk(&a.divZeroThunk, ExitDivideByZero) }

// emitThunks binds each lazily-allocated thunk label at the buffer tail,
// materializes its exit code, and jumps to the epilogue. Called once by
// Finalize, after every block and the indirect-dispatch table have been
// emitted, so forward references from anywhere in the function resolve.
func (a *amd64Assembler) emitThunks() {
	if a.thunksEmitted {
		return
	}
	a.thunksEmitted = true
	for _, t := range []struct {
		l    *Label
		code ExitCode
	}{
		{a.trapThunk, ExitTrap},
		{a.oogThunk, ExitOutOfGas},
		{a.memViolThunk, ExitMemViolation},
		{a.divZeroThunk, ExitDivideByZero},
	} {
		if t.l == nil {
			continue
		}
		a.Bind(t.l)
		a.SetExitCode(int64(t.code))
		a.Jump(a.epilogueLabel)
	}
}

func (a *amd64Assembler) GasCheck(cost int64) {
	a.loadFrameSlot(Scratch, amd64FrameGasPtr, W64)
	// rax currently holds the gasPtr pointer value; load *gasPtr into Scratch2.
	a.emit(rex(true, xRDX, 0, xRAX), 0x8B, modrmReg(0, xRDX, xRAX))
	a.emitSubImm32(xRDX, int32(cost))
	// store back *gasPtr = rdx
	a.emit(rex(true, xRDX, 0, xRAX), 0x89, modrmReg(0, xRDX, xRAX))
	a.emit(rex(true, 0, 0, xRDX), 0x83, modrmReg(3, 7, xRDX), 0x00) // cmp rdx, 0
	a.emit(0x0F, condToJcc(CondLtS))
	rel := a.reserveRel32()
	a.fixups = append(a.fixups, Fixup{patchAt: rel, instAt: rel - 2, kind: fixupRel32, target: a.OutOfGasThunk()})
}

func (a *amd64Assembler) Finalize() (*CodeBuffer, error) {
	if !a.thunksEmitted {
		a.emitThunks()
	}
	for _, f := range a.fixups {
		if !f.target.bound {
			return nil, fmt.Errorf("asm/amd64: unresolved fixup to label %q", f.target.name)
		}
		disp := int32(f.target.offset - (f.patchAt + 4))
		binary.LittleEndian.PutUint32(a.code[f.patchAt:f.patchAt+4], uint32(disp))
	}
	return buildCodeBuffer(a.code)
}
