package asm

import (
	"encoding/binary"
	"fmt"
)

// AArch64 register numbers. x31 means either sp or xzr depending on
// instruction class; this backend never uses x18 (the platform register
// reserved by AAPCS64) or x29/x30 for a pinned role.
const (
	aFP  = 29 // frame pointer
	aLR  = 30 // link register
	aZR  = 31 // xzr in most instruction classes
	aSP  = 31 // sp when used as a base register
)

// arm64RegMap pins R0-R12, Scratch and Scratch2 to physical AArch64
// registers; MemBase, MemSize, GasPtr and HostCtx live in frame slots and
// have no entry here.
// Scratch/Scratch2 (x9/x10) and R0-R4 (x11-x15) are caller-saved and
// need no prologue/epilogue save; R5-R12 (x19-x26) are callee-saved and
// are pushed/popped around the body, matching amd64's mixed scheme.
var arm64RegMap = map[Reg]int{
	Scratch:  9,
	Scratch2: 10,
	R0:       11,
	R1:       12,
	R2:       13,
	R3:       14,
	R4:       15,
	R5:       19,
	R6:       20,
	R7:       21,
	R8:       22,
	R9:       23,
	R10:      24,
	R11:      25,
	R12:      26,
}

var arm64CalleeSaved = []int{19, 20, 21, 22, 23, 24, 25, 26}

const (
	arm64FrameMemBase = 0
	arm64FrameMemSize = 8
	arm64FrameGasPtr  = 16
	arm64FrameHostCtx = 24
	arm64FrameSize    = 32
)

type arm64Assembler struct {
	code []byte

	labels   []*Label
	fixups   []Fixup
	indirect []indirectEntry

	trapThunk, oogThunk, memViolThunk, divZeroThunk, epilogueLabel, indirectDispatch *Label
	thunksEmitted                                                                    bool
}

func newARM64() *arm64Assembler {
	return &arm64Assembler{}
}

func (a *arm64Assembler) Arch() Arch { return ARM64 }

func (a *arm64Assembler) pos() int { return len(a.code) }

func (a *arm64Assembler) emit(instr uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], instr)
	a.code = append(a.code, b[:]...)
}

func aphys(r Reg) uint32 {
	p, ok := arm64RegMap[r]
	if !ok {
		panic(fmt.Sprintf("asm/arm64: %v has no physical register (it is frame-resident)", r))
	}
	return uint32(p)
}

func sfBit(w Width) uint32 {
	if w == W64 {
		return 1
	}
	return 0
}

// --- instruction encoders ---------------------------------------------

func encAddSub(sub bool, setFlags bool, sf uint32, rd, rn, rm uint32) uint32 {
	var base uint32 = 0x0B000000
	if sub {
		base = 0x4B000000
	}
	if setFlags {
		base |= 1 << 29
	}
	return base | (sf << 31) | (rm << 16) | (rn << 5) | rd
}

// encAddSubImm encodes the immediate forms of ADD/SUB (imm12, no shift),
// distinct from encAddSub's shifted-register form: the two share no bit
// layout beyond the sf/op/S bits, so reusing the register encoder for an
// immediate operand would corrupt the instruction.
func encAddSubImm(sub bool, setFlags bool, sf uint32, rd, rn, imm12 uint32) uint32 {
	base := uint32(0x11000000)
	if sub {
		base = 0x51000000
	}
	if setFlags {
		base |= 1 << 29
	}
	return base | (sf << 31) | (imm12 << 10) | (rn << 5) | rd
}

func encLogical(op uint32, sf uint32, rd, rn, rm uint32) uint32 {
	// op: 0=AND, 1=ORR, 2=EOR, 3=ANDS
	return (sf << 31) | (op << 29) | 0x0A000000 | (rm << 16) | (rn << 5) | rd
}

func encMul(sf uint32, rd, rn, rm, ra uint32) uint32 {
	return (sf << 31) | 0x1B000000 | (rm << 16) | (ra << 10) | (rn << 5) | rd
}

func encMulh(signed bool, rd, rn, rm uint32) uint32 {
	base := uint32(0x9BC07C00) // UMULH
	if signed {
		base = 0x9B407C00 // SMULH
	}
	return base | (rm << 16) | (rn << 5) | rd
}

func encDiv(signed bool, sf uint32, rd, rn, rm uint32) uint32 {
	base := uint32(0x1AC00800) // UDIV
	if signed {
		base = 0x1AC00C00 // SDIV
	}
	return (sf << 31) | base | (rm << 16) | (rn << 5) | rd
}

func encShiftV(op uint32, sf uint32, rd, rn, rm uint32) uint32 {
	// op: 0=LSLV, 1=LSRV, 2=ASRV, 3=RORV
	return (sf << 31) | 0x1AC02000 | (op << 10) | (rm << 16) | (rn << 5) | rd
}

func encMovz(sf uint32, rd, imm16 uint32, hw uint32) uint32 {
	return (sf << 31) | 0xD2800000 | (hw << 21) | (imm16 << 5) | rd
}

func encMovk(sf uint32, rd, imm16 uint32, hw uint32) uint32 {
	return (sf << 31) | 0xF2800000 | (hw << 21) | (imm16 << 5) | rd
}

func encCset(sf uint32, rd uint32, cond uint32) uint32 {
	return (sf << 31) | 0x1A9F07E0 | (invertCond(cond) << 12) | rd
}

func encCsel(sf uint32, rd, rn, rm uint32, cond uint32) uint32 {
	return (sf << 31) | 0x1A800000 | (rm << 16) | (cond << 12) | (rn << 5) | rd
}

func encLdr(size uint32, signed bool, rt, rn, imm12 uint32) uint32 {
	var base uint32
	switch size {
	case 0: // byte
		base = 0x39400000
		if signed {
			base = 0x39800000
		}
	case 1: // halfword
		base = 0x79400000
		if signed {
			base = 0x79800000
		}
	case 2: // word
		base = 0xB9400000
		if signed {
			base = 0xB9800000
		}
	case 3: // doubleword
		base = 0xF9400000
	}
	return base | (imm12 << 10) | (rn << 5) | rt
}

func encStr(size uint32, rt, rn, imm12 uint32) uint32 {
	var base uint32
	switch size {
	case 0:
		base = 0x39000000
	case 1:
		base = 0x79000000
	case 2:
		base = 0xB9000000
	case 3:
		base = 0xF9000000
	}
	return base | (imm12 << 10) | (rn << 5) | rt
}

func encBCond(cond uint32, imm19 int32) uint32 {
	return 0x54000000 | ((uint32(imm19) & 0x7FFFF) << 5) | cond
}

func encB(imm26 int32) uint32 {
	return 0x14000000 | (uint32(imm26) & 0x3FFFFFF)
}

func encBR(rn uint32) uint32  { return 0xD61F0000 | (rn << 5) }
func encRET(rn uint32) uint32 { return 0xD65F0000 | (rn << 5) }

// encStp/encLdp encode the pre/post-indexed pair forms used for the
// callee-saved register save/restore sequences in Prologue/Epilogue.
func encStp(preIndex bool, rt, rt2, rn uint32, imm7 int32) uint32 {
	base := uint32(0xA8800000) // STP, post-index, 64-bit
	if preIndex {
		base = 0xA9800000
	}
	return base | ((uint32(imm7) & 0x7F) << 15) | (rt2 << 10) | (rn << 5) | rt
}

func encLdp(postIndex bool, rt, rt2, rn uint32, imm7 int32) uint32 {
	base := uint32(0xA8C00000) // LDP, post-index, 64-bit
	if !postIndex {
		base = 0xA9C00000
	}
	return base | ((uint32(imm7) & 0x7F) << 15) | (rt2 << 10) | (rn << 5) | rt
}

// cond encodes the A64 4-bit condition field.
func cond(c Cond) uint32 {
	switch c {
	case CondEq:
		return 0x0
	case CondNe:
		return 0x1
	case CondLtU:
		return 0x3 // CC/LO
	case CondGeU:
		return 0x2 // CS/HS
	case CondLtS:
		return 0xB // LT
	case CondGeS:
		return 0xA // GE
	case CondGtU:
		return 0x8 // HI
	case CondLeU:
		return 0x9 // LS
	case CondGtS:
		return 0xC // GT
	case CondLeS:
		return 0xD // LE
	default:
		panic("asm/arm64: unknown condition")
	}
}

func invertCond(c uint32) uint32 { return c ^ 1 }

// --- Assembler interface ------------------------------------------------

func (a *arm64Assembler) NewLabel(name string) *Label {
	l := &Label{name: name}
	a.labels = append(a.labels, l)
	return l
}

func (a *arm64Assembler) Bind(l *Label) {
	l.bound = true
	l.offset = a.pos()
}

func (a *arm64Assembler) Prologue() {
	// Save callee-saved registers as pairs, pre-indexed, growing the
	// stack downward by 16 bytes per pair.
	saved := arm64CalleeSaved
	for i := 0; i+1 < len(saved); i += 2 {
		a.emit(encStp(true, uint32(saved[i]), uint32(saved[i+1]), aSP, -2))
	}
	// Reserve the frame-slot area.
	a.emit(encAddSubImm(true, false, 1, aSP, aSP, uint32(arm64FrameSize)))

	// Incoming AAPCS64 args: x0=regs*, x1=memBase, x2=memSize, x3=gasPtr, x4=hostCtx.
	a.emit(encStr(3, 1, aSP, arm64FrameMemBase/8))
	a.emit(encStr(3, 2, aSP, arm64FrameMemSize/8))
	a.emit(encStr(3, 3, aSP, arm64FrameGasPtr/8))
	a.emit(encStr(3, 4, aSP, arm64FrameHostCtx/8))

	// Load the 13-slot register file (pointed to by x0) into the pinned
	// physical registers.
	for _, role := range []Reg{R0, R1, R2, R3, R4, R5, R6, R7, R8, R9, R10, R11, R12} {
		a.emit(encLdr(3, false, aphys(role), 0, uint32(int(role))))
	}
}

func (a *arm64Assembler) Epilogue() *Label {
	l := a.NewLabel("epilogue")
	a.Bind(l)
	a.epilogueLabel = l
	// x0 still holds the incoming regs pointer: nothing pins a guest
	// register to x0 and no helper reuses it as scratch, so it survives
	// untouched from the prologue to here. Write the final register file
	// back through it before the stack unwinds.
	for _, role := range []Reg{R0, R1, R2, R3, R4, R5, R6, R7, R8, R9, R10, R11, R12} {
		a.emit(encStr(3, aphys(role), 0, uint32(int(role))))
	}
	// AAPCS64 returns the exit code in x0; move it out of Scratch now that
	// x0's incoming pointer value is no longer needed.
	a.emit(encLogical(1, sfBit(W64), 0, aZR, aphys(Scratch)))
	a.emit(encAddSubImm(false, false, 1, aSP, aSP, uint32(arm64FrameSize)))
	saved := arm64CalleeSaved
	for i := len(saved) - 2; i >= 0; i -= 2 {
		a.emit(encLdp(true, uint32(saved[i]), uint32(saved[i+1]), aSP, 2))
	}
	a.emit(encRET(aLR))
	return l
}

func (a *arm64Assembler) MovImm(dst Reg, imm uint64, w Width) {
	p := aphys(dst)
	sf := sfBit(w)
	a.emit(encMovz(sf, p, uint32(imm&0xFFFF), 0))
	shifts := 1
	if w == W64 {
		shifts = 3
	}
	for i := 1; i <= shifts; i++ {
		chunk := uint32((imm >> (16 * uint(i))) & 0xFFFF)
		if chunk != 0 {
			a.emit(encMovk(sf, p, chunk, uint32(i)))
		}
	}
}

func (a *arm64Assembler) MovReg(dst, src Reg, w Width) {
	if dst == src && w == W64 {
		return
	}
	// ORR dst, xzr, src — the canonical AArch64 register-move idiom.
	a.emit(encLogical(1, sfBit(w), aphys(dst), aZR, aphys(src)))
}

func (a *arm64Assembler) ALU(op AluOp, dst, aSrc, b Reg, w Width) {
	sf := sfBit(w)
	d, s1, s2 := aphys(dst), aphys(aSrc), aphys(b)
	if op == OpDivU || op == OpDivS || op == OpRemU || op == OpRemS {
		a.emit(encAddSub(true, true, sf, aZR, s2, aZR)) // cmp b, #0
		a.condBranchFixup(CondEq, a.DivideByZeroThunk())
	}
	switch op {
	case OpAdd:
		a.emit(encAddSub(false, false, sf, d, s1, s2))
	case OpSub:
		a.emit(encAddSub(true, false, sf, d, s1, s2))
	case OpAnd:
		a.emit(encLogical(0, sf, d, s1, s2))
	case OpOr:
		a.emit(encLogical(1, sf, d, s1, s2))
	case OpXor:
		a.emit(encLogical(2, sf, d, s1, s2))
	case OpAndInv:
		a.emit(encLogical(0, sf, d, s1, s2) | (1 << 21)) // BIC: AND with N bit set
	case OpOrInv:
		a.emit(encLogical(1, sf, d, s1, s2) | (1 << 21)) // ORN
	case OpMul:
		a.emit(encMul(sf, d, s1, s2, aZR))
	case OpMulUpperUU:
		a.emit(encMulh(false, d, s1, s2))
	case OpMulUpperSS:
		a.emit(encMulh(true, d, s1, s2))
	case OpMulUpperSU:
		// AArch64 has no mixed signed*unsigned multiply-high: take the
		// unsigned upper half and subtract b when a is negative.
		a.MovImm(Scratch, 63, W64)
		a.emit(encShiftV(2, 1, aphys(Scratch), s1, aphys(Scratch))) // Scratch = a >> 63 (all ones if a < 0)
		a.emit(encLogical(0, 1, aphys(Scratch), aphys(Scratch), s2)) // Scratch = a < 0 ? b : 0
		a.emit(encMulh(false, aphys(Scratch2), s1, s2))
		a.emit(encAddSub(true, false, 1, d, aphys(Scratch2), aphys(Scratch)))
	case OpDivU:
		a.emit(encDiv(false, sf, d, s1, s2))
	case OpDivS:
		a.emit(encDiv(true, sf, d, s1, s2))
	case OpRemU, OpRemS:
		a.divRem(op, dst, aSrc, b, w)
		return
	case OpMax, OpMaxU, OpMin, OpMinU:
		a.minmax(op, dst, aSrc, b, w)
	default:
		panic(fmt.Sprintf("asm/arm64: unhandled ALU op %d", op))
	}
}

// divRem lowers remainder ops, which AArch64 has no direct instruction
// for: rem = a - (a/b)*b, computed into Scratch2 so dst may alias a or b.
func (a *arm64Assembler) divRem(op AluOp, dst, aSrc, b Reg, w Width) {
	sf := sfBit(w)
	signed := op == OpRemS
	a.emit(encDiv(signed, sf, aphys(Scratch2), aphys(aSrc), aphys(b)))
	// Scratch2 = (a/b)*b, then dst = a - Scratch2.
	a.emit(encMul(sf, aphys(Scratch2), aphys(Scratch2), aphys(b), aZR))
	a.emit(encAddSub(true, false, sf, aphys(dst), aphys(aSrc), aphys(Scratch2)))
}

func (a *arm64Assembler) Neg(dst, src Reg, w Width) {
	a.emit(encAddSub(true, false, sfBit(w), aphys(dst), aZR, aphys(src)))
}

func (a *arm64Assembler) minmax(op AluOp, dst, aSrc, b Reg, w Width) {
	sf := sfBit(w)
	// cmp a, b ; csel dst, a, b, <cond>
	a.emit(encAddSub(true, true, sf, aZR, aphys(aSrc), aphys(b)))
	var c Cond
	switch op {
	case OpMax:
		c = CondGtS
	case OpMaxU:
		c = CondGtU
	case OpMin:
		c = CondLtS
	case OpMinU:
		c = CondLtU
	}
	a.emit(encCsel(sf, aphys(dst), aphys(aSrc), aphys(b), cond(c)))
}

func (a *arm64Assembler) Shift(op ShiftOp, dst, aSrc, amount Reg, w Width) {
	sf := sfBit(w)
	switch op {
	case ShiftLogicalLeft:
		a.emit(encShiftV(0, sf, aphys(dst), aphys(aSrc), aphys(amount)))
	case ShiftLogicalRight:
		a.emit(encShiftV(1, sf, aphys(dst), aphys(aSrc), aphys(amount)))
	case ShiftArithRight:
		a.emit(encShiftV(2, sf, aphys(dst), aphys(aSrc), aphys(amount)))
	case RotateRight:
		a.emit(encShiftV(3, sf, aphys(dst), aphys(aSrc), aphys(amount)))
	case RotateLeft:
		// AArch64 has no left-rotate-by-register; rotate right by (width - amount).
		width := uint64(32)
		if w == W64 {
			width = 64
		}
		a.emit(encAddSub(true, false, sf, aphys(Scratch2), aZR, aphys(amount)))
		a.MovImm(Scratch, width, w)
		a.emit(encAddSub(false, false, sf, aphys(Scratch2), aphys(Scratch), aphys(Scratch2)))
		a.emit(encShiftV(3, sf, aphys(dst), aphys(aSrc), aphys(Scratch2)))
	}
}

func (a *arm64Assembler) SetCond(c Cond, dst, aSrc, b Reg, w Width) {
	sf := sfBit(w)
	a.emit(encAddSub(true, true, sf, aZR, aphys(aSrc), aphys(b))) // cmp a, b
	a.emit(encCset(sf, aphys(dst), cond(c)))
}

func (a *arm64Assembler) Cmov(wantZero bool, dst, condReg, src Reg, w Width) {
	sf := sfBit(w)
	a.emit(encAddSub(true, true, sf, aZR, aphys(condReg), aZR)) // cmp condReg, #0
	c := CondEq
	if !wantZero {
		c = CondNe
	}
	a.emit(encCsel(sf, aphys(dst), aphys(src), aphys(dst), cond(c)))
}

// --- memory -----------------------------------------------------------

// computeEffectiveAddress leaves the bounds-checked host pointer in
// Scratch, mirroring the amd64 backend's contract.
func (a *arm64Assembler) computeEffectiveAddress(hasBase bool, base Reg, offset int64, w Width) {
	if hasBase {
		a.MovImm(Scratch2, uint64(uint32(offset)), W32)
		a.emit(encAddSub(false, false, 1, aphys(Scratch2), aphys(base), aphys(Scratch2)))
	} else {
		a.MovImm(Scratch2, uint64(uint32(offset)), W32)
	}
	// if memSize < width: trap. cmp memSize, width ; b.lo violation
	a.emit(encLdr(3, false, aphys(Scratch), aSP, arm64FrameMemSize/8))
	a.emit(encAddSubImm(true, true, 1, aZR, aphys(Scratch), uint32(w)))
	a.condBranchFixup(CondLtU, a.MemViolationThunk())

	// if guestAddr > memSize-width: trap
	a.emit(encLdr(3, false, aphys(Scratch), aSP, arm64FrameMemSize/8))
	a.emit(encAddSubImm(true, false, 1, aphys(Scratch), aphys(Scratch), uint32(w))) // scratch = memSize - width
	a.emit(encAddSub(true, true, 1, aZR, aphys(Scratch), aphys(Scratch2)))          // cmp (memSize-width), guestAddr
	a.condBranchFixup(CondLtU, a.MemViolationThunk())

	a.emit(encLdr(3, false, aphys(Scratch), aSP, arm64FrameMemBase/8))
	a.emit(encAddSub(false, false, 1, aphys(Scratch), aphys(Scratch), aphys(Scratch2)))
}

func (a *arm64Assembler) condBranchFixup(c Cond, target *Label) {
	pos := a.pos()
	a.emit(encBCond(cond(c), 0))
	a.fixups = append(a.fixups, Fixup{patchAt: pos, instAt: pos, kind: fixupBCond19, target: target})
}

func (a *arm64Assembler) Load(dst Reg, hasBase bool, base Reg, offset int64, w Width, signExtend bool) {
	a.computeEffectiveAddress(hasBase, base, offset, w)
	var size uint32
	switch w {
	case W8:
		size = 0
	case W16:
		size = 1
	case W32:
		size = 2
	case W64:
		size = 3
	}
	a.emit(encLdr(size, signExtend && w != W64, aphys(dst), aphys(Scratch), 0))
}

func (a *arm64Assembler) Store(hasBase bool, base Reg, offset int64, src Reg, w Width) {
	a.computeEffectiveAddress(hasBase, base, offset, w)
	var size uint32
	switch w {
	case W8:
		size = 0
	case W16:
		size = 1
	case W32:
		size = 2
	case W64:
		size = 3
	}
	a.emit(encStr(size, aphys(src), aphys(Scratch), 0))
}

// --- control flow -------------------------------------------------------

func (a *arm64Assembler) Branch(c Cond, aSrc, b Reg, w Width, target *Label) {
	a.emit(encAddSub(true, true, sfBit(w), aZR, aphys(aSrc), aphys(b))) // cmp a, b
	a.condBranchFixup(c, target)
}

func (a *arm64Assembler) Jump(target *Label) {
	pos := a.pos()
	a.emit(encB(0))
	a.fixups = append(a.fixups, Fixup{patchAt: pos, instAt: pos, kind: fixupB26, target: target})
}

func (a *arm64Assembler) JumpIndirect(guestPCReg Reg) {
	a.MovReg(Scratch, guestPCReg, W32)
	a.Jump(a.dispatchLabel())
}

func (a *arm64Assembler) dispatchLabel() *Label {
	if a.indirectDispatch == nil {
		a.indirectDispatch = a.NewLabel("indirect-dispatch")
	}
	return a.indirectDispatch
}

func (a *arm64Assembler) RegisterIndirectTarget(guestPC uint32) {
	a.indirect = append(a.indirect, indirectEntry{guestPC: guestPC, hostOffset: a.pos()})
}

func (a *arm64Assembler) EmitIndirectTable() {
	sortIndirect(a.indirect)
	if a.indirectDispatch == nil {
		return
	}
	a.Bind(a.indirectDispatch)
	for _, e := range a.indirect {
		a.MovImm(Scratch2, uint64(e.guestPC), W32)
		a.emit(encAddSub(true, true, 0, aZR, aphys(Scratch), aphys(Scratch2)))
		a.condBranchFixup(CondEq, a.hostOffsetLabel(e.hostOffset))
	}
	a.Jump(a.TrapThunk())
}

func sortIndirect(e []indirectEntry) {
	for i := 1; i < len(e); i++ {
		for j := i; j > 0 && e[j-1].guestPC > e[j].guestPC; j-- {
			e[j-1], e[j] = e[j], e[j-1]
		}
	}
}

func (a *arm64Assembler) hostOffsetLabel(offset int) *Label {
	l := &Label{name: "indirect-target", bound: true, offset: offset}
	a.labels = append(a.labels, l)
	return l
}

func (a *arm64Assembler) SetExitCode(code int64) {
	a.MovImm(Scratch, uint64(code), W64)
}

func (a *arm64Assembler) SetExitCodeFromReg(src Reg) {
	a.MovReg(Scratch, src, W64)
}

func (a *arm64Assembler) sharedThunk(l **Label, code ExitCode) *Label {
	if *l != nil {
		return *l
	}
	*l = a.NewLabel(fmt.Sprintf("thunk-%d", code))
	return *l
}

func (a *arm64Assembler) TrapThunk() *Label         { return a.sharedThunk(&a.trapThunk, ExitTrap) }
func (a *arm64Assembler) OutOfGasThunk() *Label     { return a.sharedThunk(&a.oogThunk, ExitOutOfGas) }
func (a *arm64Assembler) MemViolationThunk() *Label { return a.sharedThunk(&a.memViolThunk, ExitMemViolation) }
func (a *arm64Assembler) DivideByZeroThunk() *Label { return a.sharedThunk(&a.divZeroThunk, ExitDivideByZero) }

func (a *arm64Assembler) emitThunks() {
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

func (a *arm64Assembler) GasCheck(cost int64) {
	a.emit(encLdr(3, false, aphys(Scratch), aSP, arm64FrameGasPtr/8))
	a.emit(encLdr(3, false, aphys(Scratch2), aphys(Scratch), 0))
	a.emit(encAddSubImm(true, false, 1, aphys(Scratch2), aphys(Scratch2), uint32(cost)))
	a.emit(encStr(3, aphys(Scratch2), aphys(Scratch), 0))
	a.emit(encAddSub(true, true, 1, aZR, aphys(Scratch2), aZR)) // cmp scratch2, #0
	a.condBranchFixup(CondLtS, a.OutOfGasThunk())
}

func (a *arm64Assembler) Finalize() (*CodeBuffer, error) {
	if !a.thunksEmitted {
		a.emitThunks()
	}
	for _, f := range a.fixups {
		if !f.target.bound {
			return nil, fmt.Errorf("asm/arm64: unresolved fixup to label %q", f.target.name)
		}
		delta := f.target.offset - f.instAt
		words := int32(delta / 4)
		switch f.kind {
		case fixupB26:
			instr := binary.LittleEndian.Uint32(a.code[f.instAt : f.instAt+4])
			instr = (instr &^ 0x3FFFFFF) | (uint32(words) & 0x3FFFFFF)
			binary.LittleEndian.PutUint32(a.code[f.instAt:f.instAt+4], instr)
		case fixupBCond19, fixupCBZ19:
			instr := binary.LittleEndian.Uint32(a.code[f.instAt : f.instAt+4])
			instr = (instr &^ (0x7FFFF << 5)) | ((uint32(words) & 0x7FFFF) << 5)
			binary.LittleEndian.PutUint32(a.code[f.instAt:f.instAt+4], instr)
		default:
			return nil, fmt.Errorf("asm/arm64: unsupported fixup kind %d", f.kind)
		}
	}
	return buildCodeBuffer(a.code)
}
