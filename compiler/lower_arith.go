package compiler

import (
	"github.com/Urethramancer/pvmjit/asm"
	"github.com/Urethramancer/pvmjit/pvm"
)

type aluForm struct {
	op asm.AluOp
	w  asm.Width
}

var aluTable = map[pvm.Opcode]aluForm{
	pvm.Add32: {asm.OpAdd, asm.W32}, pvm.Add64: {asm.OpAdd, asm.W64},
	pvm.Sub32: {asm.OpSub, asm.W32}, pvm.Sub64: {asm.OpSub, asm.W64},
	pvm.Mul32: {asm.OpMul, asm.W32}, pvm.Mul64: {asm.OpMul, asm.W64},

	pvm.MulUpperSS: {asm.OpMulUpperSS, asm.W64},
	pvm.MulUpperUU: {asm.OpMulUpperUU, asm.W64},
	pvm.MulUpperSU: {asm.OpMulUpperSU, asm.W64},

	pvm.DivU32: {asm.OpDivU, asm.W32}, pvm.DivS32: {asm.OpDivS, asm.W32},
	pvm.DivU64: {asm.OpDivU, asm.W64}, pvm.DivS64: {asm.OpDivS, asm.W64},
	pvm.RemU32: {asm.OpRemU, asm.W32}, pvm.RemS32: {asm.OpRemS, asm.W32},
	pvm.RemU64: {asm.OpRemU, asm.W64}, pvm.RemS64: {asm.OpRemS, asm.W64},

	pvm.And:    {asm.OpAnd, asm.W64},
	pvm.Or:     {asm.OpOr, asm.W64},
	pvm.Xor:    {asm.OpXor, asm.W64},
	pvm.AndInv: {asm.OpAndInv, asm.W64},
	pvm.OrInv:  {asm.OpOrInv, asm.W64},

	pvm.Max:  {asm.OpMax, asm.W64},
	pvm.MaxU:   {asm.OpMaxU, asm.W64},
	pvm.MinU:   {asm.OpMinU, asm.W64},
	pvm.MinS:   {asm.OpMin, asm.W64},
}

// setCondTable covers the SetLt*/SetGt* family, lowered through
// Assembler.SetCond rather than ALU since they compare rather than compute.
var setCondTable = map[pvm.Opcode]asm.Cond{
	pvm.SetLtU: asm.CondLtU,
	pvm.SetLtS: asm.CondLtS,
	pvm.SetGtU: asm.CondGtU,
	pvm.SetGtS: asm.CondGtS,
}

type shiftForm struct {
	op asm.ShiftOp
	w  asm.Width
}

var shiftTable = map[pvm.Opcode]shiftForm{
	pvm.Shlo32:  {asm.ShiftLogicalLeft, asm.W32},
	pvm.Shlo64:  {asm.ShiftLogicalLeft, asm.W64},
	pvm.ShloR32: {asm.ShiftLogicalRight, asm.W32},
	pvm.ShloR64: {asm.ShiftLogicalRight, asm.W64},
	pvm.SharR32: {asm.ShiftArithRight, asm.W32},
	pvm.SharR64: {asm.ShiftArithRight, asm.W64},
	pvm.Rot32:   {asm.RotateLeft, asm.W32},
	pvm.Rot64:   {asm.RotateLeft, asm.W64},
	pvm.RotR32:  {asm.RotateRight, asm.W32},
	pvm.RotR64:  {asm.RotateRight, asm.W64},
}

// lowerArith handles the three-register arithmetic/bitwise/shift/compare/
// cmov/move/negate family. It reports whether inst.Op belonged to this
// family at all, so lowerInstruction can fall through to the memory family
// on a miss.
func (c *compilation) lowerArith(inst pvm.Instruction) bool {
	dst, a, b := asm.PVM(uint8(inst.Dst)), asm.PVM(uint8(inst.SrcA)), asm.PVM(uint8(inst.SrcB))

	if cond, ok := setCondTable[inst.Op]; ok {
		c.a.SetCond(cond, dst, a, b, asm.W64)
		return true
	}
	if form, ok := shiftTable[inst.Op]; ok {
		c.a.Shift(form.op, dst, a, b, form.w)
		return true
	}
	if form, ok := aluTable[inst.Op]; ok {
		c.a.ALU(form.op, dst, a, b, form.w)
		return true
	}

	switch inst.Op {
	case pvm.CmovIfZero:
		c.a.Cmov(true, dst, b, a, asm.W64)
		return true
	case pvm.CmovIfNotZero:
		c.a.Cmov(false, dst, b, a, asm.W64)
		return true
	case pvm.MoveReg:
		c.a.MovReg(dst, a, asm.W64)
		return true
	case pvm.Neg32:
		c.a.Neg(dst, a, asm.W32)
		return true
	case pvm.Neg64:
		c.a.Neg(dst, a, asm.W64)
		return true
	}
	return false
}
