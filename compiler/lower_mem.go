package compiler

import (
	"github.com/Urethramancer/pvmjit/asm"
	"github.com/Urethramancer/pvmjit/pvm"
)

type memForm struct {
	w      asm.Width
	signed bool
}

var loadForms = map[pvm.Opcode]memForm{
	pvm.LoadU8:  {asm.W8, false},
	pvm.LoadI8:  {asm.W8, true},
	pvm.LoadU16: {asm.W16, false},
	pvm.LoadI16: {asm.W16, true},
	pvm.LoadU32: {asm.W32, false},
	pvm.LoadI32: {asm.W32, true},
	pvm.LoadU64: {asm.W64, false},

	pvm.LoadIndU8:  {asm.W8, false},
	pvm.LoadIndI8:  {asm.W8, true},
	pvm.LoadIndU16: {asm.W16, false},
	pvm.LoadIndI16: {asm.W16, true},
	pvm.LoadIndU32: {asm.W32, false},
	pvm.LoadIndI32: {asm.W32, true},
	pvm.LoadIndU64: {asm.W64, false},
}

var storeWidths = map[pvm.Opcode]asm.Width{
	pvm.StoreU8:  asm.W8,
	pvm.StoreU16: asm.W16,
	pvm.StoreU32: asm.W32,
	pvm.StoreU64: asm.W64,

	pvm.StoreImmU8:  asm.W8,
	pvm.StoreImmU16: asm.W16,
	pvm.StoreImmU32: asm.W32,
	pvm.StoreImmU64: asm.W64,

	pvm.StoreIndU8:  asm.W8,
	pvm.StoreIndU16: asm.W16,
	pvm.StoreIndU32: asm.W32,
	pvm.StoreIndU64: asm.W64,
}

var directForm = map[pvm.Opcode]bool{
	pvm.LoadU8: true, pvm.LoadI8: true, pvm.LoadU16: true, pvm.LoadI16: true,
	pvm.LoadU32: true, pvm.LoadI32: true, pvm.LoadU64: true,
	pvm.StoreU8: true, pvm.StoreU16: true, pvm.StoreU32: true, pvm.StoreU64: true,
	pvm.StoreImmU8: true, pvm.StoreImmU16: true, pvm.StoreImmU32: true, pvm.StoreImmU64: true,
}

// lowerMemory handles load_imm/load_imm_64 and every load/store family
// (direct, register-immediate-addressed store, and base+offset indirect).
// It reports whether inst.Op belonged to this family.
func (c *compilation) lowerMemory(inst pvm.Instruction) bool {
	switch inst.Op {
	case pvm.LoadImm:
		c.a.MovImm(asm.PVM(uint8(inst.Dst)), inst.ImmU64, asm.W32)
		return true
	case pvm.LoadImm64:
		c.a.MovImm(asm.PVM(uint8(inst.Dst)), inst.ImmU64, asm.W64)
		return true
	}

	if form, ok := loadForms[inst.Op]; ok {
		if directForm[inst.Op] {
			c.a.Load(asm.PVM(uint8(inst.Dst)), false, 0, int64(inst.Address), form.w, form.signed)
		} else {
			c.a.Load(asm.PVM(uint8(inst.Dst)), true, asm.PVM(uint8(inst.SrcA)), int64(inst.Offset32), form.w, form.signed)
		}
		return true
	}

	w, ok := storeWidths[inst.Op]
	if !ok {
		return false
	}
	switch inst.Op {
	case pvm.StoreImmU8, pvm.StoreImmU16, pvm.StoreImmU32, pvm.StoreImmU64:
		c.a.MovImm(asm.Scratch, inst.ImmU64, asm.W64)
		c.a.Store(false, 0, int64(inst.Address), asm.Scratch, w)
	case pvm.StoreU8, pvm.StoreU16, pvm.StoreU32, pvm.StoreU64:
		c.a.Store(false, 0, int64(inst.Address), asm.PVM(uint8(inst.Dst)), w)
	default:
		// StoreInd* family: Dst carries the value register, SrcA the base.
		c.a.Store(true, asm.PVM(uint8(inst.SrcA)), int64(inst.Offset32), asm.PVM(uint8(inst.Dst)), w)
	}
	return true
}
