package compiler

import (
	"fmt"

	"github.com/Urethramancer/pvmjit/asm"
	"github.com/Urethramancer/pvmjit/pvm"
)

// lowerInstruction dispatches a single decoded instruction to the family
// handler that knows its asm.Assembler calls. pc is the instruction's own
// address, size its length in bytes (so the handler can compute a
// fallthrough target without re-walking the boundary bitmask).
func (c *compilation) lowerInstruction(inst pvm.Instruction, pc, size uint32) error {
	switch inst.Op {
	case pvm.Trap:
		c.a.Jump(c.a.TrapThunk())
		return nil
	case pvm.Fallthrough:
		return nil
	case pvm.Halt:
		c.a.SetExitCode(int64(asm.ExitHalt))
		c.a.Jump(c.exitLabel)
		return nil
	case pvm.Ecalli:
		// Positive exit codes are ecalli index+1, per the host call-out
		// contract; the host side recovers the index by subtracting one.
		c.a.SetExitCode(int64(inst.ImmU64) + 1)
		c.a.Jump(c.exitLabel)
		return nil

	case pvm.Jump:
		c.a.Jump(c.labelFor(inst.Target))
		return nil
	case pvm.JumpInd:
		c.a.JumpIndirect(asm.PVM(uint8(inst.Dst)))
		return nil
	case pvm.LoadImmJump:
		c.a.MovImm(asm.PVM(uint8(inst.Dst)), inst.ImmU64, asm.W32)
		c.a.Jump(c.labelFor(inst.Target))
		return nil
	case pvm.LoadImmJumpInd:
		c.a.MovImm(asm.PVM(uint8(inst.Dst)), inst.ImmU64, asm.W32)
		c.a.MovImm(asm.Scratch2, uint64(uint32(inst.Offset32)), asm.W64)
		c.a.ALU(asm.OpAdd, asm.Scratch2, asm.Scratch2, asm.PVM(uint8(inst.Dst)), asm.W64)
		c.a.JumpIndirect(asm.Scratch2)
		return nil
	}

	if cond, ok := branchRegCond[inst.Op]; ok {
		c.a.Branch(cond, asm.PVM(uint8(inst.Dst)), asm.PVM(uint8(inst.SrcA)), asm.W64, c.labelFor(inst.Target))
		c.a.Jump(c.labelFor(pc + size))
		return nil
	}
	if cond, ok := branchImmCond[inst.Op]; ok {
		c.a.MovImm(asm.Scratch, uint64(inst.ImmS32), asm.W64)
		c.a.Branch(cond, asm.PVM(uint8(inst.Dst)), asm.Scratch, asm.W64, c.labelFor(inst.Target))
		c.a.Jump(c.labelFor(pc + size))
		return nil
	}

	if c.lowerArith(inst) {
		return nil
	}
	if c.lowerMemory(inst) {
		return nil
	}
	return fmt.Errorf("no lowering registered for opcode %s", inst.Op)
}

var branchRegCond = map[pvm.Opcode]asm.Cond{
	pvm.BranchEq:  asm.CondEq,
	pvm.BranchNe:  asm.CondNe,
	pvm.BranchLtU: asm.CondLtU,
	pvm.BranchLtS: asm.CondLtS,
	pvm.BranchGeU: asm.CondGeU,
	pvm.BranchGeS: asm.CondGeS,
}

var branchImmCond = map[pvm.Opcode]asm.Cond{
	pvm.BranchEqImm:  asm.CondEq,
	pvm.BranchNeImm:  asm.CondNe,
	pvm.BranchLtUImm: asm.CondLtU,
	pvm.BranchLtSImm: asm.CondLtS,
	pvm.BranchGeUImm: asm.CondGeU,
	pvm.BranchGeSImm: asm.CondGeS,
}
