package pvm

import (
	"encoding/binary"
	"fmt"
)

// Decode implements the bytecode reader contract: given an image and a
// byte offset that the boundary bitmask marks as an instruction start, it
// returns the decoded instruction and its size in bytes. The distance to
// the next set bit in the bitmask (or to the end of the image) is always
// the authoritative instruction length; Decode never re-derives size from
// the opcode's nominal operand layout, per the Design Notes in the
// specification.
func Decode(img *Image, pc uint32) (Instruction, uint32, error) {
	if uint64(pc) >= uint64(len(img.Bytes)) {
		return Instruction{}, 0, fmt.Errorf("pvm: pc %d out of range (image is %d bytes)", pc, len(img.Bytes))
	}
	if !img.BoundaryAt(pc) {
		return Instruction{}, 0, fmt.Errorf("pvm: pc %d is not a boundary", pc)
	}

	size := img.NextBoundaryAfter(pc) - pc
	op := Opcode(img.Bytes[pc])
	info, ok := opcodeTable[op]
	if !ok {
		return Instruction{}, 0, fmt.Errorf("pvm: unknown opcode 0x%02x at pc %d", byte(op), pc)
	}

	body := img.Bytes[pc+1 : pc+size]
	inst := Instruction{Op: op, Size: size}

	var err error
	switch info.fam {
	case famNoOperand:
		// nothing to decode
	case famOneImm:
		err = decodeOneImm(body, &inst)
	case famReg64Imm:
		err = decodeReg64Imm(body, &inst)
	case famReg32Value:
		err = decodeReg32Value(body, &inst)
	case famRegAddr32:
		err = decodeRegAddr32(body, &inst)
	case famAddr32Value:
		err = decodeAddr32Value(body, &inst, info.width)
	case famOffset32:
		err = decodeOffset32(body, &inst, pc)
	case famRegOffset:
		err = decodeRegOffset(body, &inst)
	case famRegImmOffset:
		err = decodeRegImmOffset(body, &inst, pc, op)
	case famTwoRegOffset:
		err = decodeTwoRegOffset(body, &inst, pc, op)
	case famThreeReg:
		err = decodeThreeReg(body, &inst)
	default:
		err = fmt.Errorf("pvm: opcode %s has no registered family", op)
	}
	if err != nil {
		return Instruction{}, 0, fmt.Errorf("pvm: decoding %s at pc %d: %w", op, pc, err)
	}
	return inst, size, nil
}

func need(body []byte, n int) error {
	if len(body) < n {
		return fmt.Errorf("truncated operand: need %d bytes, have %d", n, len(body))
	}
	return nil
}

func decodeOneImm(body []byte, inst *Instruction) error {
	if err := need(body, 4); err != nil {
		return err
	}
	inst.ImmU64 = uint64(binary.LittleEndian.Uint32(body))
	return nil
}

func decodeReg64Imm(body []byte, inst *Instruction) error {
	if err := need(body, 9); err != nil {
		return err
	}
	inst.Dst = Reg(body[0])
	inst.ImmU64 = binary.LittleEndian.Uint64(body[1:9])
	return nil
}

func decodeReg32Value(body []byte, inst *Instruction) error {
	if err := need(body, 5); err != nil {
		return err
	}
	inst.Dst = Reg(body[0])
	inst.ImmU64 = uint64(binary.LittleEndian.Uint32(body[1:5]))
	return nil
}

func decodeRegAddr32(body []byte, inst *Instruction) error {
	if err := need(body, 5); err != nil {
		return err
	}
	inst.Dst = Reg(body[0])
	inst.Address = binary.LittleEndian.Uint32(body[1:5])
	return nil
}

func decodeAddr32Value(body []byte, inst *Instruction, width byte) error {
	if err := need(body, 4); err != nil {
		return err
	}
	inst.Address = binary.LittleEndian.Uint32(body[0:4])
	rest := body[4:]
	if err := need(rest, int(width)); err != nil {
		return err
	}
	var v uint64
	switch width {
	case 1:
		v = uint64(rest[0])
	case 2:
		v = uint64(binary.LittleEndian.Uint16(rest))
	case 4:
		v = uint64(binary.LittleEndian.Uint32(rest))
	case 8:
		v = binary.LittleEndian.Uint64(rest)
	default:
		return fmt.Errorf("unsupported store-immediate width %d", width)
	}
	inst.ImmU64 = v
	return nil
}

func decodeOffset32(body []byte, inst *Instruction, pc uint32) error {
	if err := need(body, 4); err != nil {
		return err
	}
	off := int32(binary.LittleEndian.Uint32(body[0:4]))
	inst.BranchOffset = off
	inst.Target = uint32(int64(pc) + int64(off))
	return nil
}

func decodeRegOffset(body []byte, inst *Instruction) error {
	if err := need(body, 1); err != nil {
		return err
	}
	inst.Dst = Reg(body[0])
	return nil
}

// decodeRegImmOffset handles LoadImmJump/LoadImmJumpInd (reg + 32-bit value
// + 32-bit offset) and the register/immediate branch forms (reg + 32-bit
// immediate comparand + signed 32-bit branch offset). LoadImmJump's offset
// is unsigned and PC-relative, resolving to a compile-time Target;
// LoadImmJumpInd's offset is an unsigned displacement added to Dst's
// runtime value at the indirect jump site, recorded in Offset32 since the
// target is not known until the jump executes. Branch-immediate's offset
// is signed and PC-relative, like the register/register branch forms.
func decodeRegImmOffset(body []byte, inst *Instruction, pc uint32, op Opcode) error {
	if err := need(body, 9); err != nil {
		return err
	}
	inst.Dst = Reg(body[0])
	inst.ImmU64 = uint64(binary.LittleEndian.Uint32(body[1:5]))
	inst.ImmS32 = int32(inst.ImmU64)

	switch op {
	case LoadImmJump:
		off := binary.LittleEndian.Uint32(body[5:9])
		inst.Target = pc + off
		return nil
	case LoadImmJumpInd:
		inst.Offset32 = int32(binary.LittleEndian.Uint32(body[5:9]))
		return nil
	default:
		off := int32(binary.LittleEndian.Uint32(body[5:9]))
		inst.BranchOffset = off
		inst.Target = uint32(int64(pc) + int64(off))
		return nil
	}
}

// decodeTwoRegOffset handles LoadInd*/StoreInd* (dst reg + base reg + 32-bit
// offset, used as an unsigned byte offset) and Branch* register/register
// forms (reg + reg + signed 32-bit PC-relative branch offset).
func decodeTwoRegOffset(body []byte, inst *Instruction, pc uint32, op Opcode) error {
	if err := need(body, 6); err != nil {
		return err
	}
	inst.Dst = Reg(body[0])
	inst.SrcA = Reg(body[1])
	raw := binary.LittleEndian.Uint32(body[2:6])

	if op.IsConditionalBranch() {
		off := int32(raw)
		inst.BranchOffset = off
		inst.Target = uint32(int64(pc) + int64(off))
		return nil
	}
	inst.Offset32 = int32(raw)
	return nil
}

func decodeThreeReg(body []byte, inst *Instruction) error {
	if err := need(body, 3); err != nil {
		return err
	}
	inst.Dst = Reg(body[0])
	inst.SrcA = Reg(body[1])
	inst.SrcB = Reg(body[2])
	return nil
}
