package pvm

import "fmt"

// Reg is a PVM general-purpose register index in [0, NumRegs).
type Reg uint8

// NumRegs is the size of the PVM register file.
const NumRegs = 13

// String renders a register the way the teacher renders m68k Dn/An
// registers, for use in diagnostics and disassembly.
func (r Reg) String() string {
	return fmt.Sprintf("r%d", uint8(r))
}

// Valid reports whether r addresses an existing register slot.
func (r Reg) Valid() bool {
	return uint8(r) < NumRegs
}

// Instruction is the decoded form of one bytecode opcode. It is a flat
// struct rather than a tagged union of per-opcode types: only the fields
// meaningful for Op's family are populated, the rest are left zero. This
// mirrors cpu.DecodedInstruction in the teacher, generalized from a
// fixed set of EA-mode fields to the PVM operand union described in the
// specification's data model.
type Instruction struct {
	Op   Opcode
	Size uint32 // total instruction length in bytes, including the opcode byte

	Dst  Reg
	SrcA Reg
	SrcB Reg

	ImmU64       uint64
	ImmS32       int32
	Address      uint32
	Offset32     int32
	BranchOffset int32

	// Target is the resolved absolute PC for direct jumps/branches; it is
	// filled in by Decode for the families that carry a PC-relative
	// displacement, so callers never need to redo the sign/zero-extension
	// arithmetic the specification documents in the CFG contract.
	Target uint32
}

// Image pairs a bytecode byte slice with its boundary bitmask. Both are
// immutable for the lifetime of a single compilation, matching the
// specification's lifecycle rules.
type Image struct {
	Bytes   []byte
	Bitmask []byte // one bit per byte of Bytes; bit i set means an instruction starts at byte i
}

// NewImage validates that bitmask is sized to cover bytes and returns an
// Image. It does not validate bit content beyond length.
func NewImage(bytes, bitmask []byte) (*Image, error) {
	want := (len(bytes) + 7) / 8
	if len(bitmask) < want {
		return nil, fmt.Errorf("pvm: bitmask too short: have %d bytes, need %d for image of %d bytes", len(bitmask), want, len(bytes))
	}
	return &Image{Bytes: bytes, Bitmask: bitmask}, nil
}

// BoundaryAt reports whether an instruction begins at byte offset pc.
func (img *Image) BoundaryAt(pc uint32) bool {
	if uint64(pc) >= uint64(len(img.Bytes)) {
		return false
	}
	byteIdx := pc / 8
	bitIdx := pc % 8
	return img.Bitmask[byteIdx]&(1<<bitIdx) != 0
}

// NextBoundaryAfter returns the smallest pc' > pc such that BoundaryAt(pc')
// holds, or len(img.Bytes) if no such boundary exists. This is how the
// reader determines an instruction's total byte length without decoding
// the operand encoding a second time.
func (img *Image) NextBoundaryAfter(pc uint32) uint32 {
	n := uint32(len(img.Bytes))
	for p := pc + 1; p < n; p++ {
		if img.BoundaryAt(p) {
			return p
		}
	}
	return n
}

// SetBoundary marks byte offset pc as an instruction start. Exposed for
// tests and for tools (cmd/pvmc) that synthesize a bitmask from a simple
// opcode-length table rather than consuming one produced by a loader.
func (img *Image) SetBoundary(pc uint32) {
	byteIdx := pc / 8
	bitIdx := pc % 8
	for int(byteIdx) >= len(img.Bitmask) {
		img.Bitmask = append(img.Bitmask, 0)
	}
	img.Bitmask[byteIdx] |= 1 << bitIdx
}
