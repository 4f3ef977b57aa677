// Package pvm decodes PolkaVM bytecode images into a flat instruction record,
// following the boundary bitmask rather than re-deriving instruction size
// from the opcode byte alone.
package pvm

// Opcode identifies one of the PVM instruction forms. It is a plain byte
// tag, not an interface, so decode and emission both collapse to a single
// closed switch rather than virtual dispatch.
type Opcode byte

// Register indices run 0-12; operand fields not meaningful for a given
// opcode are left at their zero value.
const (
	Trap        Opcode = 0
	Fallthrough Opcode = 1
	Halt        Opcode = 2

	Ecalli Opcode = 10

	LoadImm   Opcode = 20
	LoadImm64 Opcode = 30

	Jump Opcode = 40

	JumpInd Opcode = 50

	LoadImmJump    Opcode = 60
	LoadImmJumpInd Opcode = 70

	// Direct-form loads/stores: effective address is a bare 32-bit immediate.
	LoadU8  Opcode = 80
	LoadI8  Opcode = 81
	LoadU16 Opcode = 82
	LoadI16 Opcode = 83
	LoadU32 Opcode = 84
	LoadI32 Opcode = 85
	LoadU64 Opcode = 86

	StoreU8  Opcode = 90
	StoreU16 Opcode = 91
	StoreU32 Opcode = 92
	StoreU64 Opcode = 93

	StoreImmU8  Opcode = 100
	StoreImmU16 Opcode = 101
	StoreImmU32 Opcode = 102
	StoreImmU64 Opcode = 103

	// Indirect-form loads/stores: effective address is base register + offset.
	LoadIndU8  Opcode = 110
	LoadIndI8  Opcode = 111
	LoadIndU16 Opcode = 112
	LoadIndI16 Opcode = 113
	LoadIndU32 Opcode = 114
	LoadIndI32 Opcode = 115
	LoadIndU64 Opcode = 116

	StoreIndU8  Opcode = 120
	StoreIndU16 Opcode = 121
	StoreIndU32 Opcode = 122
	StoreIndU64 Opcode = 123

	// Conditional branches, register/register form.
	BranchEq  Opcode = 170
	BranchNe  Opcode = 171
	BranchLtU Opcode = 172
	BranchLtS Opcode = 173
	BranchGeU Opcode = 174
	BranchGeS Opcode = 175

	// Conditional branches, register/immediate form.
	BranchEqImm  Opcode = 176
	BranchNeImm  Opcode = 177
	BranchLtUImm Opcode = 178
	BranchLtSImm Opcode = 179
	BranchGeUImm Opcode = 180
	BranchGeSImm Opcode = 181

	// Three-register arithmetic, bitwise, rotate, compare, cmov and move.
	Add32 Opcode = 190
	Add64 Opcode = 191
	Sub32 Opcode = 192
	Sub64 Opcode = 193
	Mul32 Opcode = 194
	Mul64 Opcode = 195

	MulUpperSS Opcode = 196
	MulUpperUU Opcode = 197
	MulUpperSU Opcode = 198

	DivU32 Opcode = 199
	DivS32 Opcode = 200
	DivU64 Opcode = 201
	DivS64 Opcode = 202
	RemU32 Opcode = 203
	RemS32 Opcode = 204
	RemU64 Opcode = 205
	RemS64 Opcode = 206

	And    Opcode = 207
	Or     Opcode = 208
	Xor    Opcode = 209
	AndInv Opcode = 210
	OrInv  Opcode = 211

	Shlo32  Opcode = 212
	Shlo64  Opcode = 213
	ShloR32 Opcode = 214
	ShloR64 Opcode = 215
	SharR32 Opcode = 216
	SharR64 Opcode = 217
	Rot32   Opcode = 218
	Rot64   Opcode = 219
	RotR32  Opcode = 220
	RotR64  Opcode = 221

	SetLtU Opcode = 222
	SetLtS Opcode = 223
	SetGtU Opcode = 224
	SetGtS Opcode = 225

	CmovIfZero    Opcode = 226
	CmovIfNotZero Opcode = 227

	Max  Opcode = 228
	MaxU Opcode = 229
	MinU Opcode = 230
	MinS Opcode = 231

	MoveReg Opcode = 232

	Neg32 Opcode = 233
	Neg64 Opcode = 234
)

// family classifies an opcode by its operand layout, matching the table in
// the specification's bytecode reader contract.
type family int

const (
	famNoOperand family = iota
	famOneImm
	famReg64Imm
	famReg32Value
	famRegAddr32 // direct-form load/store: reg + 32-bit address
	famAddr32Value
	famOffset32
	famRegOffset // 2-byte total: opcode + reg
	famRegImmOffset
	famTwoRegOffset // StoreInd/LoadInd/Branch reg-reg
	famThreeReg
)

type opInfo struct {
	name   string
	fam    family
	width  byte // access width in bytes, for load/store families; 0 otherwise
	signed bool // true for sign-extending loads / signed branch predicates
}

var opcodeTable = map[Opcode]opInfo{
	Trap:        {"trap", famNoOperand, 0, false},
	Fallthrough: {"fallthrough", famNoOperand, 0, false},
	Halt:        {"halt", famNoOperand, 0, false},

	Ecalli: {"ecalli", famOneImm, 0, false},

	LoadImm:   {"load_imm", famReg32Value, 0, false},
	LoadImm64: {"load_imm_64", famReg64Imm, 0, false},

	Jump: {"jump", famOffset32, 0, false},

	JumpInd: {"jump_ind", famRegOffset, 0, false},

	LoadImmJump:    {"load_imm_jump", famRegImmOffset, 0, false},
	LoadImmJumpInd: {"load_imm_jump_ind", famRegImmOffset, 0, false},

	LoadU8:  {"load_u8", famRegAddr32, 1, false},
	LoadI8:  {"load_i8", famRegAddr32, 1, true},
	LoadU16: {"load_u16", famRegAddr32, 2, false},
	LoadI16: {"load_i16", famRegAddr32, 2, true},
	LoadU32: {"load_u32", famRegAddr32, 4, false},
	LoadI32: {"load_i32", famRegAddr32, 4, true},
	LoadU64: {"load_u64", famRegAddr32, 8, false},

	StoreU8:  {"store_u8", famRegAddr32, 1, false},
	StoreU16: {"store_u16", famRegAddr32, 2, false},
	StoreU32: {"store_u32", famRegAddr32, 4, false},
	StoreU64: {"store_u64", famRegAddr32, 8, false},

	StoreImmU8:  {"store_imm_u8", famAddr32Value, 1, false},
	StoreImmU16: {"store_imm_u16", famAddr32Value, 2, false},
	StoreImmU32: {"store_imm_u32", famAddr32Value, 4, false},
	StoreImmU64: {"store_imm_u64", famAddr32Value, 8, false},

	LoadIndU8:  {"load_ind_u8", famTwoRegOffset, 1, false},
	LoadIndI8:  {"load_ind_i8", famTwoRegOffset, 1, true},
	LoadIndU16: {"load_ind_u16", famTwoRegOffset, 2, false},
	LoadIndI16: {"load_ind_i16", famTwoRegOffset, 2, true},
	LoadIndU32: {"load_ind_u32", famTwoRegOffset, 4, false},
	LoadIndI32: {"load_ind_i32", famTwoRegOffset, 4, true},
	LoadIndU64: {"load_ind_u64", famTwoRegOffset, 8, false},

	StoreIndU8:  {"store_ind_u8", famTwoRegOffset, 1, false},
	StoreIndU16: {"store_ind_u16", famTwoRegOffset, 2, false},
	StoreIndU32: {"store_ind_u32", famTwoRegOffset, 4, false},
	StoreIndU64: {"store_ind_u64", famTwoRegOffset, 8, false},

	BranchEq:  {"branch_eq", famTwoRegOffset, 0, false},
	BranchNe:  {"branch_ne", famTwoRegOffset, 0, false},
	BranchLtU: {"branch_lt_u", famTwoRegOffset, 0, false},
	BranchLtS: {"branch_lt_s", famTwoRegOffset, 0, true},
	BranchGeU: {"branch_ge_u", famTwoRegOffset, 0, false},
	BranchGeS: {"branch_ge_s", famTwoRegOffset, 0, true},

	BranchEqImm:  {"branch_eq_imm", famRegImmOffset, 0, false},
	BranchNeImm:  {"branch_ne_imm", famRegImmOffset, 0, false},
	BranchLtUImm: {"branch_lt_u_imm", famRegImmOffset, 0, false},
	BranchLtSImm: {"branch_lt_s_imm", famRegImmOffset, 0, true},
	BranchGeUImm: {"branch_ge_u_imm", famRegImmOffset, 0, false},
	BranchGeSImm: {"branch_ge_s_imm", famRegImmOffset, 0, true},

	Add32: {"add_32", famThreeReg, 0, false},
	Add64: {"add_64", famThreeReg, 0, false},
	Sub32: {"sub_32", famThreeReg, 0, false},
	Sub64: {"sub_64", famThreeReg, 0, false},
	Mul32: {"mul_32", famThreeReg, 0, false},
	Mul64: {"mul_64", famThreeReg, 0, false},

	MulUpperSS: {"mul_upper_s_s", famThreeReg, 0, true},
	MulUpperUU: {"mul_upper_u_u", famThreeReg, 0, false},
	MulUpperSU: {"mul_upper_s_u", famThreeReg, 0, true},

	DivU32: {"div_u_32", famThreeReg, 0, false},
	DivS32: {"div_s_32", famThreeReg, 0, true},
	DivU64: {"div_u_64", famThreeReg, 0, false},
	DivS64: {"div_s_64", famThreeReg, 0, true},
	RemU32: {"rem_u_32", famThreeReg, 0, false},
	RemS32: {"rem_s_32", famThreeReg, 0, true},
	RemU64: {"rem_u_64", famThreeReg, 0, false},
	RemS64: {"rem_s_64", famThreeReg, 0, true},

	And:    {"and", famThreeReg, 0, false},
	Or:     {"or", famThreeReg, 0, false},
	Xor:    {"xor", famThreeReg, 0, false},
	AndInv: {"and_inverted", famThreeReg, 0, false},
	OrInv:  {"or_inverted", famThreeReg, 0, false},

	Shlo32:  {"shift_logical_left_32", famThreeReg, 0, false},
	Shlo64:  {"shift_logical_left_64", famThreeReg, 0, false},
	ShloR32: {"shift_logical_right_32", famThreeReg, 0, false},
	ShloR64: {"shift_logical_right_64", famThreeReg, 0, false},
	SharR32: {"shift_arithmetic_right_32", famThreeReg, 0, true},
	SharR64: {"shift_arithmetic_right_64", famThreeReg, 0, true},
	Rot32:   {"rotate_left_32", famThreeReg, 0, false},
	Rot64:   {"rotate_left_64", famThreeReg, 0, false},
	RotR32:  {"rotate_right_32", famThreeReg, 0, false},
	RotR64:  {"rotate_right_64", famThreeReg, 0, false},

	SetLtU: {"set_lt_u", famThreeReg, 0, false},
	SetLtS: {"set_lt_s", famThreeReg, 0, true},
	SetGtU: {"set_gt_u", famThreeReg, 0, false},
	SetGtS: {"set_gt_s", famThreeReg, 0, true},

	CmovIfZero:    {"cmov_if_zero", famThreeReg, 0, false},
	CmovIfNotZero: {"cmov_if_not_zero", famThreeReg, 0, false},

	Max:  {"max", famThreeReg, 0, true},
	MaxU: {"max_u", famThreeReg, 0, false},
	MinU: {"min_u", famThreeReg, 0, false},
	MinS: {"min_s", famThreeReg, 0, true},

	MoveReg: {"move_reg", famThreeReg, 0, false},

	Neg32: {"neg_32", famThreeReg, 0, false},
	Neg64: {"neg_64", famThreeReg, 0, false},
}

// String implements fmt.Stringer for diagnostics, returning the mnemonic
// recorded for op in opcodeTable.
func (op Opcode) String() string {
	if info, ok := opcodeTable[op]; ok {
		return info.name
	}
	return "?unknown?"
}

// Known reports whether op has a registered decoding.
func (op Opcode) Known() bool {
	_, ok := opcodeTable[op]
	return ok
}

// IsTerminator reports whether op never falls through to pc+size.
func (op Opcode) IsTerminator() bool {
	switch op {
	case Trap, Halt, Jump, JumpInd, LoadImmJump, LoadImmJumpInd, Ecalli:
		return true
	default:
		return false
	}
}

// IsConditionalBranch reports whether op is one of the Branch* family,
// register/register or register/immediate form.
func (op Opcode) IsConditionalBranch() bool {
	switch op {
	case BranchEq, BranchNe, BranchLtU, BranchLtS, BranchGeU, BranchGeS,
		BranchEqImm, BranchNeImm, BranchLtUImm, BranchLtSImm, BranchGeUImm, BranchGeSImm:
		return true
	default:
		return false
	}
}

// IsDirectJump reports whether op is an unconditional jump whose target is
// computable at compile time (Jump, LoadImmJump).
func (op Opcode) IsDirectJump() bool {
	return op == Jump || op == LoadImmJump
}

// IsIndirectJump reports whether op's target depends on a runtime register
// value (JumpInd, LoadImmJumpInd).
func (op Opcode) IsIndirectJump() bool {
	return op == JumpInd || op == LoadImmJumpInd
}
