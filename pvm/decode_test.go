package pvm_test

import (
	"encoding/binary"
	"testing"

	"github.com/Urethramancer/pvmjit/pvm"
)

// buildImage assembles a byte stream from opcodes with inline operand
// bytes and derives a boundary bitmask from the caller-supplied lengths,
// following the same "feed bytes, check shape" style as the teacher's
// assembleAndMatchHex helper.
func buildImage(t *testing.T, parts ...[]byte) *pvm.Image {
	t.Helper()
	var code []byte
	var lengths []int
	for _, p := range parts {
		code = append(code, p...)
		lengths = append(lengths, len(p))
	}
	bitmask := make([]byte, (len(code)+7)/8)
	img := &pvm.Image{Bytes: code, Bitmask: bitmask}
	pc := uint32(0)
	for _, l := range lengths {
		img.SetBoundary(pc)
		pc += uint32(l)
	}
	return img
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func TestDecodeNoOperand(t *testing.T) {
	img := buildImage(t, []byte{byte(pvm.Trap)}, []byte{byte(pvm.Halt)})
	inst, size, err := pvm.Decode(img, 0)
	if err != nil {
		t.Fatalf("decode trap: %v", err)
	}
	if inst.Op != pvm.Trap || size != 1 {
		t.Fatalf("got op=%s size=%d, want trap/1", inst.Op, size)
	}
	inst, size, err = pvm.Decode(img, 1)
	if err != nil {
		t.Fatalf("decode halt: %v", err)
	}
	if inst.Op != pvm.Halt || size != 1 {
		t.Fatalf("got op=%s size=%d, want halt/1", inst.Op, size)
	}
}

func TestDecodeLoadImm64(t *testing.T) {
	body := append([]byte{1}, u64(0xDEADBEEFCAFEBABE)...)
	img := buildImage(t, append([]byte{byte(pvm.LoadImm64)}, body...))
	inst, size, err := pvm.Decode(img, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if size != 10 {
		t.Fatalf("size = %d, want 10", size)
	}
	if inst.Dst != 1 || inst.ImmU64 != 0xDEADBEEFCAFEBABE {
		t.Fatalf("got dst=%s imm=%#x", inst.Dst, inst.ImmU64)
	}
}

func TestDecodeLoadImm(t *testing.T) {
	body := append([]byte{2}, u32(7)...)
	img := buildImage(t, append([]byte{byte(pvm.LoadImm)}, body...))
	inst, size, err := pvm.Decode(img, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if size != 6 || inst.Dst != 2 || inst.ImmU64 != 7 {
		t.Fatalf("got size=%d dst=%s imm=%d", size, inst.Dst, inst.ImmU64)
	}
}

func TestDecodeAdd32ThreeReg(t *testing.T) {
	img := buildImage(t, []byte{byte(pvm.Add32), 0, 1, 2})
	inst, size, err := pvm.Decode(img, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if size != 4 || inst.Dst != 0 || inst.SrcA != 1 || inst.SrcB != 2 {
		t.Fatalf("got size=%d dst=%s a=%s b=%s", size, inst.Dst, inst.SrcA, inst.SrcB)
	}
}

func TestDecodeJumpTarget(t *testing.T) {
	// Jump at pc=4 with offset -4 should target pc 0.
	img := buildImage(t, []byte{0, 0, 0, 0}, append([]byte{byte(pvm.Jump)}, u32(0xFFFFFFFC)...))
	inst, size, err := pvm.Decode(img, 4)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if size != 5 || inst.Target != 0 {
		t.Fatalf("got size=%d target=%d, want 5/0", size, inst.Target)
	}
}

func TestDecodeBranchEqTarget(t *testing.T) {
	img := buildImage(t, append([]byte{byte(pvm.BranchEq), 1, 2}, u32(6)...))
	inst, _, err := pvm.Decode(img, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if inst.Dst != 1 || inst.SrcA != 2 || inst.Target != 6 {
		t.Fatalf("got dst=%s a=%s target=%d", inst.Dst, inst.SrcA, inst.Target)
	}
}

func TestDecodeUnknownOpcode(t *testing.T) {
	img := buildImage(t, []byte{0xFF})
	if _, _, err := pvm.Decode(img, 0); err == nil {
		t.Fatalf("expected error for unknown opcode")
	}
}

func TestDecodeTruncatedOperand(t *testing.T) {
	img := buildImage(t, []byte{byte(pvm.LoadImm64), 1, 2, 3})
	if _, _, err := pvm.Decode(img, 0); err == nil {
		t.Fatalf("expected error for truncated operand")
	}
}

func TestDecodeRejectsNonBoundaryPC(t *testing.T) {
	img := buildImage(t, []byte{byte(pvm.LoadImm64), 1, 2, 3, 4, 5, 6, 7, 8, 9})
	if _, _, err := pvm.Decode(img, 3); err == nil {
		t.Fatalf("expected error decoding mid-instruction pc")
	}
}
