package pvmjit_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/Urethramancer/pvmjit"
	"github.com/Urethramancer/pvmjit/pvm"
)

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// See scenario_test.go for tests that call Program.Run against the
// compiled native code. These only check that Compile succeeds and
// produces a releasable Program.
func TestCompileBothArchitectures(t *testing.T) {
	image := append([]byte{byte(pvm.Halt)})
	bitmask := []byte{0x01}
	for _, arch := range []string{"x86_64", "aarch64"} {
		t.Run(arch, func(t *testing.T) {
			prog, err := pvmjit.Compile(image, bitmask, 0, arch, pvmjit.Options{})
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if err := prog.Release(); err != nil {
				t.Fatalf("Release: %v", err)
			}
		})
	}
}

func TestCompileRejectsUnknownArch(t *testing.T) {
	image := []byte{byte(pvm.Halt)}
	bitmask := []byte{0x01}
	_, err := pvmjit.Compile(image, bitmask, 0, "riscv64", pvmjit.Options{})
	if err == nil {
		t.Fatalf("expected an error for an unsupported architecture")
	}
	var ce *pvmjit.CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("expected a *pvmjit.CompileError, got %T", err)
	}
}

func TestCompileRejectsShortBitmask(t *testing.T) {
	image := append([]byte{byte(pvm.LoadImm), 0}, u32(1)...)
	_, err := pvmjit.Compile(image, nil, 0, "x86_64", pvmjit.Options{})
	if err == nil {
		t.Fatalf("expected an error for a bitmask too short to cover the image")
	}
}
