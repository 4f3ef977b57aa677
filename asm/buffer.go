package asm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// CodeBuffer holds emitted native instructions. It transitions from
// writable to executable, non-writable exactly once, per the
// specification's resource model: compilation appends into a plain Go
// byte slice, and Finalize mmaps a fresh page-aligned region, copies the
// bytes in, and mprotects it PROT_READ|PROT_EXEC.
type CodeBuffer struct {
	mem   []byte // mmap'd, PROT_READ|PROT_EXEC after Finalize
	Entry uintptr
	Size  int
}

// buildCodeBuffer is called by each backend's Finalize with the final
// byte slice; it performs the writable -> executable transition.
func buildCodeBuffer(code []byte) (*CodeBuffer, error) {
	if len(code) == 0 {
		return nil, fmt.Errorf("asm: refusing to finalize an empty code buffer")
	}
	pageSize := unix.Getpagesize()
	size := (len(code) + pageSize - 1) / pageSize * pageSize

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("asm: mmap code buffer: %w", err)
	}
	copy(mem, code)

	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("asm: mprotect code buffer executable: %w", err)
	}

	buf := &CodeBuffer{mem: mem, Size: len(code)}
	buf.Entry = uintptr(unsafe.Pointer(&mem[0]))
	return buf, nil
}

// Bytes returns a read-only view of the emitted machine code. The backing
// mapping is executable and readable but not writable, so callers must not
// attempt to modify it; this is for disassembly/dump tooling, not patching.
func (b *CodeBuffer) Bytes() []byte {
	return b.mem[:b.Size]
}

// Addr returns the base address of the executable mapping. Turning it
// into a callable function pointer is the host VM shell's responsibility
// (spec.md's "host call dispatch" collaborator), not this package's.
func (b *CodeBuffer) Addr() uintptr {
	return b.Entry
}

// Release unmaps the code buffer. Callers must not invoke the entry point
// after calling Release.
func (b *CodeBuffer) Release() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}
