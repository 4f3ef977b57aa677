// Package compiler drives the asm.Assembler one basic block at a time,
// turning a pvm.Image's reachable instructions into a native CodeBuffer.
// It never branches on target architecture itself; that is entirely
// asm.Assembler's job, per the specification's two-backend design note.
package compiler

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Urethramancer/pvmjit/asm"
	"github.com/Urethramancer/pvmjit/cfg"
	"github.com/Urethramancer/pvmjit/pvm"
)

// Options configures a single compilation. It is passed by value rather
// than through package-level state, so concurrent compilations never
// share mutable configuration.
type Options struct {
	Arch      asm.Arch
	GasWeight int64 // gas charged per instruction; zero means 1
	Logger    zerolog.Logger
}

// Compile implements the six-step recompilation pipeline: recover the
// control-flow graph, allocate a label per block entry, emit the
// prologue, lower every reachable block in program order, emit the
// indirect-dispatch table, and finalize into an executable CodeBuffer.
func Compile(img *pvm.Image, entry uint32, opts Options) (*asm.CodeBuffer, error) {
	if opts.GasWeight == 0 {
		opts.GasWeight = 1
	}
	// The zero value of zerolog.Logger has a nil writer and silently drops
	// every event, serving as the no-op default without an explicit check.
	logger := opts.Logger

	graph, err := cfg.Build(img, entry)
	if err != nil {
		return nil, fmt.Errorf("compiler: building control-flow graph: %w", err)
	}
	logger.Debug().Uint32("entry", entry).Int("blocks", len(graph.Blocks)).Msg("cfg recovered")

	a, err := asm.New(opts.Arch)
	if err != nil {
		return nil, fmt.Errorf("compiler: %w", err)
	}

	c := &compilation{
		img:    img,
		graph:  graph,
		a:      a,
		opts:   opts,
		logger: logger,
		labels: make(map[uint32]*asm.Label, len(graph.Blocks)),
	}
	for _, b := range graph.Blocks {
		c.labels[b.Start] = a.NewLabel(fmt.Sprintf("pc_%d", b.Start))
	}
	c.exitLabel = a.NewLabel("exit")

	a.Prologue()
	for _, b := range graph.Blocks {
		if err := c.lowerBlock(b); err != nil {
			return nil, fmt.Errorf("compiler: lowering block at pc %d: %w", b.Start, err)
		}
	}
	a.Bind(c.exitLabel)
	a.Epilogue()
	a.EmitIndirectTable()

	buf, err := a.Finalize()
	if err != nil {
		return nil, fmt.Errorf("compiler: %w", err)
	}
	logger.Debug().Int("bytes", buf.Size).Msg("code buffer finalized")
	return buf, nil
}

// compilation holds per-call state threaded through the lowering
// functions, replacing what would otherwise be a long fixed parameter
// list repeated on every lower* call.
type compilation struct {
	img       *pvm.Image
	graph     cfg.Result
	a         asm.Assembler
	opts      Options
	logger    zerolog.Logger
	labels    map[uint32]*asm.Label
	exitLabel *asm.Label
}

// labelFor returns the label bound at pc if pc begins a recovered block,
// or the trap thunk if pc is not a known, reachable destination: a
// direct jump or branch to a PC that begins no recovered block cannot
// be resolved to real code, so it traps instead of producing a dangling
// fixup.
func (c *compilation) labelFor(pc uint32) *asm.Label {
	if l, ok := c.labels[pc]; ok {
		return l
	}
	return c.a.TrapThunk()
}

func (c *compilation) lowerBlock(b cfg.BlockRange) error {
	if l, ok := c.labels[b.Start]; ok {
		c.a.Bind(l)
	}
	c.a.RegisterIndirectTarget(b.Start)

	type decoded struct {
		inst pvm.Instruction
		pc   uint32
		size uint32
	}
	var block []decoded
	for pc := b.Start; pc < b.End; {
		inst, size, err := pvm.Decode(c.img, pc)
		if err != nil {
			return err
		}
		block = append(block, decoded{inst, pc, size})
		pc += size
	}
	c.a.GasCheck(int64(len(block)) * c.opts.GasWeight)

	for _, d := range block {
		if err := c.lowerInstruction(d.inst, d.pc, d.size); err != nil {
			return err
		}
	}
	return nil
}
