// Package cfg recovers control-flow structure from a PVM bytecode image: a
// worklist walk from an entry PC that finds every reachable instruction and
// every jump target, without ever decoding past a boundary the bitmask does
// not mark, or past an opcode the reader does not know.
package cfg

import (
	"fmt"
	"sort"

	"github.com/Urethramancer/pvmjit/pvm"
)

// outOfRangeSentinel marks a jump target that fell outside the image or
// onto a non-boundary byte; it is recorded in JumpTargets (per the
// specification's closure invariant) but never appears in Reachable.
const outOfRangeSentinel = ^uint32(0)

// BlockRange is one maximal straight-line run, per the specification's
// basic-block definition: it starts at the entry PC or a jump target and
// ends immediately after a terminator or immediately before another jump
// target.
type BlockRange struct {
	Start uint32
	End   uint32 // exclusive; End == Start + sum of instruction sizes in the block
}

// Result is the output of Build.
type Result struct {
	Reachable   map[uint32]bool
	JumpTargets map[uint32]bool
	Blocks      []BlockRange
}

// Build implements the control-flow graph contract: a worklist seeded with
// entry is processed until empty, each PC decoded once, its successors
// computed per the opcode's control-transfer class.
func Build(img *pvm.Image, entry uint32) (Result, error) {
	res := Result{
		Reachable:   make(map[uint32]bool),
		JumpTargets: make(map[uint32]bool),
	}

	worklist := []uint32{entry}
	// blockStarts accumulates every PC that begins a basic block: the
	// entry PC plus every jump target that turns out to be reachable and
	// boundary-aligned. Sorted at the end to derive BlockRange from
	// terminator/jump-target splits in a single linear pass.
	blockStarts := map[uint32]bool{entry: true}

	for len(worklist) > 0 {
		pc := worklist[0]
		worklist = worklist[1:]

		if res.Reachable[pc] {
			continue
		}
		if uint64(pc) >= uint64(len(img.Bytes)) {
			continue
		}
		if !img.BoundaryAt(pc) {
			continue
		}

		inst, size, err := pvm.Decode(img, pc)
		if err != nil {
			return Result{}, fmt.Errorf("cfg: decoding pc %d: %w", pc, err)
		}
		res.Reachable[pc] = true

		switch {
		case inst.Op.IsConditionalBranch():
			fallThrough := pc + size
			res.JumpTargets[fallThrough] = true
			enqueueIfNew(&worklist, res.Reachable, fallThrough)
			blockStarts[fallThrough] = true
			if targetInRange(img, inst.Target) {
				res.JumpTargets[inst.Target] = true
				blockStarts[inst.Target] = true
				enqueueIfNew(&worklist, res.Reachable, inst.Target)
			} else {
				res.JumpTargets[outOfRangeSentinel] = true
			}

		case inst.Op.IsDirectJump():
			if targetInRange(img, inst.Target) {
				res.JumpTargets[inst.Target] = true
				blockStarts[inst.Target] = true
				enqueueIfNew(&worklist, res.Reachable, inst.Target)
			} else {
				res.JumpTargets[outOfRangeSentinel] = true
			}

		case inst.Op.IsIndirectJump():
			// Target is register-dependent: no successor is enqueued here.
			// The block ends; the host provides a side-exit trampoline at
			// runtime (see asm.Assembler's EmitIndirectTable).

		case inst.Op.IsTerminator():
			// no fall-through successor

		default:
			next := pc + size
			enqueueIfNew(&worklist, res.Reachable, next)
		}
	}

	res.Blocks = computeBlocks(img, res.Reachable, blockStarts)
	return res, nil
}

func targetInRange(img *pvm.Image, target uint32) bool {
	return uint64(target) < uint64(len(img.Bytes)) && img.BoundaryAt(target)
}

func enqueueIfNew(worklist *[]uint32, reachable map[uint32]bool, pc uint32) {
	if !reachable[pc] {
		*worklist = append(*worklist, pc)
	}
}

// computeBlocks sorts reachable PCs ascending and splits them into
// BlockRanges on terminators and on block-start boundaries, per the
// instruction lowerer's contract (step 2 of its algorithm).
func computeBlocks(img *pvm.Image, reachable, blockStarts map[uint32]bool) []BlockRange {
	pcs := make([]uint32, 0, len(reachable))
	for pc := range reachable {
		pcs = append(pcs, pc)
	}
	sort.Slice(pcs, func(i, j int) bool { return pcs[i] < pcs[j] })

	var blocks []BlockRange
	var cur *BlockRange
	for _, pc := range pcs {
		if cur == nil || (blockStarts[pc] && pc != cur.Start) {
			if cur != nil {
				blocks = append(blocks, *cur)
			}
			cur = &BlockRange{Start: pc, End: pc}
		}
		inst, size, err := pvm.Decode(img, pc)
		if err != nil {
			// Unreachable in practice: Build already decoded pc successfully.
			break
		}
		cur.End = pc + size
		if inst.Op.IsTerminator() {
			blocks = append(blocks, *cur)
			cur = nil
		}
	}
	if cur != nil {
		blocks = append(blocks, *cur)
	}
	return blocks
}
