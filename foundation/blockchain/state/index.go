package state

import (
	"math/big"
	"sort"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/difficulty"
	"github.com/quarrylabs/quarry/foundation/blockchain/ledger"
	"github.com/quarrylabs/quarry/foundation/blockchain/signature"
)

// blockNode links a block into the tree of every branch the node knows
// about. The work sum accumulates down the branch so competing tips can
// be compared without walking the tree.
type blockNode struct {
	block   database.Block
	hash    string
	parent  *blockNode
	height  uint64
	workSum *big.Int

	// undo carries the journal to unwind this block from the ledger.
	// It is only populated while the node is on the active chain and
	// inside the finality window.
	undo ledger.Undo
}

// newRootNode stands in for the chain state before any block has been
// mined. Block one names the zero hash as its parent.
func newRootNode() *blockNode {
	return &blockNode{
		hash:    signature.ZeroHash,
		workSum: big.NewInt(0),
	}
}

// newBlockNode links a block under its parent and accumulates the work.
func newBlockNode(block database.Block, parent *blockNode) *blockNode {
	return &blockNode{
		block:   block,
		hash:    block.Hash(),
		parent:  parent,
		height:  block.Header.Number,
		workSum: new(big.Int).Add(parent.workSum, difficulty.CalcWork(block.Header.Bits)),
	}
}

// =============================================================================

// validateContext assembles the chain context a block extending the
// specified parent is judged against.
func (s *State) validateContext(parent *blockNode) database.ValidateContext {
	return database.ValidateContext{
		ExpectedBits:  s.requiredBits(parent),
		MedianTime:    s.medianTime(parent),
		Now:           uint64(s.clock.Now().Unix()),
		MaxFutureSecs: s.blockDrift,
		Subsidy:       s.genesis.Subsidy(parent.height + 1),
		MaxTrans:      s.genesis.TransPerBlock,
		MaxBytes:      s.genesis.BlockByteLimit,
	}
}

// requiredBits walks the branch ending at the specified parent and
// calculates the target the next block must meet.
func (s *State) requiredBits(parent *blockNode) uint32 {
	window := make([]difficulty.WindowEntry, 0, s.genesis.RetargetWindow+1)

	for node := parent; node.height > 0 && uint64(len(window)) < s.genesis.RetargetWindow+1; node = node.parent {
		window = append(window, difficulty.WindowEntry{
			TimeStamp: node.block.Header.TimeStamp,
			Bits:      node.block.Header.Bits,
		})
	}

	return difficulty.NextRequiredBits(window, s.genesis.PowLimitBits, s.genesis.TargetBlockSecs, s.genesis.RetargetWindow)
}

// medianTime returns the median timestamp of the most recent ancestors
// of the specified parent, the parent included.
func (s *State) medianTime(parent *blockNode) uint64 {
	timestamps := make([]uint64, 0, medianTimeBlocks)

	for node := parent; node.height > 0 && len(timestamps) < medianTimeBlocks; node = node.parent {
		timestamps = append(timestamps, node.block.Header.TimeStamp)
	}

	if len(timestamps) == 0 {
		return 0
	}

	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	return timestamps[len(timestamps)/2]
}

// onActiveChain reports whether the node is part of the chain the
// active tip extends.
func (s *State) onActiveChain(node *blockNode) bool {
	if node.height > s.active.height {
		return false
	}

	ancestor := s.active
	for ancestor.height > node.height {
		ancestor = ancestor.parent
	}

	return ancestor == node
}

// pruneJournals drops the undo journals of active blocks that fell out
// of the finality window. A reorganization can never reach them, so a
// rewind attempt past this point fails on the empty journal. The walk
// stops at the first journal already pruned.
func (s *State) pruneJournals() {
	node := s.active
	for depth := uint64(0); node.height > 0; depth++ {
		if depth >= s.genesis.FinalityWindow {
			if node.undo.BlockNumber == 0 {
				break
			}
			node.undo = ledger.Undo{}
		}
		node = node.parent
	}
}
