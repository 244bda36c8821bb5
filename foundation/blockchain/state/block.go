package state

import (
	"encoding/json"
	"fmt"

	"github.com/jellydator/ttlcache/v3"
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/rule"
)

// Disposition reports where a submitted block ended up. A rejected
// block carries the reason in the accompanying error.
type Disposition int

const (
	DispositionRejected Disposition = iota
	DispositionOrphaned
	DispositionSide
	DispositionActive
)

// String implements the fmt.Stringer interface.
func (d Disposition) String() string {
	switch d {
	case DispositionOrphaned:
		return "orphaned"
	case DispositionSide:
		return "side"
	case DispositionActive:
		return "active"
	}

	return "rejected"
}

// =============================================================================

// ProcessProposedBlock takes a block received from a peer, validates it
// and if that passes, adds the block to the local blockchain. Blocks
// mined by this node come through the very same path.
func (s *State) ProcessProposedBlock(block database.Block) (Disposition, error) {
	s.evHandler("state: ProcessProposedBlock: started: prevBlk[%s]: newBlk[%s]: numTrans[%d]", block.Header.PrevBlockHash, block.Hash(), len(block.Trans.Values()))
	defer s.evHandler("state: ProcessProposedBlock: completed: newBlk[%s]", block.Hash())

	s.mu.Lock()
	before := s.active
	disposition, err := s.acceptBlock(block)
	changed := s.active != before
	s.mu.Unlock()

	if err != nil {
		return disposition, err
	}

	// If the runMiningOperation function is being executed it needs to stop
	// immediately when this block changed the active chain. The G executing
	// runMiningOperation will not return from the function until done is
	// called. That allows this function to complete its state changes before
	// a new mining operation takes place. Duplicates of known blocks come
	// back as active too and must not disturb the miner.
	if changed {
		done := s.Worker.SignalCancelMining()
		defer func() {
			s.evHandler("state: ProcessProposedBlock: signal runMiningOperation to terminate")
			done()
		}()
	}

	return disposition, nil
}

// =============================================================================

// acceptBlock runs the acceptance pipeline under the chain lock. The
// block lands in one of four places: rejected with a reason, parked as
// an orphan, stored on a side branch, or connected to the active chain
// either by extending the tip or by reorganizing onto a heavier branch.
func (s *State) acceptBlock(block database.Block) (Disposition, error) {
	hash := block.Hash()

	// A block already known is not an error, peers gossip duplicates.
	if node, exists := s.index[hash]; exists {
		if s.onActiveChain(node) {
			return DispositionActive, nil
		}
		return DispositionSide, nil
	}

	parent, exists := s.index[block.Header.PrevBlockHash]
	if !exists {
		s.evHandler("state: acceptBlock: blk[%s]: parent[%s] unknown: parked", hash, block.Header.PrevBlockHash)
		s.orphans.Set(hash, block, ttlcache.DefaultTTL)
		blocksParked.Inc()

		return DispositionOrphaned, nil
	}

	// Judge the block against the branch it extends.
	if err := block.ValidateBlock(parent.block, s.validateContext(parent), s.evHandler); err != nil {
		return DispositionRejected, err
	}

	// Every transaction but the coinbase must carry a sound structure
	// and signature. The ledger rules run when the branch connects.
	for _, tx := range block.Trans.Values()[1:] {
		if _, err := s.validator.ValidateSanity(tx); err != nil {
			return DispositionRejected, rule.Errorf(rule.ConsensusViolation, "block carries invalid transaction %s: %s", tx.TxID(), err)
		}
	}

	node := newBlockNode(block, parent)

	switch {
	case parent == s.active:
		if err := s.connectTip(node); err != nil {
			return DispositionRejected, err
		}

	case node.workSum.Cmp(s.active.workSum) > 0:
		if err := s.reorganize(node); err != nil {
			return DispositionRejected, err
		}

	default:
		// The branch does not beat the active chain. First seen wins
		// on equal work, so the block just waits on its side branch.
		s.index[node.hash] = node
		blocksSidelined.Inc()
		s.evHandler("state: acceptBlock: blk[%s]: stored on side branch at height %d", hash, node.height)

		return DispositionSide, nil
	}

	// The active chain moved. Any orphan waiting for this block can be
	// processed now.
	s.processOrphans(hash)

	return DispositionActive, nil
}

// connectTip applies the block to a clone of the ledger and swaps the
// clone in once the block is fully validated and persisted. A failure
// leaves every structure untouched.
func (s *State) connectTip(node *blockNode) error {
	s.evHandler("state: connectTip: blk[%d]: apply block to the ledger", node.height)

	clone := s.ledger.Clone()
	undo, err := clone.ApplyBlock(node.block)
	if err != nil {
		return err
	}

	s.evHandler("state: connectTip: blk[%d]: write to disk", node.height)

	if err := s.db.Write(node.block); err != nil {
		return err
	}
	s.db.UpdateLatestBlock(node.block)

	node.undo = undo
	s.index[node.hash] = node
	s.active = node
	s.ledger = clone
	s.pruneJournals()

	s.evHandler("state: connectTip: blk[%d]: remove confirmed transactions from mempool", node.height)

	s.mempool.Confirmed(node.block.Trans.Values())

	blocksConnected.Inc()
	s.blockEvent(node.block)

	return nil
}

// processOrphans retries every parked block that was waiting for the
// specified hash to arrive. Acceptance can cascade when a whole branch
// arrived out of order.
func (s *State) processOrphans(parentHash string) {
	var waiting []database.Block
	for _, item := range s.orphans.Items() {
		if item.Value().Header.PrevBlockHash == parentHash {
			waiting = append(waiting, item.Value())
		}
	}

	for _, block := range waiting {
		s.orphans.Delete(block.Hash())

		disposition, err := s.acceptBlock(block)
		if err != nil {
			s.evHandler("state: processOrphans: blk[%s]: WARNING: %s", block.Hash(), err)
			continue
		}

		s.evHandler("state: processOrphans: blk[%s]: unparked: %s", block.Hash(), disposition)
	}
}

// blockEvent provides a specific event about a new block in the chain for
// application specific support.
func (s *State) blockEvent(block database.Block) {
	blockHeaderJSON, err := json.Marshal(block.Header)
	if err != nil {
		blockHeaderJSON = []byte(fmt.Sprintf("%q", err.Error()))
	}

	blockTransJSON, err := json.Marshal(block.Trans.Values())
	if err != nil {
		blockTransJSON = []byte(fmt.Sprintf("%q", err.Error()))
	}

	s.evHandler(`viewer: block: {"hash":%q,"header":%s,"trans":%s}`, block.Hash(), string(blockHeaderJSON), string(blockTransJSON))
}
