package state

import (
	"github.com/quarrylabs/quarry/foundation/blockchain/ledger"
	"github.com/quarrylabs/quarry/foundation/blockchain/rule"
	"github.com/quarrylabs/quarry/foundation/blockchain/validator"
)

// forkPath locates the fork point between the active chain and the
// branch ending at the specified node. It returns the blocks to detach
// from the active chain newest first and the blocks to attach oldest
// first.
func (s *State) forkPath(node *blockNode) (fork *blockNode, detach []*blockNode, attach []*blockNode) {
	n := node
	for !s.onActiveChain(n) {
		attach = append(attach, n)
		n = n.parent
	}
	fork = n

	for a := s.active; a != fork; a = a.parent {
		detach = append(detach, a)
	}

	for i, j := 0, len(attach)-1; i < j; i, j = i+1, j-1 {
		attach[i], attach[j] = attach[j], attach[i]
	}

	return fork, detach, attach
}

// reorganize moves the active chain over to the heavier branch ending
// at the specified node. The branch is proven against a clone of the
// ledger and persisted before any live structure changes, so a failure
// at any point leaves the current chain intact.
func (s *State) reorganize(node *blockNode) error {
	fork, detach, attach := s.forkPath(node)

	s.evHandler("state: reorganize: started: fork[%d]: detaching %d blocks: attaching %d blocks", fork.height, len(detach), len(attach))

	if uint64(len(detach)) > s.genesis.FinalityWindow {
		deepReorgRejections.Inc()
		s.evHandler("state: reorganize: SECURITY: blk[%s] asks to rewrite %d blocks past the finality window of %d", node.hash, len(detach), s.genesis.FinalityWindow)

		return rule.Errorf(rule.ConsensusViolation, "reorganization rewrites %d blocks, finality window is %d", len(detach), s.genesis.FinalityWindow)
	}

	clone := s.ledger.Clone()

	for _, n := range detach {
		if err := clone.UndoBlock(n.block, n.undo); err != nil {
			return rule.Errorf(rule.TransientUnavailable, "rollback of block %d failed: %s", n.height, err)
		}
	}

	undos := make([]ledger.Undo, len(attach))
	for i, n := range attach {
		undo, err := clone.ApplyBlock(n.block)
		if err != nil {

			// The branch carries a block that breaks the ledger rules.
			// Drop the rest of the branch from the index so it can never
			// be selected again.
			for _, bad := range attach[i:] {
				delete(s.index, bad.hash)
			}

			return rule.Errorf(rule.ConsensusViolation, "branch block %d breaks ledger rules: %s", n.height, err)
		}
		undos[i] = undo
	}

	// The branch is proven. Persist it before swapping live structures
	// so a crash in between refolds to a consistent prefix at restart.
	if err := s.db.Truncate(fork.height + 1); err != nil {
		return err
	}
	for _, n := range attach {
		if err := s.db.Write(n.block); err != nil {
			return err
		}
	}
	s.db.UpdateLatestBlock(node.block)

	for i, n := range attach {
		n.undo = undos[i]
	}
	for _, n := range detach {
		n.undo = ledger.Undo{}
	}

	s.index[node.hash] = node
	s.active = node
	s.ledger = clone
	s.pruneJournals()

	s.remempool(detach, attach)

	reorganizations.Inc()
	s.evHandler("state: reorganize: completed: active chain now blk[%s] at height %d", node.hash, node.height)

	return nil
}

// remempool reconciles the mempool after a reorganization. Transactions
// confirmed by the new branch leave the pool, and transactions that
// only existed on the old branch go back in when they still pass
// validation against the new ledger.
func (s *State) remempool(detach []*blockNode, attach []*blockNode) {
	confirmed := make(map[string]bool)
	for _, n := range attach {
		s.mempool.Confirmed(n.block.Trans.Values())

		for _, tx := range n.block.Trans.Values() {
			confirmed[tx.TxID()] = true
		}
	}

	height := s.active.height + 1

	// Walk the old branch oldest first so restored transactions keep
	// their nonce order.
	for i := len(detach) - 1; i >= 0; i-- {
		for _, tx := range detach[i].block.Trans.Values()[1:] {
			if confirmed[tx.TxID()] {
				continue
			}

			if _, err := s.validator.ValidateTx(tx, s.ledger, validator.NewWorkingSet(), height); err != nil {
				s.evHandler("state: remempool: tx[%s] dropped: %s", tx.TxID(), err)
				continue
			}

			if _, err := s.mempool.Upsert(tx); err != nil {
				s.evHandler("state: remempool: tx[%s] not restored: %s", tx.TxID(), err)
			}
		}
	}
}
