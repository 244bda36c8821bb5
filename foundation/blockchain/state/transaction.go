package state

import (
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/validator"
)

// UpsertWalletTransaction accepts a transaction from a wallet for
// inclusion into the blockchain. It runs the full check sequence, adds
// the transaction to the mempool and shares it with the known peers.
func (s *State) UpsertWalletTransaction(signedTx database.SignedTx) error {

	// CORE NOTE: Accepting a transaction into the mempool is not a promise
	// of inclusion. The chain may move before the transaction is picked
	// and every check runs again when a block template is built.

	s.evHandler("state: UpsertWalletTransaction: started: tx[%s]", signedTx)
	defer s.evHandler("state: UpsertWalletTransaction: completed")

	tx := database.NewBlockTx(signedTx)

	if err := s.validateTransaction(tx); err != nil {
		return err
	}

	if _, err := s.mempool.Upsert(tx); err != nil {
		return err
	}

	s.Worker.SignalShareTx(tx)
	s.Worker.SignalStartMining()

	return nil
}

// UpsertNodeTransaction accepts a transaction shared by a peer node.
// The transaction is judged exactly like a wallet submission but is not
// shared again, the sender already gossiped it.
func (s *State) UpsertNodeTransaction(tx database.BlockTx) error {
	s.evHandler("state: UpsertNodeTransaction: started: tx[%s]", tx)
	defer s.evHandler("state: UpsertNodeTransaction: completed")

	if err := s.validateTransaction(tx); err != nil {
		return err
	}

	if _, err := s.mempool.Upsert(tx); err != nil {
		return err
	}

	s.Worker.SignalStartMining()

	return nil
}

// validateTransaction runs the full check sequence against the ledger
// as of the current tip.
func (s *State) validateTransaction(tx database.BlockTx) error {
	s.evHandler("state: validateTransaction: validating: tx[%s]", tx)

	view, height := s.currentView()

	if _, err := s.validator.ValidateTx(tx, view, validator.NewWorkingSet(), height); err != nil {
		return err
	}

	return nil
}
