package ledger

import (
	"fmt"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/rule"
)

// Undo captures everything needed to reverse the application of a
// single block. Journals are kept by the caller for recent blocks so a
// reorganization can walk the abandoned branch back to the fork point.
type Undo struct {
	BlockNumber uint64
	Spent       []UnspentOutput
	Created     []database.OutputRef
	Nonces      map[database.AccountID]uint64
}

// ApplyBlock folds the specified block into the ledger and returns the
// undo journal that reverses it. On any error the ledger is left
// exactly as it was.
func (l *Ledger) ApplyBlock(block database.Block) (Undo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	undo := Undo{
		BlockNumber: block.Header.Number,
		Nonces:      make(map[database.AccountID]uint64),
	}

	for _, tx := range block.Trans.Values() {
		if err := l.applyTransaction(block.Header.Number, tx, &undo); err != nil {
			l.rollback(undo)
			return Undo{}, err
		}
	}

	return undo, nil
}

// UndoBlock reverses a previously applied block using its journal. The
// block must be the most recently applied one or the ledger will no
// longer match any chain.
func (l *Ledger) UndoBlock(block database.Block, undo Undo) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if undo.BlockNumber != block.Header.Number {
		return fmt.Errorf("undo journal is for block %d, not block %d", undo.BlockNumber, block.Header.Number)
	}

	l.rollback(undo)

	return nil
}

// =============================================================================

// applyTransaction mutates the output set and nonce watermarks for one
// transaction, appending every change to the journal. The transaction
// has already passed validation; the checks here protect the ledger
// invariants if a caller ever applies an unvalidated block.
func (l *Ledger) applyTransaction(height uint64, tx database.BlockTx, undo *Undo) error {
	if tx.IsCoinbase() {
		for outIndex, output := range tx.Outputs {
			ref := database.OutputRef{TxID: tx.TxID(), Index: uint32(outIndex)}
			if _, exists := l.outputs[ref]; exists {
				return rule.Errorf(rule.ConsensusViolation, "coinbase output %s already exists", ref)
			}

			l.outputs[ref] = UnspentOutput{
				Ref:            ref,
				OwnerID:        output.OwnerID,
				Amount:         output.Amount,
				SpendableAfter: height + l.genesis.CoinbaseAge,
			}
			undo.Created = append(undo.Created, ref)
		}
		return nil
	}

	from, err := tx.FromAccount()
	if err != nil {
		return rule.Errorf(rule.MalformedInput, "unable to recover the sender: %s", err)
	}

	if tx.Nonce <= l.nonces[from] {
		return rule.Errorf(rule.ReplayDetected, "nonce %d for account %s is not above the watermark %d", tx.Nonce, from, l.nonces[from])
	}
	if _, recorded := undo.Nonces[from]; !recorded {
		undo.Nonces[from] = l.nonces[from]
	}
	l.nonces[from] = tx.Nonce

	var inputSum uint64
	for _, ref := range tx.Inputs {
		output, exists := l.outputs[ref]
		if !exists {
			return rule.Errorf(rule.ConsensusViolation, "input %s does not exist or is already spent", ref)
		}
		if output.OwnerID != from {
			return rule.Errorf(rule.ConsensusViolation, "input %s is not owned by account %s", ref, from)
		}
		if output.SpendableAfter > height {
			return rule.Errorf(rule.ConsensusViolation, "input %s is a coinbase output immature until block %d", ref, output.SpendableAfter)
		}

		inputSum += output.Amount
		undo.Spent = append(undo.Spent, output)
		delete(l.outputs, ref)
	}

	var outputSum uint64
	for outIndex, output := range tx.Outputs {
		ref := database.OutputRef{TxID: tx.TxID(), Index: uint32(outIndex)}
		if _, exists := l.outputs[ref]; exists {
			return rule.Errorf(rule.ConsensusViolation, "output %s already exists", ref)
		}

		l.outputs[ref] = UnspentOutput{
			Ref:     ref,
			OwnerID: output.OwnerID,
			Amount:  output.Amount,
		}
		undo.Created = append(undo.Created, ref)
		outputSum += output.Amount
	}

	if inputSum != outputSum+tx.Fee {
		return rule.Errorf(rule.ConsensusViolation, "inputs %d do not balance outputs %d plus fee %d", inputSum, outputSum, tx.Fee)
	}

	return nil
}

// rollback reverses every change recorded in the journal. It is used
// both to undo a block and to unwind a partially applied one. Spent
// outputs are restored before created ones are removed so an output
// that was created and then consumed inside the same block ends up
// absent, exactly as it was before the block.
func (l *Ledger) rollback(undo Undo) {
	for _, output := range undo.Spent {
		l.outputs[output.Ref] = output
	}
	for _, ref := range undo.Created {
		delete(l.outputs, ref)
	}
	for accountID, nonce := range undo.Nonces {
		if nonce == 0 {
			delete(l.nonces, accountID)
			continue
		}
		l.nonces[accountID] = nonce
	}
}
