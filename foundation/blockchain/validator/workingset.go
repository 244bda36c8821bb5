package validator

import (
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
)

// WorkingSet tracks the outputs consumed and the nonces claimed by the
// candidate transactions already accepted in the current round, so the
// next candidate is checked against the round and the ledger together.
// Block assembly uses one working set per template; it is not safe for
// concurrent use.
type WorkingSet struct {
	spent  map[database.OutputRef]string
	nonces map[database.AccountID]uint64
}

// NewWorkingSet constructs an empty working set.
func NewWorkingSet() *WorkingSet {
	return &WorkingSet{
		spent:  make(map[database.OutputRef]string),
		nonces: make(map[database.AccountID]uint64),
	}
}

// Commit records the side effects of an accepted candidate so later
// candidates cannot reuse its inputs or its nonce.
func (ws *WorkingSet) Commit(tx database.BlockTx, from database.AccountID) {
	for _, ref := range tx.Inputs {
		ws.spent[ref] = tx.TxID()
	}

	if tx.Nonce > ws.nonces[from] {
		ws.nonces[from] = tx.Nonce
	}
}

// SpentBy returns the id of the candidate that claimed the specified
// output, if any has.
func (ws *WorkingSet) SpentBy(ref database.OutputRef) (string, bool) {
	txID, claimed := ws.spent[ref]
	return txID, claimed
}

// NonceOf returns the highest nonce claimed for the specified account,
// if any candidate from the account was accepted.
func (ws *WorkingSet) NonceOf(accountID database.AccountID) (uint64, bool) {
	nonce, exists := ws.nonces[accountID]
	return nonce, exists
}
