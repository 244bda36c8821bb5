// Package ledger maintains the in-memory set of unspent outputs and the
// per-account nonce records for the blockchain. The ledger is never
// persisted on its own; it is always refolded from the block sequence,
// so it must be able to apply and undo blocks as exact inverses.
package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/genesis"
	"github.com/quarrylabs/quarry/foundation/blockchain/signature"
)

// UnspentOutput represents money that exists on the chain and has not
// been consumed yet. SpendableAfter is the first block number at which
// a coinbase-created output may be spent; it is zero for ordinary
// outputs.
type UnspentOutput struct {
	Ref            database.OutputRef `json:"ref"`
	OwnerID        database.AccountID `json:"owner"`
	Amount         uint64             `json:"amount"`
	SpendableAfter uint64             `json:"spendable_after"`
}

// AccountBalance represents the total unspent amount held by a single
// account, used for query results presented in a stable order.
type AccountBalance struct {
	AccountID database.AccountID `json:"account"`
	Balance   uint64             `json:"balance"`
}

// =============================================================================

// Ledger manages the unspent output set and the nonce watermark for
// each account that has ever sent an accepted transaction.
type Ledger struct {
	mu      sync.RWMutex
	genesis genesis.Genesis
	outputs map[database.OutputRef]UnspentOutput
	nonces  map[database.AccountID]uint64
}

// New constructs a ledger seeded with the genesis balances. Each
// balance becomes an output of a single well-known transaction whose
// id is derived from the genesis document, so every later rule treats
// the original money like any other money.
func New(genesis genesis.Genesis) (*Ledger, error) {
	l := Ledger{
		genesis: genesis,
		outputs: make(map[database.OutputRef]UnspentOutput),
		nonces:  make(map[database.AccountID]uint64),
	}

	genesisTxID := signature.Hash(genesis)

	accountStrs := make([]string, 0, len(genesis.Balances))
	for accountStr := range genesis.Balances {
		accountStrs = append(accountStrs, accountStr)
	}
	sort.Strings(accountStrs)

	for i, accountStr := range accountStrs {
		accountID, err := database.ToAccountID(accountStr)
		if err != nil {
			return nil, fmt.Errorf("genesis balance: %w", err)
		}

		ref := database.OutputRef{TxID: genesisTxID, Index: uint32(i)}
		l.outputs[ref] = UnspentOutput{
			Ref:     ref,
			OwnerID: accountID,
			Amount:  genesis.Balances[accountStr],
		}
	}

	return &l, nil
}

// Clone makes a deep copy of the ledger. Reorganizations build the
// competing branch on a clone and swap only on success.
func (l *Ledger) Clone() *Ledger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	clone := Ledger{
		genesis: l.genesis,
		outputs: make(map[database.OutputRef]UnspentOutput, len(l.outputs)),
		nonces:  make(map[database.AccountID]uint64, len(l.nonces)),
	}

	for ref, output := range l.outputs {
		clone.outputs[ref] = output
	}
	for accountID, nonce := range l.nonces {
		clone.nonces[accountID] = nonce
	}

	return &clone
}

// =============================================================================

// Get returns the unspent output for the specified reference.
func (l *Ledger) Get(ref database.OutputRef) (UnspentOutput, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	output, exists := l.outputs[ref]
	return output, exists
}

// Nonce returns the highest accepted nonce for the specified account.
// A transaction from the account is only acceptable with a strictly
// greater nonce.
func (l *Ledger) Nonce(accountID database.AccountID) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.nonces[accountID]
}

// Balance returns the sum of the unspent outputs owned by the
// specified account.
func (l *Ledger) Balance(accountID database.AccountID) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var balance uint64
	for _, output := range l.outputs {
		if output.OwnerID == accountID {
			balance += output.Amount
		}
	}

	return balance
}

// Balances returns the balance of every account that currently owns an
// unspent output.
func (l *Ledger) Balances() map[database.AccountID]uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	balances := make(map[database.AccountID]uint64)
	for _, output := range l.outputs {
		balances[output.OwnerID] += output.Amount
	}

	return balances
}

// AccountBalances returns the balance of every funded account sorted
// by account id.
func (l *Ledger) AccountBalances() []AccountBalance {
	balances := l.Balances()

	accountBalances := make([]AccountBalance, 0, len(balances))
	for accountID, balance := range balances {
		accountBalances = append(accountBalances, AccountBalance{
			AccountID: accountID,
			Balance:   balance,
		})
	}

	sort.Slice(accountBalances, func(i, j int) bool {
		return accountBalances[i].AccountID < accountBalances[j].AccountID
	})

	return accountBalances
}

// UnspentByAccount returns the unspent outputs owned by the specified
// account sorted by reference.
func (l *Ledger) UnspentByAccount(accountID database.AccountID) []UnspentOutput {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var unspent []UnspentOutput
	for _, output := range l.outputs {
		if output.OwnerID == accountID {
			unspent = append(unspent, output)
		}
	}

	sort.Slice(unspent, func(i, j int) bool {
		if unspent[i].Ref.TxID != unspent[j].Ref.TxID {
			return unspent[i].Ref.TxID < unspent[j].Ref.TxID
		}
		return unspent[i].Ref.Index < unspent[j].Ref.Index
	})

	return unspent
}

// Len returns the number of unspent outputs in the ledger.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.outputs)
}

// Total returns the sum of all unspent outputs, which is the money
// supply in circulation.
func (l *Ledger) Total() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total uint64
	for _, output := range l.outputs {
		total += output.Amount
	}

	return total
}
