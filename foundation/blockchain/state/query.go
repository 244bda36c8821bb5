package state

import (
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/ledger"
)

// QueryLastest represents to query the latest block in the chain.
const QueryLastest = ^uint64(0) >> 1

// QueryBalance returns the spendable balance for the specified account
// as of the current tip.
func (s *State) QueryBalance(accountID database.AccountID) uint64 {
	view, _ := s.currentView()

	return view.Balance(accountID)
}

// QueryAccountBalances returns the balance of every account holding
// unspent outputs, sorted by account.
func (s *State) QueryAccountBalances() []ledger.AccountBalance {
	view, _ := s.currentView()

	return view.AccountBalances()
}

// QueryUnspentByAccount returns the unspent outputs owned by the
// specified account. A wallet builds new transactions from these.
func (s *State) QueryUnspentByAccount(accountID database.AccountID) []ledger.UnspentOutput {
	view, _ := s.currentView()

	return view.UnspentByAccount(accountID)
}

// QueryMempoolLength returns the current length of the mempool.
func (s *State) QueryMempoolLength() int {
	return s.mempool.Count()
}

// QueryMempool returns a copy of the mempool.
func (s *State) QueryMempool() []database.BlockTx {
	entries := s.mempool.Snapshot()

	txs := make([]database.BlockTx, len(entries))
	for i, entry := range entries {
		txs[i] = entry.Tx
	}

	return txs
}

// QueryBlocksByNumber returns the set of blocks based on block numbers.
// This function reads the blockchain from disk.
func (s *State) QueryBlocksByNumber(from uint64, to uint64) []database.Block {
	if from == QueryLastest {
		from = s.db.LatestBlock().Header.Number
		to = from
	}

	var out []database.Block
	for i := from; i <= to; i++ {
		block, err := s.db.GetBlock(i)
		if err != nil {
			s.evHandler("state: getblocks: ERROR: %s", err)
			return nil
		}

		out = append(out, block)
	}

	return out
}

// QueryBlocksByAccount returns the set of blocks that touch the
// specified account, either as the recovered sender of a transaction
// or as the owner of one of its outputs. This function reads the
// blockchain from disk.
func (s *State) QueryBlocksByAccount(accountID database.AccountID) []database.Block {
	var out []database.Block

	iter := s.db.ForEach()
	for block, err := iter.Next(); !iter.Done(); block, err = iter.Next() {
		if err != nil {
			s.evHandler("state: getblocks: ERROR: %s", err)
			return nil
		}

	txs:
		for _, tx := range block.Trans.Values() {
			for _, output := range tx.Outputs {
				if output.OwnerID == accountID {
					out = append(out, block)
					break txs
				}
			}

			if tx.IsCoinbase() {
				continue
			}

			if from, err := tx.FromAccount(); err == nil && from == accountID {
				out = append(out, block)
				break txs
			}
		}
	}

	return out
}
