package state

import (
	"context"
	"errors"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/ledger"
	"github.com/quarrylabs/quarry/foundation/blockchain/validator"
)

// ErrNoTransactions is returned when a block is requested to be mined
// and the mempool holds nothing worth mining.
var ErrNoTransactions = errors.New("no transactions in mempool")

// miningHeadroom reserves serialized space for the header and the
// coinbase when transactions are picked against the block byte limit.
const miningHeadroom = 2_048

// MineNewBlock assembles a block template from the mempool, performs
// the proof of work and, when a solution is found, runs the mined block
// through the same acceptance path a peer block takes.
func (s *State) MineNewBlock(ctx context.Context) (database.Block, error) {
	defer s.evHandler("viewer: MineNewBlock: MINING: completed")

	s.evHandler("state: MineNewBlock: MINING: check mempool count")

	if s.mempool.Count() == 0 {
		return database.Block{}, ErrNoTransactions
	}

	s.evHandler("state: MineNewBlock: MINING: build block template")

	tip, view, vctx := s.templateContext()
	nextHeight := tip.height + 1

	maxBytes := uint64(1)
	if s.genesis.BlockByteLimit > miningHeadroom {
		maxBytes = s.genesis.BlockByteLimit - miningHeadroom
	}

	picks := s.mempool.PickBest(int(s.genesis.TransPerBlock)-1, maxBytes)

	// The ledger may have moved since these transactions entered the
	// pool. Only transactions that still pass every check make the
	// template, and the working set keeps later picks from double
	// spending earlier ones.
	ws := validator.NewWorkingSet()
	var trans []database.BlockTx
	var fees uint64
	for _, tx := range picks {
		from, err := s.validator.ValidateTx(tx, view, ws, nextHeight)
		if err != nil {
			s.evHandler("state: MineNewBlock: MINING: WARNING: tx[%s] dropped from template: %s", tx.TxID(), err)
			continue
		}
		ws.Commit(tx, from)
		trans = append(trans, tx)
		fees += tx.Fee
	}

	if len(trans) == 0 {
		return database.Block{}, ErrNoTransactions
	}

	// The block timestamp must land past the median of the recent
	// ancestors even when the local clock trails it.
	timeStamp := uint64(s.clock.Now().Unix())
	if timeStamp <= vctx.MedianTime {
		timeStamp = vctx.MedianTime + 1
	}

	coinbase := database.NewCoinbaseTx(s.genesis.ChainID, s.beneficiaryID, vctx.Subsidy+fees, nextHeight, timeStamp)
	trans = append([]database.BlockTx{coinbase}, trans...)

	s.evHandler("state: MineNewBlock: MINING: perform POW")

	block, err := database.POW(ctx, database.POWArgs{
		BeneficiaryID: s.beneficiaryID,
		Bits:          vctx.ExpectedBits,
		PrevBlock:     tip.block,
		TimeStamp:     timeStamp,
		Trans:         trans,
		EvHandler:     s.evHandler,
	})
	if err != nil {
		return database.Block{}, err
	}

	// Just check one more time we were not canceled.
	if ctx.Err() != nil {
		return database.Block{}, ctx.Err()
	}

	s.evHandler("state: MineNewBlock: MINING: accept mined block")

	s.mu.Lock()
	disposition, err := s.acceptBlock(block)
	s.mu.Unlock()

	if err != nil {
		return database.Block{}, err
	}

	// Another block may have raced in while the work ran. The solved
	// block is still shared, peers judge branches on their own.
	if disposition != DispositionActive {
		s.evHandler("state: MineNewBlock: MINING: WARNING: mined block landed as %s", disposition)
	}

	return block, nil
}

// templateContext snapshots the tip, the ledger view and the validation
// context under the chain lock. The returned ledger is safe to read
// without the lock, published ledgers are never mutated.
func (s *State) templateContext() (*blockNode, *ledger.Ledger, database.ValidateContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active, s.ledger, s.validateContext(s.active)
}
