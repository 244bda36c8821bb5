package state_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/genesis"
	"github.com/quarrylabs/quarry/foundation/blockchain/peer"
	"github.com/quarrylabs/quarry/foundation/blockchain/rule"
	"github.com/quarrylabs/quarry/foundation/blockchain/signature"
	"github.com/quarrylabs/quarry/foundation/blockchain/state"
	"github.com/quarrylabs/quarry/foundation/blockchain/storage/memory"
)

var (
	success = "✓"
	failed  = "✗"
)

// easyBits is a proof of work limit every hash solves almost
// immediately.
const easyBits = 0x207fffff

// nopWorker satisfies the state's worker dependency without starting
// any goroutines.
type nopWorker struct{}

func (nopWorker) Shutdown()                              {}
func (nopWorker) SignalStartMining()                     {}
func (nopWorker) SignalCancelMining() (done func())      { return func() {} }
func (nopWorker) SignalShareTx(blockTx database.BlockTx) {}

// =============================================================================

func newTestGenesis(balances map[string]uint64, finalityWindow uint64) genesis.Genesis {
	return genesis.Genesis{
		Date:            time.Date(2023, time.March, 10, 0, 0, 0, 0, time.UTC),
		ChainID:         29,
		TransPerBlock:   10,
		BlockByteLimit:  1_048_576,
		PowLimitBits:    easyBits,
		TargetBlockSecs: 10,
		RetargetWindow:  144,
		MiningReward:    50,
		HalvingInterval: 1_000_000,
		SupplyCap:       21_000_000,
		CoinbaseAge:     2,
		FinalityWindow:  finalityWindow,
		Balances:        balances,
	}
}

func newTestState(t *testing.T, gen genesis.Genesis) *state.State {
	t.Helper()

	storage, err := memory.New()
	if err != nil {
		t.Fatalf("\t%s\tShould be able to create storage: %s", failed, err)
	}

	return newTestStateWithStorage(t, gen, storage)
}

func newTestStateWithStorage(t *testing.T, gen genesis.Genesis, storage database.Serializer) *state.State {
	t.Helper()

	nodeKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("\t%s\tShould be able to generate a node key: %s", failed, err)
	}

	st, err := state.New(state.Config{
		BeneficiaryID: database.PublicKeyToAccountID(nodeKey.PublicKey),
		Host:          "test:9080",
		NodeKey:       nodeKey,
		Genesis:       gen,
		Storage:       storage,
		KnownPeers:    peer.NewPeerSet(),
	})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to create the state: %s", failed, err)
	}
	st.Worker = nopWorker{}

	return st
}

func genAccount(t *testing.T) (*ecdsa.PrivateKey, database.AccountID) {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("\t%s\tShould be able to generate a key: %s", failed, err)
	}

	return key, database.PublicKeyToAccountID(key.PublicKey)
}

// genesisRef locates the output the genesis document created for the
// first funded account.
func genesisRef(gen genesis.Genesis) database.OutputRef {
	return database.OutputRef{TxID: signature.Hash(gen), Index: 0}
}

func transferTx(t *testing.T, gen genesis.Genesis, key *ecdsa.PrivateKey, nonce uint64, inputs []database.OutputRef, outputs []database.TxOutput, fee uint64) database.BlockTx {
	t.Helper()

	tx, err := database.NewTx(gen.ChainID, nonce, inputs, outputs, fee, "")
	if err != nil {
		t.Fatalf("\t%s\tShould be able to create a transaction: %s", failed, err)
	}

	signedTx, err := tx.Sign(key)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to sign a transaction: %s", failed, err)
	}

	return database.NewBlockTx(signedTx)
}

func mineRaw(t *testing.T, prev database.Block, minerID database.AccountID, timeStamp uint64, trans []database.BlockTx) database.Block {
	t.Helper()

	block, err := database.POW(context.Background(), database.POWArgs{
		BeneficiaryID: minerID,
		Bits:          easyBits,
		PrevBlock:     prev,
		TimeStamp:     timeStamp,
		Trans:         trans,
		EvHandler:     func(v string, args ...any) {},
	})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to mine a block: %s", failed, err)
	}

	return block
}

func mineBlock(t *testing.T, gen genesis.Genesis, prev database.Block, minerID database.AccountID, timeStamp uint64, txs ...database.BlockTx) database.Block {
	t.Helper()

	height := prev.Header.Number + 1

	var fees uint64
	for _, tx := range txs {
		fees += tx.Fee
	}

	coinbase := database.NewCoinbaseTx(gen.ChainID, minerID, gen.Subsidy(height)+fees, height, timeStamp)

	return mineRaw(t, prev, minerID, timeStamp, append([]database.BlockTx{coinbase}, txs...))
}

func totalSupply(st *state.State) uint64 {
	var total uint64
	for _, balance := range st.QueryAccountBalances() {
		total += balance.Balance
	}

	return total
}

// =============================================================================

func Test_MineAndAccept(t *testing.T) {
	fromKey, fromID := genAccount(t)
	_, toID := genAccount(t)
	_, minerID := genAccount(t)

	gen := newTestGenesis(map[string]uint64{string(fromID): 1000}, 6)

	t.Log("Given the need to accept a mined block into the chain.")
	{
		t.Logf("\tTest 0:\tWhen processing a block that spends a genesis output.")
		{
			st := newTestState(t, gen)

			tx := transferTx(t, gen, fromKey, 1, []database.OutputRef{genesisRef(gen)}, []database.TxOutput{{OwnerID: toID, Amount: 600}, {OwnerID: fromID, Amount: 390}}, 10)

			if err := st.UpsertWalletTransaction(tx.SignedTx); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould accept the transaction into the mempool: %s", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould accept the transaction into the mempool.", success)

			now := uint64(time.Now().Unix())
			block := mineBlock(t, gen, database.Block{}, minerID, now, tx)

			disposition, err := st.ProcessProposedBlock(block)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to process the block: %s", failed, err)
			}
			if disposition != state.DispositionActive {
				t.Fatalf("\t%s\tTest 0:\tShould land the block on the active chain, got %s.", failed, disposition)
			}
			t.Logf("\t%s\tTest 0:\tShould land the block on the active chain.", success)

			tip := st.RetrieveTip()
			if tip.Height != 1 || tip.Hash != block.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould move the tip to the new block, got height %d.", failed, tip.Height)
			}
			t.Logf("\t%s\tTest 0:\tShould move the tip to the new block.", success)

			if lth := st.QueryMempoolLength(); lth != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould drain the confirmed transaction from the mempool, got %d.", failed, lth)
			}
			t.Logf("\t%s\tTest 0:\tShould drain the confirmed transaction from the mempool.", success)

			if got := st.QueryBalance(toID); got != 600 {
				t.Fatalf("\t%s\tTest 0:\tShould credit the receiver 600, got %d.", failed, got)
			}
			if got := st.QueryBalance(fromID); got != 390 {
				t.Fatalf("\t%s\tTest 0:\tShould leave the sender the change 390, got %d.", failed, got)
			}
			if got := st.QueryBalance(minerID); got != gen.Subsidy(1)+10 {
				t.Fatalf("\t%s\tTest 0:\tShould pay the miner subsidy plus fees, got %d.", failed, got)
			}
			t.Logf("\t%s\tTest 0:\tShould settle every balance.", success)

			exp := 1000 + gen.Subsidy(1)
			if got := totalSupply(st); got != exp {
				t.Logf("%s", spew.Sdump(st.QueryAccountBalances()))
				t.Fatalf("\t%s\tTest 0:\tShould conserve supply, got %d, exp %d.", failed, got, exp)
			}
			t.Logf("\t%s\tTest 0:\tShould conserve supply.", success)
		}
	}
}

func Test_ForkOvertake(t *testing.T) {
	fromKey, fromID := genAccount(t)
	_, toID := genAccount(t)
	_, minerA := genAccount(t)
	_, minerB := genAccount(t)

	gen := newTestGenesis(map[string]uint64{string(fromID): 1000}, 6)

	t.Log("Given the need to follow the branch carrying the most work.")
	{
		t.Logf("\tTest 0:\tWhen a two block branch overtakes a one block chain.")
		{
			st := newTestState(t, gen)
			now := uint64(time.Now().Unix())

			txA := transferTx(t, gen, fromKey, 1, []database.OutputRef{genesisRef(gen)}, []database.TxOutput{{OwnerID: toID, Amount: 990}}, 10)

			blockA1 := mineBlock(t, gen, database.Block{}, minerA, now, txA)
			if disposition, err := st.ProcessProposedBlock(blockA1); err != nil || disposition != state.DispositionActive {
				t.Fatalf("\t%s\tTest 0:\tShould accept the first block as active, got %s: %v", failed, disposition, err)
			}
			t.Logf("\t%s\tTest 0:\tShould accept the first block as active.", success)

			blockB1 := mineBlock(t, gen, database.Block{}, minerB, now)
			disposition, err := st.ProcessProposedBlock(blockB1)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to process the competitor: %s", failed, err)
			}
			if disposition != state.DispositionSide {
				t.Fatalf("\t%s\tTest 0:\tShould sideline the equal work competitor, got %s.", failed, disposition)
			}
			t.Logf("\t%s\tTest 0:\tShould sideline the equal work competitor.", success)

			blockB2 := mineBlock(t, gen, blockB1, minerB, now+1)
			disposition, err = st.ProcessProposedBlock(blockB2)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to process the overtaking block: %s", failed, err)
			}
			if disposition != state.DispositionActive {
				t.Fatalf("\t%s\tTest 0:\tShould adopt the heavier branch, got %s.", failed, disposition)
			}

			tip := st.RetrieveTip()
			if tip.Hash != blockB2.Hash() || tip.Height != 2 {
				t.Fatalf("\t%s\tTest 0:\tShould move the tip to the heavier branch, got height %d.", failed, tip.Height)
			}
			t.Logf("\t%s\tTest 0:\tShould reorganize onto the heavier branch.", success)

			if got := st.QueryBalance(fromID); got != 1000 {
				t.Fatalf("\t%s\tTest 0:\tShould roll the detached spend back, sender got %d.", failed, got)
			}
			if got := st.QueryBalance(toID); got != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould roll the detached spend back, receiver got %d.", failed, got)
			}
			t.Logf("\t%s\tTest 0:\tShould roll the detached spend back.", success)

			pool := st.QueryMempool()
			if len(pool) != 1 || pool[0].TxID() != txA.TxID() {
				t.Fatalf("\t%s\tTest 0:\tShould return the detached transaction to the mempool, got %d.", failed, len(pool))
			}
			t.Logf("\t%s\tTest 0:\tShould return the detached transaction to the mempool.", success)

			if err := st.UpsertWalletTransaction(txA.SignedTx); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould accept the same transaction again: %s", failed, err)
			}
			if lth := st.QueryMempoolLength(); lth != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould keep one copy in the mempool, got %d.", failed, lth)
			}
			t.Logf("\t%s\tTest 0:\tShould treat the resubmission as idempotent.", success)

			exp := 1000 + gen.Subsidy(1) + gen.Subsidy(2)
			if got := totalSupply(st); got != exp {
				t.Fatalf("\t%s\tTest 0:\tShould conserve supply across the reorganization, got %d, exp %d.", failed, got, exp)
			}
			t.Logf("\t%s\tTest 0:\tShould conserve supply across the reorganization.", success)
		}
	}
}

func Test_DeepReorgRejected(t *testing.T) {
	_, minerA := genAccount(t)
	_, minerB := genAccount(t)

	gen := newTestGenesis(nil, 2)

	t.Log("Given the need to refuse branches that rewrite finalized blocks.")
	{
		t.Logf("\tTest 0:\tWhen a branch forks deeper than the finality window.")
		{
			st := newTestState(t, gen)
			now := uint64(time.Now().Unix())

			prev := database.Block{}
			var chainA []database.Block
			for i := 0; i < 3; i++ {
				block := mineBlock(t, gen, prev, minerA, now+uint64(i))
				if disposition, err := st.ProcessProposedBlock(block); err != nil || disposition != state.DispositionActive {
					t.Fatalf("\t%s\tTest 0:\tShould build the active chain, got %s: %v", failed, disposition, err)
				}
				chainA = append(chainA, block)
				prev = block
			}
			t.Logf("\t%s\tTest 0:\tShould build a three block active chain.", success)

			prevB := database.Block{}
			for i := 0; i < 3; i++ {
				block := mineBlock(t, gen, prevB, minerB, now+uint64(i))
				disposition, err := st.ProcessProposedBlock(block)
				if err != nil {
					t.Fatalf("\t%s\tTest 0:\tShould be able to process the competing branch: %s", failed, err)
				}
				if disposition != state.DispositionSide {
					t.Fatalf("\t%s\tTest 0:\tShould sideline the branch while it is not heavier, got %s.", failed, disposition)
				}
				prevB = block
			}
			t.Logf("\t%s\tTest 0:\tShould sideline the branch while it is not heavier.", success)

			blockB4 := mineBlock(t, gen, prevB, minerB, now+3)
			disposition, err := st.ProcessProposedBlock(blockB4)
			if disposition != state.DispositionRejected {
				t.Fatalf("\t%s\tTest 0:\tShould reject the deep branch, got %s.", failed, disposition)
			}
			if !rule.IsKind(err, rule.ConsensusViolation) {
				t.Fatalf("\t%s\tTest 0:\tShould reject the deep branch as a consensus violation, got %v.", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould reject the deep branch as a consensus violation.", success)

			tip := st.RetrieveTip()
			if tip.Hash != chainA[2].Hash() || tip.Height != 3 {
				t.Fatalf("\t%s\tTest 0:\tShould leave the tip untouched, got height %d.", failed, tip.Height)
			}
			t.Logf("\t%s\tTest 0:\tShould leave the tip untouched.", success)
		}
	}
}

func Test_OrphanPark(t *testing.T) {
	_, minerID := genAccount(t)

	gen := newTestGenesis(nil, 6)

	t.Log("Given the need to park blocks that arrive before their parent.")
	{
		t.Logf("\tTest 0:\tWhen a child block arrives first.")
		{
			st := newTestState(t, gen)
			now := uint64(time.Now().Unix())

			block1 := mineBlock(t, gen, database.Block{}, minerID, now)
			block2 := mineBlock(t, gen, block1, minerID, now+1)

			disposition, err := st.ProcessProposedBlock(block2)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to process the early child: %s", failed, err)
			}
			if disposition != state.DispositionOrphaned {
				t.Fatalf("\t%s\tTest 0:\tShould park the child, got %s.", failed, disposition)
			}
			if tip := st.RetrieveTip(); tip.Height != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould not move the tip for a parked block, got height %d.", failed, tip.Height)
			}
			t.Logf("\t%s\tTest 0:\tShould park the child without moving the tip.", success)

			disposition, err = st.ProcessProposedBlock(block1)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to process the parent: %s", failed, err)
			}
			if disposition != state.DispositionActive {
				t.Fatalf("\t%s\tTest 0:\tShould connect the parent, got %s.", failed, disposition)
			}

			tip := st.RetrieveTip()
			if tip.Height != 2 || tip.Hash != block2.Hash() {
				t.Fatalf("\t%s\tTest 0:\tShould connect the parked child behind its parent, got height %d.", failed, tip.Height)
			}
			t.Logf("\t%s\tTest 0:\tShould connect the parked child behind its parent.", success)
		}
	}
}

func Test_ExcessCoinbase(t *testing.T) {
	_, minerID := genAccount(t)

	gen := newTestGenesis(nil, 6)

	t.Log("Given the need to refuse blocks that mint more than the schedule allows.")
	{
		t.Logf("\tTest 0:\tWhen the coinbase value exceeds subsidy plus fees.")
		{
			st := newTestState(t, gen)
			now := uint64(time.Now().Unix())

			coinbase := database.NewCoinbaseTx(gen.ChainID, minerID, gen.Subsidy(1)+1, 1, now)
			block := mineRaw(t, database.Block{}, minerID, now, []database.BlockTx{coinbase})

			disposition, err := st.ProcessProposedBlock(block)
			if disposition != state.DispositionRejected {
				t.Fatalf("\t%s\tTest 0:\tShould reject the block, got %s.", failed, disposition)
			}
			if !rule.IsKind(err, rule.ConsensusViolation) {
				t.Fatalf("\t%s\tTest 0:\tShould reject the block as a consensus violation, got %v.", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould reject the block as a consensus violation.", success)

			if tip := st.RetrieveTip(); tip.Height != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould leave the tip untouched, got height %d.", failed, tip.Height)
			}
			t.Logf("\t%s\tTest 0:\tShould leave the tip untouched.", success)
		}
	}
}

func Test_MineNewBlock(t *testing.T) {
	fromKey, fromID := genAccount(t)
	_, toID := genAccount(t)
	minerKey, minerID := genAccount(t)

	gen := newTestGenesis(map[string]uint64{string(fromID): 1000}, 6)

	t.Log("Given the need to mine a block from the mempool.")
	{
		t.Logf("\tTest 0:\tWhen the mempool carries one transaction.")
		{
			storage, err := memory.New()
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to create storage: %s", failed, err)
			}

			st, err := state.New(state.Config{
				BeneficiaryID: minerID,
				Host:          "test:9080",
				NodeKey:       minerKey,
				Genesis:       gen,
				Storage:       storage,
				KnownPeers:    peer.NewPeerSet(),
			})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to create the state: %s", failed, err)
			}
			st.Worker = nopWorker{}

			if _, err := st.MineNewBlock(context.Background()); !errors.Is(err, state.ErrNoTransactions) {
				t.Fatalf("\t%s\tTest 0:\tShould refuse to mine an empty mempool, got %v.", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould refuse to mine an empty mempool.", success)

			tx := transferTx(t, gen, fromKey, 1, []database.OutputRef{genesisRef(gen)}, []database.TxOutput{{OwnerID: toID, Amount: 990}}, 10)
			if err := st.UpsertWalletTransaction(tx.SignedTx); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould accept the transaction into the mempool: %s", failed, err)
			}

			block, err := st.MineNewBlock(context.Background())
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to mine a block: %s", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to mine a block.", success)

			trans := block.Trans.Values()
			if len(trans) != 2 || trans[1].TxID() != tx.TxID() {
				t.Fatalf("\t%s\tTest 0:\tShould carry the coinbase and the pool transaction, got %d trans.", failed, len(trans))
			}
			t.Logf("\t%s\tTest 0:\tShould carry the coinbase and the pool transaction.", success)

			tip := st.RetrieveTip()
			if tip.Hash != block.Hash() || tip.Height != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould connect its own block to the chain, got height %d.", failed, tip.Height)
			}
			t.Logf("\t%s\tTest 0:\tShould connect its own block to the chain.", success)

			if got := st.QueryBalance(minerID); got != gen.Subsidy(1)+10 {
				t.Fatalf("\t%s\tTest 0:\tShould pay the beneficiary subsidy plus fees, got %d.", failed, got)
			}
			if lth := st.QueryMempoolLength(); lth != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould drain the mined transaction from the mempool, got %d.", failed, lth)
			}
			t.Logf("\t%s\tTest 0:\tShould settle the beneficiary and drain the pool.", success)
		}
	}
}

func Test_RefoldRestart(t *testing.T) {
	fromKey, fromID := genAccount(t)
	_, toID := genAccount(t)
	_, minerID := genAccount(t)

	gen := newTestGenesis(map[string]uint64{string(fromID): 1000}, 6)

	t.Log("Given the need to resume a chain from storage.")
	{
		t.Logf("\tTest 0:\tWhen a second state folds the same storage.")
		{
			storage, err := memory.New()
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to create storage: %s", failed, err)
			}

			st1 := newTestStateWithStorage(t, gen, storage)
			now := uint64(time.Now().Unix())

			tx := transferTx(t, gen, fromKey, 1, []database.OutputRef{genesisRef(gen)}, []database.TxOutput{{OwnerID: toID, Amount: 990}}, 10)
			block1 := mineBlock(t, gen, database.Block{}, minerID, now, tx)
			block2 := mineBlock(t, gen, block1, minerID, now+1)

			for _, block := range []database.Block{block1, block2} {
				if disposition, err := st1.ProcessProposedBlock(block); err != nil || disposition != state.DispositionActive {
					t.Fatalf("\t%s\tTest 0:\tShould build the chain, got %s: %v", failed, disposition, err)
				}
			}
			t.Logf("\t%s\tTest 0:\tShould build a two block chain.", success)

			st2 := newTestStateWithStorage(t, gen, storage)

			tip1, tip2 := st1.RetrieveTip(), st2.RetrieveTip()
			if tip1.Hash != tip2.Hash || tip1.Height != tip2.Height || tip1.CumulativeWork.Cmp(tip2.CumulativeWork) != 0 {
				t.Fatalf("\t%s\tTest 0:\tShould land on the same tip, got %s, exp %s.", failed, tip2.Hash, tip1.Hash)
			}
			t.Logf("\t%s\tTest 0:\tShould land on the same tip.", success)

			bal1, bal2 := st1.QueryAccountBalances(), st2.QueryAccountBalances()
			if len(bal1) != len(bal2) {
				t.Logf("%s", spew.Sdump(bal2))
				t.Fatalf("\t%s\tTest 0:\tShould refold the same balances, got %d accounts, exp %d.", failed, len(bal2), len(bal1))
			}
			for i := range bal1 {
				if bal1[i] != bal2[i] {
					t.Logf("got: %s", spew.Sdump(bal2[i]))
					t.Logf("exp: %s", spew.Sdump(bal1[i]))
					t.Fatalf("\t%s\tTest 0:\tShould refold the same balances.", failed)
				}
			}
			t.Logf("\t%s\tTest 0:\tShould refold the same balances.", success)
		}
	}
}
