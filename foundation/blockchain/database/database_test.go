package database_test

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/rule"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// The easiest target accepted by the test chain. Roughly every second
// nonce solves it, so mining in tests is instant.
const easyBits = uint32(0x207fffff)

const (
	chainID = uint16(1)
	fromAcc = database.AccountID("0xdd6B972ffcc631a62CAE1BB9d80b7ff429c8ebA4")
	toAcc   = database.AccountID("0xF01813E4B85e178A83e29B8E7bF26BD830a25f32")
	miner   = database.AccountID("0xFef311483Cc040e1A89fb9bb469eeB8A70935EF8")
)

func Test_TransactionSigning(t *testing.T) {
	t.Log("Given the need to sign transactions and recover the sender.")
	{
		t.Logf("\tTest 0:\tWhen signing a transaction spending one output.")
		{
			tx, err := database.NewTx(chainID, 1, []database.OutputRef{{TxID: "0xaaaa", Index: 0}}, []database.TxOutput{{OwnerID: toAcc, Amount: 90}}, 10, "")
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to construct a transaction: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to construct a transaction.", success)

			signedTx, err := sign(tx)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to sign the transaction: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to sign the transaction.", success)

			if err := signedTx.Validate(chainID); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to validate the signed transaction: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to validate the signed transaction.", success)

			if err := signedTx.Validate(chainID + 1); err == nil {
				t.Fatalf("\t%s\tTest 0:\tShould reject the wrong chain id.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould reject the wrong chain id.", success)

			from, err := signedTx.FromAccount()
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to recover the sender: %v", failed, err)
			}
			if from != fromAcc {
				t.Fatalf("\t%s\tTest 0:\tShould recover the expected sender: got %s, exp %s", failed, from, fromAcc)
			}
			t.Logf("\t%s\tTest 0:\tShould recover the expected sender.", success)

			leaf, err := signedTx.Hash()
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to hash the block transaction: %v", failed, err)
			}
			if "0x"+hex.EncodeToString(leaf) != signedTx.TxID() {
				t.Fatalf("\t%s\tTest 0:\tShould use the transaction id as the merkle leaf hash.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould use the transaction id as the merkle leaf hash.", success)
		}
	}
}

func Test_Coinbase(t *testing.T) {
	t.Log("Given the need to mint value with a coinbase transaction.")
	{
		t.Logf("\tTest 0:\tWhen constructing a coinbase for a block.")
		{
			now := uint64(time.Now().UTC().Unix())

			cb := database.NewCoinbaseTx(chainID, miner, 100, 7, now)
			if !cb.IsCoinbase() {
				t.Fatalf("\t%s\tTest 0:\tShould report the transaction as a coinbase.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould report the transaction as a coinbase.", success)

			other := database.NewCoinbaseTx(chainID, miner, 100, 8, now)
			if cb.TxID() == other.TxID() {
				t.Fatalf("\t%s\tTest 0:\tShould produce distinct ids at distinct heights.", failed)
			}
			t.Logf("\t%s\tTest 0:\tShould produce distinct ids at distinct heights.", success)
		}
	}
}

func Test_POWValidateBlock(t *testing.T) {
	t.Log("Given the need to mine and validate blocks.")
	{
		t.Logf("\tTest 0:\tWhen mining a block on top of the genesis state.")
		{
			now := uint64(time.Now().UTC().Unix())

			block, err := mineBlock(now)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to mine a block: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to mine a block.", success)

			vctx := database.ValidateContext{
				ExpectedBits:  easyBits,
				MedianTime:    now - 10,
				Now:           now,
				MaxFutureSecs: 60,
				Subsidy:       100,
				MaxTrans:      10,
				MaxBytes:      1_000_000,
			}

			if err := block.ValidateBlock(database.Block{}, vctx, nopEv); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to validate the mined block: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould be able to validate the mined block.", success)

			tests := []struct {
				name string
				blk  func() database.Block
				vctx func() database.ValidateContext
			}{
				{
					name: "wrong number",
					blk: func() database.Block {
						b := block
						b.Header.Number += 2
						return b
					},
					vctx: func() database.ValidateContext { return vctx },
				},
				{
					name: "wrong parent hash",
					blk: func() database.Block {
						b := block
						b.Header.PrevBlockHash = "0xbad"
						return b
					},
					vctx: func() database.ValidateContext { return vctx },
				},
				{
					name: "too many transactions",
					blk:  func() database.Block { return block },
					vctx: func() database.ValidateContext {
						v := vctx
						v.MaxTrans = 1
						return v
					},
				},
				{
					name: "block too large",
					blk:  func() database.Block { return block },
					vctx: func() database.ValidateContext {
						v := vctx
						v.MaxBytes = 10
						return v
					},
				},
				{
					name: "merkle root mismatch",
					blk: func() database.Block {
						b := block
						b.Header.TransRoot = "0xbad"
						return b
					},
					vctx: func() database.ValidateContext { return vctx },
				},
				{
					name: "unexpected bits",
					blk:  func() database.Block { return block },
					vctx: func() database.ValidateContext {
						v := vctx
						v.ExpectedBits = 0x1d00ffff
						return v
					},
				},
				{
					name: "timestamp not past median",
					blk:  func() database.Block { return block },
					vctx: func() database.ValidateContext {
						v := vctx
						v.MedianTime = block.Header.TimeStamp
						return v
					},
				},
				{
					name: "timestamp too far in the future",
					blk:  func() database.Block { return block },
					vctx: func() database.ValidateContext {
						v := vctx
						v.Now = block.Header.TimeStamp - 100
						v.MaxFutureSecs = 10
						return v
					},
				},
				{
					name: "excess coinbase",
					blk:  func() database.Block { return block },
					vctx: func() database.ValidateContext {
						v := vctx
						v.Subsidy = 10
						return v
					},
				},
			}

			for testID, tst := range tests {
				err := tst.blk().ValidateBlock(database.Block{}, tst.vctx(), nopEv)
				if err == nil {
					t.Errorf("\t%s\tTest 0:\tShould reject a block with %s.", failed, tst.name)
					continue
				}
				if !rule.IsKind(err, rule.ConsensusViolation) {
					t.Errorf("\t%s\tTest 0:\tShould classify %s as a consensus violation: %v", failed, tst.name, err)
					continue
				}
				t.Logf("\t%s\tTest 0:\tShould reject a block with %s. [%d]", success, tst.name, testID)
			}
		}
	}
}

// =============================================================================

func nopEv(v string, args ...any) {}

// sign creates a block transaction from the well known test key.
func sign(tx database.Tx) (database.BlockTx, error) {
	pk, err := crypto.HexToECDSA("fae85851bdf5c9f49923722ce38f3c1defcfd3619ef5453230a58ad805499959")
	if err != nil {
		return database.BlockTx{}, err
	}

	signedTx, err := tx.Sign(pk)
	if err != nil {
		return database.BlockTx{}, err
	}

	return database.NewBlockTx(signedTx), nil
}

// mineBlock assembles and mines the first block with one spend paying a
// fee of 15 and a coinbase minting the full 100 subsidy plus that fee.
func mineBlock(now uint64) (database.Block, error) {
	tx, err := database.NewTx(chainID, 1, []database.OutputRef{{TxID: "0xaaaa", Index: 0}}, []database.TxOutput{{OwnerID: toAcc, Amount: 85}}, 15, "")
	if err != nil {
		return database.Block{}, err
	}

	blockTx, err := sign(tx)
	if err != nil {
		return database.Block{}, err
	}

	coinbase := database.NewCoinbaseTx(chainID, miner, 115, 1, now)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return database.POW(ctx, database.POWArgs{
		BeneficiaryID: miner,
		Bits:          easyBits,
		PrevBlock:     database.Block{},
		TimeStamp:     now,
		Trans:         []database.BlockTx{coinbase, blockTx},
		EvHandler:     nopEv,
	})
}
