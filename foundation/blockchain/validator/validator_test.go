package validator_test

import (
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/genesis"
	"github.com/quarrylabs/quarry/foundation/blockchain/ledger"
	"github.com/quarrylabs/quarry/foundation/blockchain/merkle"
	"github.com/quarrylabs/quarry/foundation/blockchain/rule"
	"github.com/quarrylabs/quarry/foundation/blockchain/validator"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

const (
	chainID = 1
	fromKey = "fae85851bdf5c9f49923722ce38f3c1defcfd3619ef5453230a58ad805499959"
	fromAcc = "0xdd6B972ffcc631a62CAE1BB9d80b7ff429c8ebA4"
	toAcc   = "0xF01813E4B85e178A83e29B8E7bF26BD830a25f32"
	miner   = "0xFef311483Cc040e1A89fb9bb469eeB8A70935EF8"
)

func Test_ValidateTx(t *testing.T) {
	l := newLedger(t)
	genRef := l.UnspentByAccount(fromAcc)[0].Ref

	v := validator.New(validator.Config{
		ChainID:    chainID,
		MaxTxBytes: 2000,
		SupplyCap:  1_000_000,
		DriftSecs:  3600,
	})

	minerPrivKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("\t%s\tShould be able to generate a key: %v", failed, err)
	}

	brokenSig := spendTx(t, 1, []database.OutputRef{genRef}, []database.TxOutput{{OwnerID: toAcc, Amount: 985}}, 15)
	brokenSig.V = big.NewInt(1)

	claimed := validator.NewWorkingSet()
	claimed.Commit(spendTx(t, 1, []database.OutputRef{genRef}, []database.TxOutput{{OwnerID: toAcc, Amount: 985}}, 15), fromAcc)

	nonceClaimed := validator.NewWorkingSet()
	nonceClaimed.Commit(spendTx(t, 1, []database.OutputRef{{TxID: "0xaaaa", Index: 0}}, []database.TxOutput{{OwnerID: toAcc, Amount: 1}}, 0), fromAcc)

	type txTest struct {
		name   string
		tx     database.BlockTx
		ws     *validator.WorkingSet
		height uint64
		kind   rule.Kind
	}

	txTests := []txTest{
		{
			name:   "valid spend",
			tx:     spendTx(t, 1, []database.OutputRef{genRef}, []database.TxOutput{{OwnerID: toAcc, Amount: 985}}, 15),
			height: 1,
		},
		{
			name:   "no inputs",
			tx:     rawTx(t, database.Tx{ChainID: chainID, Nonce: 1, Outputs: []database.TxOutput{{OwnerID: toAcc, Amount: 1}}, TimeStamp: nowStamp()}),
			height: 1,
			kind:   rule.MalformedInput,
		},
		{
			name:   "no outputs",
			tx:     rawTx(t, database.Tx{ChainID: chainID, Nonce: 1, Inputs: []database.OutputRef{genRef}, TimeStamp: nowStamp()}),
			height: 1,
			kind:   rule.MalformedInput,
		},
		{
			name:   "zero amount",
			tx:     rawTx(t, database.Tx{ChainID: chainID, Nonce: 1, Inputs: []database.OutputRef{genRef}, Outputs: []database.TxOutput{{OwnerID: toAcc, Amount: 0}}, TimeStamp: nowStamp()}),
			height: 1,
			kind:   rule.MalformedInput,
		},
		{
			name:   "amount above supply cap",
			tx:     rawTx(t, database.Tx{ChainID: chainID, Nonce: 1, Inputs: []database.OutputRef{genRef}, Outputs: []database.TxOutput{{OwnerID: toAcc, Amount: 2_000_000}}, TimeStamp: nowStamp()}),
			height: 1,
			kind:   rule.MalformedInput,
		},
		{
			name:   "duplicate input",
			tx:     rawTx(t, database.Tx{ChainID: chainID, Nonce: 1, Inputs: []database.OutputRef{genRef, genRef}, Outputs: []database.TxOutput{{OwnerID: toAcc, Amount: 1}}, TimeStamp: nowStamp()}),
			height: 1,
			kind:   rule.MalformedInput,
		},
		{
			name:   "malformed owner",
			tx:     rawTx(t, database.Tx{ChainID: chainID, Nonce: 1, Inputs: []database.OutputRef{genRef}, Outputs: []database.TxOutput{{OwnerID: "0xnotahexaddress", Amount: 1}}, TimeStamp: nowStamp()}),
			height: 1,
			kind:   rule.MalformedInput,
		},
		{
			name:   "wrong chain",
			tx:     rawTx(t, database.Tx{ChainID: chainID + 1, Nonce: 1, Inputs: []database.OutputRef{genRef}, Outputs: []database.TxOutput{{OwnerID: toAcc, Amount: 985}}, TimeStamp: nowStamp()}),
			height: 1,
			kind:   rule.ConsensusViolation,
		},
		{
			name:   "broken signature",
			tx:     brokenSig,
			height: 1,
			kind:   rule.ConsensusViolation,
		},
		{
			name:   "unknown input",
			tx:     spendTx(t, 1, []database.OutputRef{{TxID: "0xdeadbeef", Index: 4}}, []database.TxOutput{{OwnerID: toAcc, Amount: 1}}, 0),
			height: 1,
			kind:   rule.ConsensusViolation,
		},
		{
			name:   "foreign input",
			tx:     signWith(t, minerPrivKey, database.Tx{ChainID: chainID, Nonce: 1, Inputs: []database.OutputRef{genRef}, Outputs: []database.TxOutput{{OwnerID: toAcc, Amount: 985}}, Fee: 15, TimeStamp: nowStamp()}),
			height: 1,
			kind:   rule.ConsensusViolation,
		},
		{
			name:   "candidate double spend",
			tx:     spendTx(t, 2, []database.OutputRef{genRef}, []database.TxOutput{{OwnerID: toAcc, Amount: 985}}, 15),
			ws:     claimed,
			height: 1,
			kind:   rule.ConsensusViolation,
		},
		{
			name:   "candidate nonce claim",
			tx:     spendTx(t, 1, []database.OutputRef{genRef}, []database.TxOutput{{OwnerID: toAcc, Amount: 985}}, 15),
			ws:     nonceClaimed,
			height: 1,
			kind:   rule.ReplayDetected,
		},
		{
			name:   "nonce not above watermark",
			tx:     spendTx(t, 0, []database.OutputRef{genRef}, []database.TxOutput{{OwnerID: toAcc, Amount: 985}}, 15),
			height: 1,
			kind:   rule.ReplayDetected,
		},
		{
			name:   "unbalanced amounts",
			tx:     spendTx(t, 1, []database.OutputRef{genRef}, []database.TxOutput{{OwnerID: toAcc, Amount: 400}}, 15),
			height: 1,
			kind:   rule.ConsensusViolation,
		},
	}

	t.Log("Given the need to validate wallet transactions before acceptance.")
	{
		for testID, tt := range txTests {
			t.Logf("\tTest %d:\tWhen handling a %s.", testID, tt.name)
			{
				from, err := v.ValidateTx(tt.tx, l, tt.ws, tt.height)

				if tt.kind == 0 {
					if err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould accept the transaction: %v", failed, testID, err)
					}
					if from != fromAcc {
						t.Fatalf("\t%s\tTest %d:\tShould recover the sender: got %s, exp %s", failed, testID, from, fromAcc)
					}
					t.Logf("\t%s\tTest %d:\tShould accept the transaction.", success, testID)
					continue
				}

				if !rule.IsKind(err, tt.kind) {
					t.Fatalf("\t%s\tTest %d:\tShould reject the transaction as %v: %v", failed, testID, tt.kind, err)
				}
				t.Logf("\t%s\tTest %d:\tShould reject the transaction as %v.", success, testID, tt.kind)
			}
		}
	}
}

func Test_CoinbaseMaturity(t *testing.T) {
	t.Log("Given the need to hold coinbase money until it matures.")
	{
		t.Logf("\tTest 0:\tWhen spending a fresh coinbase output.")
		{
			minerPrivKey, err := crypto.GenerateKey()
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to generate a key: %v", failed, err)
			}
			minerAccount := database.PublicKeyToAccountID(minerPrivKey.PublicKey)

			l := newLedger(t)
			coinbase := database.NewCoinbaseTx(chainID, minerAccount, 100, 1, nowStamp())
			tree, err := merkle.NewTree([]database.BlockTx{coinbase})
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to build a merkle tree: %v", failed, err)
			}
			block := database.Block{
				Header: database.BlockHeader{Number: 1, TimeStamp: nowStamp(), Bits: 0x207fffff, TransRoot: tree.MerkleRootHex()},
				Trans:  tree,
			}
			if _, err := l.ApplyBlock(block); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould be able to apply the coinbase block: %v", failed, err)
			}

			v := validator.New(validator.Config{ChainID: chainID, MaxTxBytes: 2000, SupplyCap: 1_000_000, DriftSecs: 3600})

			spend := signWith(t, minerPrivKey, database.Tx{
				ChainID:   chainID,
				Nonce:     1,
				Inputs:    []database.OutputRef{{TxID: coinbase.TxID(), Index: 0}},
				Outputs:   []database.TxOutput{{OwnerID: toAcc, Amount: 100}},
				TimeStamp: nowStamp(),
			})

			if _, err := v.ValidateTx(spend, l, nil, 2); !rule.IsKind(err, rule.ConsensusViolation) {
				t.Fatalf("\t%s\tTest 0:\tShould reject the immature spend: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould reject the immature spend.", success)

			if _, err := v.ValidateTx(spend, l, nil, 6); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould accept the spend once mature: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould accept the spend once mature.", success)
		}
	}
}

func Test_TimestampDrift(t *testing.T) {
	now := time.Date(2023, time.March, 10, 12, 0, 0, 0, time.UTC)

	v := validator.New(validator.Config{
		ChainID:    chainID,
		MaxTxBytes: 2000,
		SupplyCap:  1_000_000,
		DriftSecs:  60,
		Clock:      clock.NewTestClock(now),
	})

	l := newLedger(t)
	genRef := l.UnspentByAccount(fromAcc)[0].Ref

	stamped := func(ts uint64) database.BlockTx {
		return rawTx(t, database.Tx{
			ChainID:   chainID,
			Nonce:     1,
			Inputs:    []database.OutputRef{genRef},
			Outputs:   []database.TxOutput{{OwnerID: toAcc, Amount: 985}},
			Fee:       15,
			TimeStamp: ts,
		})
	}

	t.Log("Given the need to bound transaction timestamps to the node clock.")
	{
		t.Logf("\tTest 0:\tWhen handling timestamps around the drift window.")
		{
			if _, err := v.ValidateTx(stamped(uint64(now.Unix())), l, nil, 1); err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould accept a current timestamp: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould accept a current timestamp.", success)

			if _, err := v.ValidateTx(stamped(uint64(now.Unix())+120), l, nil, 1); !rule.IsKind(err, rule.ReplayDetected) {
				t.Fatalf("\t%s\tTest 0:\tShould reject a future timestamp: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould reject a future timestamp.", success)

			if _, err := v.ValidateTx(stamped(uint64(now.Unix())-120), l, nil, 1); !rule.IsKind(err, rule.ReplayDetected) {
				t.Fatalf("\t%s\tTest 0:\tShould reject a stale timestamp: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould reject a stale timestamp.", success)
		}
	}
}

func Test_ValidateSanity(t *testing.T) {
	t.Log("Given the need to check shape and signature without ledger state.")
	{
		t.Logf("\tTest 0:\tWhen handling a transaction that spends an unknown output.")
		{
			v := validator.New(validator.Config{ChainID: chainID, MaxTxBytes: 2000, SupplyCap: 1_000_000, DriftSecs: 3600})

			tx := spendTx(t, 1, []database.OutputRef{{TxID: "0xdeadbeef", Index: 4}}, []database.TxOutput{{OwnerID: toAcc, Amount: 1}}, 0)

			from, err := v.ValidateSanity(tx)
			if err != nil {
				t.Fatalf("\t%s\tTest 0:\tShould pass the stateless checks: %v", failed, err)
			}
			if from != fromAcc {
				t.Fatalf("\t%s\tTest 0:\tShould recover the sender: got %s, exp %s", failed, from, fromAcc)
			}
			t.Logf("\t%s\tTest 0:\tShould pass the stateless checks.", success)

			l := newLedger(t)
			if _, err := v.ValidateTx(tx, l, nil, 1); !rule.IsKind(err, rule.ConsensusViolation) {
				t.Fatalf("\t%s\tTest 0:\tShould still fail the full validation: %v", failed, err)
			}
			t.Logf("\t%s\tTest 0:\tShould still fail the full validation.", success)
		}
	}
}

// =============================================================================

func newLedger(t *testing.T) *ledger.Ledger {
	gen := genesis.Genesis{
		ChainID:     chainID,
		CoinbaseAge: 5,
		Balances: map[string]uint64{
			fromAcc: 1000,
		},
	}

	l, err := ledger.New(gen)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to construct the ledger: %v", failed, err)
	}

	return l
}

func nowStamp() uint64 {
	return uint64(time.Now().UTC().Unix())
}

// spendTx builds and signs a transaction from the genesis account.
func spendTx(t *testing.T, nonce uint64, inputs []database.OutputRef, outputs []database.TxOutput, fee uint64) database.BlockTx {
	return rawTx(t, database.Tx{
		ChainID:   chainID,
		Nonce:     nonce,
		Inputs:    inputs,
		Outputs:   outputs,
		Fee:       fee,
		TimeStamp: nowStamp(),
	})
}

// rawTx signs the literal transaction with the genesis account key.
// Tests build transactions directly so malformed shapes can be signed.
func rawTx(t *testing.T, tx database.Tx) database.BlockTx {
	privateKey, err := crypto.HexToECDSA(fromKey)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to parse the key: %v", failed, err)
	}

	return signWith(t, privateKey, tx)
}

func signWith(t *testing.T, privateKey *ecdsa.PrivateKey, tx database.Tx) database.BlockTx {
	signedTx, err := tx.Sign(privateKey)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to sign the transaction: %v", failed, err)
	}

	return database.NewBlockTx(signedTx)
}
