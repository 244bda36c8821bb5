// Package validator runs the ordered acceptance checks a wallet
// transaction must pass before it can enter the mempool or be picked
// for a block. The checks run in a fixed order and fail fast so every
// rejection carries the first specific reason found.
//
// Replacement (replace-by-fee) rules are not checked here; they need
// the pool's conflict index and are enforced by the mempool on upsert.
package validator

import (
	"math"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/ledger"
	"github.com/quarrylabs/quarry/foundation/blockchain/rule"
)

// View is the read-only surface of the ledger the validator checks
// transactions against.
type View interface {
	Get(ref database.OutputRef) (ledger.UnspentOutput, bool)
	Nonce(accountID database.AccountID) uint64
}

// Config represents the settings the checks run with.
type Config struct {
	ChainID    uint16
	MaxTxBytes uint64
	SupplyCap  uint64
	DriftSecs  uint64
	Clock      clock.Clock
}

// Validator applies the acceptance checks for one chain.
type Validator struct {
	cfg Config
}

// New constructs a validator for the specified configuration. A nil
// clock defaults to the wall clock.
func New(cfg Config) *Validator {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Validator{cfg: cfg}
}

// ValidateTx runs the full check sequence for one transaction against
// the supplied ledger view as of the specified block height. The
// working set carries the side effects of candidates accepted earlier
// in the same round and may be nil. On success the recovered sender
// account is returned so the caller can commit the transaction to the
// working set without recovering it again.
func (v *Validator) ValidateTx(tx database.BlockTx, view View, ws *WorkingSet, height uint64) (database.AccountID, error) {
	from, err := v.ValidateSanity(tx)
	if err != nil {
		return "", err
	}

	inputSum, err := v.checkInputs(tx, from, view, ws, height)
	if err != nil {
		return "", err
	}

	if err := v.checkNonce(tx, from, view, ws); err != nil {
		return "", err
	}

	if err := v.checkTimestamp(tx); err != nil {
		return "", err
	}

	if err := v.checkBalance(tx, inputSum); err != nil {
		return "", err
	}

	return from, nil
}

// ValidateSanity runs only the checks that need no ledger state: the
// structural rules and the signature. Block acceptance uses this
// before the block is folded into a ledger clone, which enforces the
// contextual rules transaction by transaction.
func (v *Validator) ValidateSanity(tx database.BlockTx) (database.AccountID, error) {
	if err := v.checkStructure(tx); err != nil {
		return "", err
	}

	return v.checkSignature(tx)
}

// =============================================================================

// checkStructure validates the shape of the transaction before any
// expensive work happens.
func (v *Validator) checkStructure(tx database.BlockTx) error {
	if len(tx.Inputs) == 0 {
		return rule.Errorf(rule.MalformedInput, "transaction has no inputs")
	}
	if len(tx.Outputs) == 0 {
		return rule.Errorf(rule.MalformedInput, "transaction has no outputs")
	}

	if size := tx.Size(); size > v.cfg.MaxTxBytes {
		return rule.Errorf(rule.MalformedInput, "transaction size %d exceeds the limit %d", size, v.cfg.MaxTxBytes)
	}

	seen := make(map[database.OutputRef]struct{}, len(tx.Inputs))
	for _, ref := range tx.Inputs {
		if _, dup := seen[ref]; dup {
			return rule.Errorf(rule.MalformedInput, "input %s is referenced twice", ref)
		}
		seen[ref] = struct{}{}
	}

	for i, output := range tx.Outputs {
		if output.Amount == 0 {
			return rule.Errorf(rule.MalformedInput, "output %d has a zero amount", i)
		}
		if output.Amount > v.cfg.SupplyCap {
			return rule.Errorf(rule.MalformedInput, "output %d amount %d exceeds the supply cap", i, output.Amount)
		}
		if !output.OwnerID.IsAccountID() {
			return rule.Errorf(rule.MalformedInput, "output %d owner %s is not a valid account", i, output.OwnerID)
		}
	}

	if tx.Fee > v.cfg.SupplyCap {
		return rule.Errorf(rule.MalformedInput, "fee %d exceeds the supply cap", tx.Fee)
	}

	return nil
}

// checkSignature validates the signature and recovers the sender.
func (v *Validator) checkSignature(tx database.BlockTx) (database.AccountID, error) {
	if err := tx.Validate(v.cfg.ChainID); err != nil {
		return "", rule.Errorf(rule.ConsensusViolation, "signature check: %s", err)
	}

	from, err := tx.FromAccount()
	if err != nil {
		return "", rule.Errorf(rule.ConsensusViolation, "unable to recover the sender: %s", err)
	}

	return from, nil
}

// checkInputs validates every input exists, belongs to the sender, is
// mature, and is not already claimed by an earlier candidate. It
// returns the total amount the inputs bring in.
func (v *Validator) checkInputs(tx database.BlockTx, from database.AccountID, view View, ws *WorkingSet, height uint64) (uint64, error) {
	var inputSum uint64

	for _, ref := range tx.Inputs {
		if ws != nil {
			if claimerID, claimed := ws.SpentBy(ref); claimed {
				return 0, rule.Errorf(rule.ConsensusViolation, "input %s is already spent by candidate %s", ref, claimerID)
			}
		}

		output, exists := view.Get(ref)
		if !exists {
			return 0, rule.Errorf(rule.ConsensusViolation, "input %s does not exist or is already spent", ref)
		}
		if output.OwnerID != from {
			return 0, rule.Errorf(rule.ConsensusViolation, "input %s is not owned by account %s", ref, from)
		}
		if output.SpendableAfter > height {
			return 0, rule.Errorf(rule.ConsensusViolation, "input %s is a coinbase output immature until block %d", ref, output.SpendableAfter)
		}

		sum, ok := addUint64(inputSum, output.Amount)
		if !ok {
			return 0, rule.Errorf(rule.MalformedInput, "input amounts overflow")
		}
		inputSum = sum
	}

	return inputSum, nil
}

// checkNonce validates the nonce is strictly above the sender's
// accepted watermark, including nonces claimed by earlier candidates.
func (v *Validator) checkNonce(tx database.BlockTx, from database.AccountID, view View, ws *WorkingSet) error {
	watermark := view.Nonce(from)
	if ws != nil {
		if claimed, exists := ws.NonceOf(from); exists && claimed > watermark {
			watermark = claimed
		}
	}

	if tx.Nonce <= watermark {
		return rule.Errorf(rule.ReplayDetected, "nonce %d for account %s is not above the watermark %d", tx.Nonce, from, watermark)
	}

	return nil
}

// checkTimestamp validates the transaction was stamped within the
// configured drift of the node's clock.
func (v *Validator) checkTimestamp(tx database.BlockTx) error {
	now := uint64(v.cfg.Clock.Now().Unix())

	if tx.TimeStamp > now+v.cfg.DriftSecs {
		return rule.Errorf(rule.ReplayDetected, "timestamp %d is more than %d seconds in the future", tx.TimeStamp, v.cfg.DriftSecs)
	}
	if tx.TimeStamp+v.cfg.DriftSecs < now {
		return rule.Errorf(rule.ReplayDetected, "timestamp %d is more than %d seconds in the past", tx.TimeStamp, v.cfg.DriftSecs)
	}

	return nil
}

// checkBalance validates the inputs exactly cover the outputs plus
// the fee. No money is created or destroyed by a transaction.
func (v *Validator) checkBalance(tx database.BlockTx, inputSum uint64) error {
	var outputSum uint64
	for _, output := range tx.Outputs {
		sum, ok := addUint64(outputSum, output.Amount)
		if !ok {
			return rule.Errorf(rule.MalformedInput, "output amounts overflow")
		}
		outputSum = sum
	}

	spend, ok := addUint64(outputSum, tx.Fee)
	if !ok {
		return rule.Errorf(rule.MalformedInput, "output amounts overflow")
	}

	if inputSum != spend {
		return rule.Errorf(rule.ConsensusViolation, "inputs %d do not balance outputs %d plus fee %d", inputSum, outputSum, tx.Fee)
	}

	return nil
}

// addUint64 adds two amounts and reports whether the sum stayed in
// range.
func addUint64(a uint64, b uint64) (uint64, bool) {
	if a > math.MaxUint64-b {
		return 0, false
	}

	return a + b, true
}
