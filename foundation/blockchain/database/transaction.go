package database

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/quarrylabs/quarry/foundation/blockchain/signature"
)

// =============================================================================

// OutputRef uniquely identifies an unspent output by the id of the
// transaction that created it and the output's index inside that
// transaction.
type OutputRef struct {
	TxID  string `json:"tx_id"` // The id of the transaction that created the output.
	Index uint32 `json:"index"` // The position of the output inside that transaction.
}

// String implements the fmt.Stringer interface and doubles as the key used
// by the mempool conflict index.
func (r OutputRef) String() string {
	return fmt.Sprintf("%s:%d", r.TxID, r.Index)
}

// TxOutput moves value to the account that owns it.
type TxOutput struct {
	OwnerID AccountID `json:"owner"`  // The account that may spend this output.
	Amount  uint64    `json:"amount"` // Monetary value carried by this output.
}

// =============================================================================

// Tx is the transactional information between two parties.
type Tx struct {
	ChainID       uint16      `json:"chain_id"`                 // The chain id declared in the genesis file.
	Nonce         uint64      `json:"nonce"`                    // Ethereum: Unique id for the transaction supplied by the user.
	Inputs        []OutputRef `json:"inputs"`                   // Bitcoin: The unspent outputs being consumed.
	Outputs       []TxOutput  `json:"outputs"`                  // Bitcoin: The new outputs being created.
	Fee           uint64      `json:"fee"`                      // The fee offered to the miner, sum(inputs) - sum(outputs).
	TimeStamp     uint64      `json:"timestamp"`                // The time the transaction was created by the sender.
	ReplaceTarget string      `json:"replace_target,omitempty"` // Optional id of a mempool transaction this one replaces.
}

// NewTx constructs a new transaction.
func NewTx(chainID uint16, nonce uint64, inputs []OutputRef, outputs []TxOutput, fee uint64, replaceTarget string) (Tx, error) {
	if len(inputs) == 0 {
		return Tx{}, errors.New("transaction must spend at least one output")
	}
	if len(outputs) == 0 {
		return Tx{}, errors.New("transaction must create at least one output")
	}
	for _, out := range outputs {
		if !out.OwnerID.IsAccountID() {
			return Tx{}, fmt.Errorf("output owner %q is not properly formatted", out.OwnerID)
		}
	}

	tx := Tx{
		ChainID:       chainID,
		Nonce:         nonce,
		Inputs:        inputs,
		Outputs:       outputs,
		Fee:           fee,
		TimeStamp:     uint64(time.Now().UTC().Unix()),
		ReplaceTarget: replaceTarget,
	}

	return tx, nil
}

// IsCoinbase reports whether this is the minting transaction of a block.
// A coinbase consumes no outputs.
func (tx Tx) IsCoinbase() bool {
	return len(tx.Inputs) == 0
}

// Sign uses the specified private key to sign the transaction.
func (tx Tx) Sign(privateKey *ecdsa.PrivateKey) (SignedTx, error) {

	// Sign the transaction with the private key to produce a signature.
	v, r, s, err := signature.Sign(tx, privateKey)
	if err != nil {
		return SignedTx{}, err
	}

	// Construct the signed transaction by adding the signature
	// in the [R|S|V] format.
	signedTx := SignedTx{
		Tx: tx,
		V:  v,
		R:  r,
		S:  s,
	}

	return signedTx, nil
}

// =============================================================================

// SignedTx is a signed version of the transaction. This is how clients like
// a wallet provide transactions for inclusion into the blockchain.
type SignedTx struct {
	Tx
	V *big.Int `json:"v" validate:"required"` // Ethereum: Recovery identifier, either 29 or 30 with quarryID.
	R *big.Int `json:"r" validate:"required"` // Ethereum: First coordinate of the ECDSA signature.
	S *big.Int `json:"s" validate:"required"` // Ethereum: Second coordinate of the ECDSA signature.
}

// Validate verifies the transaction has a proper signature that conforms to
// our standards and is associated with the data claimed to be signed. It
// also checks the transaction is shaped for this chain.
func (tx SignedTx) Validate(chainID uint16) error {
	if tx.ChainID != chainID {
		return fmt.Errorf("invalid chain id, got %d, exp %d", tx.ChainID, chainID)
	}
	if len(tx.Inputs) == 0 {
		return errors.New("transaction must spend at least one output")
	}
	if len(tx.Outputs) == 0 {
		return errors.New("transaction must create at least one output")
	}
	for _, out := range tx.Outputs {
		if !out.OwnerID.IsAccountID() {
			return fmt.Errorf("output owner %q is not properly formatted", out.OwnerID)
		}
	}

	if err := signature.VerifySignature(tx.Tx, tx.V, tx.R, tx.S); err != nil {
		return err
	}

	return nil
}

// FromAccount extracts the account id that signed the transaction.
func (tx SignedTx) FromAccount() (AccountID, error) {
	address, err := signature.FromAddress(tx.Tx, tx.V, tx.R, tx.S)
	return AccountID(address), err
}

// SignatureString returns the signature as a string.
func (tx SignedTx) SignatureString() string {
	return signature.SignatureString(tx.V, tx.R, tx.S)
}

// TxID returns the unique id for the signed transaction, which is the hash
// of its serialized content. Unspent outputs are addressed by this id.
func (tx SignedTx) TxID() string {
	return signature.Hash(tx)
}

// String implements the fmt.Stringer interface for logging.
func (tx SignedTx) String() string {
	from, err := tx.FromAccount()
	if err != nil {
		from = "unknown"
	}

	return fmt.Sprintf("%s:%d", from, tx.Nonce)
}

// =============================================================================

// BlockTx represents the transaction as it's recorded inside a block.
type BlockTx struct {
	SignedTx
}

// NewBlockTx constructs a new block transaction.
func NewBlockTx(signedTx SignedTx) BlockTx {
	return BlockTx{
		SignedTx: signedTx,
	}
}

// NewCoinbaseTx constructs the minting transaction that sits first in every
// block. It consumes no outputs and carries no signature. The block height
// in the nonce field keeps its id unique across blocks.
func NewCoinbaseTx(chainID uint16, beneficiaryID AccountID, value uint64, height uint64, timeStamp uint64) BlockTx {
	tx := Tx{
		ChainID:   chainID,
		Nonce:     height,
		Outputs:   []TxOutput{{OwnerID: beneficiaryID, Amount: value}},
		TimeStamp: timeStamp,
	}

	return BlockTx{
		SignedTx: SignedTx{
			Tx: tx,
			V:  big.NewInt(0),
			R:  big.NewInt(0),
			S:  big.NewInt(0),
		},
	}
}

// Size returns the serialized size of the transaction in bytes. This is the
// unit the mempool byte budget and the block byte limit are measured in.
func (tx BlockTx) Size() uint64 {
	data, err := json.Marshal(tx)
	if err != nil {
		return 0
	}

	return uint64(len(data))
}

// FeeRate returns the fee offered per kilobyte of transaction data. The
// mempool orders and replaces transactions by this value.
func (tx BlockTx) FeeRate() uint64 {
	size := tx.Size()
	if size == 0 {
		return 0
	}

	return tx.Fee * 1000 / size
}

// Hash implements the merkle Hashable interface for providing a hash
// of a block transaction.
func (tx BlockTx) Hash() ([]byte, error) {
	str := signature.Hash(tx)

	// Need to remove the 0x prefix from the hash.
	return hex.DecodeString(str[2:])
}

// Equals implements the merkle Hashable interface for providing an equality
// check between two block transactions.
func (tx BlockTx) Equals(otherTx BlockTx) bool {
	return tx.TxID() == otherTx.TxID()
}
