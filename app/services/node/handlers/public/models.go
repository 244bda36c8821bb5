package public

import (
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
)

// txOutput represents an output of a transaction in API responses with
// the owner's name resolved.
type txOutput struct {
	OwnerID   database.AccountID `json:"owner"`
	OwnerName string             `json:"owner_name"`
	Amount    uint64             `json:"amount"`
}

// tx represents a transaction in API responses with the sender's name
// resolved.
type tx struct {
	TxID          string               `json:"tx_id"`
	FromAccount   database.AccountID   `json:"from"`
	FromName      string               `json:"from_name"`
	ChainID       uint16               `json:"chain_id"`
	Nonce         uint64               `json:"nonce"`
	Inputs        []database.OutputRef `json:"inputs"`
	Outputs       []txOutput           `json:"outputs"`
	Fee           uint64               `json:"fee"`
	TimeStamp     uint64               `json:"timestamp"`
	ReplaceTarget string               `json:"replace_target,omitempty"`
	Sig           string               `json:"sig"`
}

// block represents a block in API responses.
type block struct {
	Hash          string             `json:"hash"`
	Number        uint64             `json:"number"`
	PrevBlockHash string             `json:"prev_block_hash"`
	TimeStamp     uint64             `json:"timestamp"`
	BeneficiaryID database.AccountID `json:"beneficiary"`
	Bits          uint32             `json:"bits"`
	Nonce         uint64             `json:"nonce"`
	TransRoot     string             `json:"trans_root"`
	Transactions  []tx               `json:"txs"`
}

// act represents the spendable balance of a single account.
type act struct {
	Account database.AccountID `json:"account"`
	Name    string             `json:"name"`
	Balance uint64             `json:"balance"`
}

// actInfo represents the set of balances along with the chain position
// they were read at.
type actInfo struct {
	LastestBlock string `json:"lastest_block"`
	Uncommitted  int    `json:"uncommitted"`
	Balances     []act  `json:"balances"`
}
