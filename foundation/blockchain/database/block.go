package database

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math"
	"math/big"

	"github.com/quarrylabs/quarry/foundation/blockchain/difficulty"
	"github.com/quarrylabs/quarry/foundation/blockchain/merkle"
	"github.com/quarrylabs/quarry/foundation/blockchain/rule"
	"github.com/quarrylabs/quarry/foundation/blockchain/signature"
)

// =============================================================================

// BlockHeader represents common information required for each block.
type BlockHeader struct {
	Number        uint64    `json:"number"`          // Ethereum: Block number in the chain.
	PrevBlockHash string    `json:"prev_block_hash"` // Bitcoin: Hash of the previous block in the chain.
	TimeStamp     uint64    `json:"timestamp"`       // Bitcoin: Time the block was mined.
	BeneficiaryID AccountID `json:"beneficiary"`     // Ethereum: The account receiving the coinbase output.
	Bits          uint32    `json:"bits"`            // Bitcoin: Compact form of the target the block hash must not exceed.
	Nonce         uint64    `json:"nonce"`           // Bitcoin: Value identified to solve the hash solution.
	TransRoot     string    `json:"trans_root"`      // Bitcoin/Ethereum: Represents the merkle tree root hash for the transactions in this block.
}

// Block represents a group of transactions batched together.
type Block struct {
	Header BlockHeader
	Trans  *merkle.Tree[BlockTx]
}

// POWArgs represents the set of arguments required to run POW.
type POWArgs struct {
	BeneficiaryID AccountID
	Bits          uint32
	PrevBlock     Block
	TimeStamp     uint64
	Trans         []BlockTx
	EvHandler     func(v string, args ...any)
}

// POW constructs a new Block and performs the work to find a nonce that
// solves the cryptographic POW puzzle. The transactions must already
// include the coinbase at index zero.
func POW(ctx context.Context, args POWArgs) (Block, error) {

	// When mining the first block, the previous block's hash will be zero.
	prevBlockHash := signature.ZeroHash
	if args.PrevBlock.Header.Number > 0 {
		prevBlockHash = args.PrevBlock.Hash()
	}

	// Construct a merkle tree from the transactions for this block. The
	// root of this tree will be part of the block to be mined.
	tree, err := merkle.NewTree(args.Trans)
	if err != nil {
		return Block{}, err
	}

	// Construct the block to be mined.
	nb := Block{
		Header: BlockHeader{
			Number:        args.PrevBlock.Header.Number + 1,
			PrevBlockHash: prevBlockHash,
			TimeStamp:     args.TimeStamp,
			BeneficiaryID: args.BeneficiaryID,
			Bits:          args.Bits,
			Nonce:         0, // Will be identified by the POW algorithm.
			TransRoot:     tree.MerkleRootHex(),
		},
		Trans: tree,
	}

	// Perform the proof of work mining operation.
	if err := nb.performPOW(ctx, args.EvHandler); err != nil {
		return Block{}, err
	}

	return nb, nil
}

// performPOW does the work of mining to find a valid hash for a specified
// block. Pointer semantics are being used since a nonce is being discovered.
func (b *Block) performPOW(ctx context.Context, ev func(v string, args ...any)) error {
	ev("database: PerformPOW: MINING: started")
	defer ev("database: PerformPOW: MINING: completed")

	// Log the transactions that are a part of this potential block.
	for _, tx := range b.Trans.Values() {
		ev("database: PerformPOW: MINING: tx[%s]", tx)
	}

	// The target this block's hash must not exceed.
	target := difficulty.CompactToBig(b.Header.Bits)

	// Choose a random starting point for the nonce. After this, the nonce
	// will be incremented by 1 until a solution is found by us or another node.
	nBig, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		return ctx.Err()
	}
	b.Header.Nonce = nBig.Uint64()

	// Loop until we or another node finds a solution for the next block.
	var attempts uint64
	for {
		attempts++
		if attempts%1_000_000 == 0 {
			ev("database: PerformPOW: MINING: attempts[%d]", attempts)
		}

		// Did we timeout trying to solve the problem.
		if ctx.Err() != nil {
			ev("database: PerformPOW: MINING: CANCELLED")
			return ctx.Err()
		}

		// Hash the block and check if we have solved the puzzle.
		hash := b.Hash()
		if !isHashSolved(hash, target) {
			b.Header.Nonce++
			continue
		}

		ev("database: PerformPOW: MINING: SOLVED: prevBlk[%s]: newBlk[%s]", b.Header.PrevBlockHash, hash)
		ev("database: PerformPOW: MINING: attempts[%d]", attempts)

		return nil
	}
}

// Hash returns the unique hash for the Block.
func (b Block) Hash() string {
	if b.Header.Number == 0 {
		return signature.ZeroHash
	}

	// CORE NOTE: Hashing the block header and not the whole block so the
	// blockchain can be cryptographically checked by only needing block
	// headers and not full blocks with the transaction data. This will
	// support the ability to have pruned nodes in the future.

	return signature.Hash(b.Header)
}

// Size returns the serialized size of the block in bytes.
func (b Block) Size() uint64 {
	data, err := json.Marshal(NewBlockData(b))
	if err != nil {
		return 0
	}

	return uint64(len(data))
}

// =============================================================================

// ValidateContext carries the chain context a candidate block is judged
// against. The state machine assembles it from the branch the block
// extends.
type ValidateContext struct {
	ExpectedBits  uint32 // The target the retarget function requires at this height.
	MedianTime    uint64 // Median timestamp of the recent ancestors.
	Now           uint64 // The local wall clock.
	MaxFutureSecs uint64 // How far past Now the block timestamp may run.
	Subsidy       uint64 // The coinbase subsidy allowed at this height.
	MaxTrans      uint16 // The maximum number of transactions per block.
	MaxBytes      uint64 // The maximum serialized size of a block.
}

// ValidateBlock takes a block and validates it to be included into the
// blockchain. The transactions themselves are judged separately against
// the ledger as of the parent block.
func (b Block) ValidateBlock(previousBlock Block, vctx ValidateContext, evHandler func(v string, args ...any)) error {
	evHandler("database: ValidateBlock: validate: blk[%d]: check: block number is the next number", b.Header.Number)

	nextNumber := previousBlock.Header.Number + 1
	if b.Header.Number != nextNumber {
		return rule.Errorf(rule.ConsensusViolation, "this block is not the next number, got %d, exp %d", b.Header.Number, nextNumber)
	}

	evHandler("database: ValidateBlock: validate: blk[%d]: check: parent hash does match parent block", b.Header.Number)

	if b.Header.PrevBlockHash != previousBlock.Hash() {
		return rule.Errorf(rule.ConsensusViolation, "parent block hash doesn't match our known parent, got %s, exp %s", b.Header.PrevBlockHash, previousBlock.Hash())
	}

	evHandler("database: ValidateBlock: validate: blk[%d]: check: block is within size limits", b.Header.Number)

	trans := b.Trans.Values()
	if len(trans) > int(vctx.MaxTrans) {
		return rule.Errorf(rule.ConsensusViolation, "too many transactions, got %d, limit %d", len(trans), vctx.MaxTrans)
	}
	if size := b.Size(); size > vctx.MaxBytes {
		return rule.Errorf(rule.ConsensusViolation, "block too large, got %d bytes, limit %d", size, vctx.MaxBytes)
	}

	evHandler("database: ValidateBlock: validate: blk[%d]: check: first transaction is the only coinbase", b.Header.Number)

	if len(trans) == 0 || !trans[0].IsCoinbase() {
		return rule.Errorf(rule.ConsensusViolation, "first transaction is not a coinbase")
	}
	coinbase := trans[0]
	if len(coinbase.Outputs) != 1 {
		return rule.Errorf(rule.ConsensusViolation, "coinbase must create exactly one output, got %d", len(coinbase.Outputs))
	}
	if coinbase.Outputs[0].OwnerID != b.Header.BeneficiaryID {
		return rule.Errorf(rule.ConsensusViolation, "coinbase output owner %s is not the beneficiary %s", coinbase.Outputs[0].OwnerID, b.Header.BeneficiaryID)
	}
	for _, tx := range trans[1:] {
		if tx.IsCoinbase() {
			return rule.Errorf(rule.ConsensusViolation, "more than one coinbase in block")
		}
	}

	evHandler("database: ValidateBlock: validate: blk[%d]: check: merkle root does match transactions", b.Header.Number)

	if b.Header.TransRoot != b.Trans.MerkleRootHex() {
		return rule.Errorf(rule.ConsensusViolation, "merkle root does not match transactions, got %s, exp %s", b.Trans.MerkleRootHex(), b.Header.TransRoot)
	}

	evHandler("database: ValidateBlock: validate: blk[%d]: check: target matches the retarget schedule", b.Header.Number)

	if b.Header.Bits != vctx.ExpectedBits {
		return rule.Errorf(rule.ConsensusViolation, "wrong difficulty bits, got %08x, exp %08x", b.Header.Bits, vctx.ExpectedBits)
	}

	evHandler("database: ValidateBlock: validate: blk[%d]: check: block hash has been solved", b.Header.Number)

	hash := b.Hash()
	if !isHashSolved(hash, difficulty.CompactToBig(b.Header.Bits)) {
		return rule.Errorf(rule.ConsensusViolation, "%s invalid block hash", hash)
	}

	evHandler("database: ValidateBlock: validate: blk[%d]: check: block timestamp is inside the allowed window", b.Header.Number)

	if b.Header.TimeStamp <= vctx.MedianTime {
		return rule.Errorf(rule.ConsensusViolation, "block timestamp %d is not past the median time %d", b.Header.TimeStamp, vctx.MedianTime)
	}
	if b.Header.TimeStamp > vctx.Now+vctx.MaxFutureSecs {
		return rule.Errorf(rule.ConsensusViolation, "block timestamp %d is too far in the future, now %d, drift %d", b.Header.TimeStamp, vctx.Now, vctx.MaxFutureSecs)
	}

	evHandler("database: ValidateBlock: validate: blk[%d]: check: coinbase value is inside the schedule", b.Header.Number)

	var fees uint64
	for _, tx := range trans[1:] {
		fees += tx.Fee
	}
	if coinbase.Outputs[0].Amount > vctx.Subsidy+fees {
		return rule.Errorf(rule.ConsensusViolation, "coinbase value %d exceeds subsidy %d plus fees %d", coinbase.Outputs[0].Amount, vctx.Subsidy, fees)
	}

	return nil
}

// isHashSolved checks the hash to make sure it complies with the POW rules.
// The hash interpreted as a big integer must not exceed the target.
func isHashSolved(hash string, target *big.Int) bool {
	hashNum, err := difficulty.HashToBig(hash)
	if err != nil {
		return false
	}

	return hashNum.Cmp(target) <= 0
}

// =============================================================================

// BlockData represents what can be serialized to disk and over the network.
type BlockData struct {
	Hash   string      `json:"hash"`
	Header BlockHeader `json:"block"`
	Trans  []BlockTx   `json:"trans"`
}

// NewBlockData constructs block data from a block.
func NewBlockData(block Block) BlockData {
	blockData := BlockData{
		Hash:   block.Hash(),
		Header: block.Header,
		Trans:  block.Trans.Values(),
	}

	return blockData
}

// ToBlock converts a storage block into a database block.
func ToBlock(blockData BlockData) (Block, error) {
	tree, err := merkle.NewTree(blockData.Trans)
	if err != nil {
		return Block{}, err
	}

	nb := Block{
		Header: blockData.Header,
		Trans:  tree,
	}

	return nb, nil
}
