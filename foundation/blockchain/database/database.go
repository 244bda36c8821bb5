// Package database handles the lower level support for maintaining the
// blockchain on disk. Only blocks are ever persisted; the unspent output
// state is refolded from the block sequence at startup.
package database

import (
	"errors"
	"sync"

	"github.com/quarrylabs/quarry/foundation/blockchain/genesis"
)

// ErrBlockNotFound is returned when the requested block does not exist in
// storage.
var ErrBlockNotFound = errors.New("block not found")

// Serializer interface represents the behavior required to be implemented by
// any package providing support for storing and reading the blockchain.
type Serializer interface {
	Write(blockData BlockData) error
	GetBlock(num uint64) (BlockData, error)
	GetBlockByHash(hash string) (BlockData, error)
	Truncate(fromNum uint64) error
	ForEach() Iterator
	Close() error
	Reset() error
}

// Iterator interface represents the behavior required to be implemented by
// any package providing support to iterate over the blocks.
type Iterator interface {
	Next() (BlockData, error)
	Done() bool
}

// =============================================================================

// DatabaseIterator provides support for iterating over the blocks in storage
// with database Block values.
type DatabaseIterator struct {
	iterator Iterator
}

// Next retrieves the next block from storage.
func (di *DatabaseIterator) Next() (Block, error) {
	blockData, err := di.iterator.Next()
	if err != nil {
		return Block{}, err
	}

	return ToBlock(blockData)
}

// Done returns the end of chain value.
func (di *DatabaseIterator) Done() bool {
	return di.iterator.Done()
}

// =============================================================================

// Database manages access to the blocks that make up the active chain.
type Database struct {
	mu sync.RWMutex

	genesis     genesis.Genesis
	latestBlock Block

	serializer Serializer
}

// New constructs a new database value for use. The blocks already in
// storage are folded into the ledger by the state package, which updates
// the latest block as it goes.
func New(genesis genesis.Genesis, serializer Serializer) (*Database, error) {
	db := Database{
		genesis:    genesis,
		serializer: serializer,
	}

	return &db, nil
}

// Close closes the open blocks database.
func (db *Database) Close() {
	db.serializer.Close()
}

// Reset re-initializes the database back to the genesis state.
func (db *Database) Reset() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.serializer.Reset(); err != nil {
		return err
	}
	db.latestBlock = Block{}

	return nil
}

// UpdateLatestBlock provides safe access to update the latest block.
func (db *Database) UpdateLatestBlock(block Block) {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.latestBlock = block
}

// LatestBlock returns the latest block. A zero block represents the
// genesis state before any block has been mined.
func (db *Database) LatestBlock() Block {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.latestBlock
}

// Write adds a new block to the chain.
func (db *Database) Write(block Block) error {
	return db.serializer.Write(NewBlockData(block))
}

// Truncate removes the blocks with the specified number and above from
// storage. It is used when a reorganization abandons the tail of the
// active chain.
func (db *Database) Truncate(fromNum uint64) error {
	return db.serializer.Truncate(fromNum)
}

// ForEach returns an iterator to walk through all the blocks
// starting with block number 1.
func (db *Database) ForEach() DatabaseIterator {
	return DatabaseIterator{iterator: db.serializer.ForEach()}
}

// GetBlock searches the blockchain on disk to locate and return the
// contents of the specified block by number.
func (db *Database) GetBlock(num uint64) (Block, error) {
	blockData, err := db.serializer.GetBlock(num)
	if err != nil {
		return Block{}, err
	}

	return ToBlock(blockData)
}

// GetBlockByHash searches the blockchain on disk to locate and return the
// contents of the specified block by hash.
func (db *Database) GetBlockByHash(hash string) (Block, error) {
	blockData, err := db.serializer.GetBlockByHash(hash)
	if err != nil {
		return Block{}, err
	}

	return ToBlock(blockData)
}
