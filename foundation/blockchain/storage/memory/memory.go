// Package memory implements the ability to read and write blocks to memory
// using a slice. Tests and short lived nodes use it.
package memory

import (
	"errors"
	"sync"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
)

// Memory represents the serialization implementation for reading and
// storing blocks in memory using a slice. This implements the
// database.Serializer interface.
type Memory struct {
	mu     sync.RWMutex
	blocks []database.BlockData
	byHash map[string]int
}

// New constructs a Memory value for use.
func New() (*Memory, error) {
	return &Memory{
		byHash: make(map[string]int),
	}, nil
}

// Close in this implementation has nothing to do since everything
// is in memory.
func (m *Memory) Close() error {
	return nil
}

// Reset clears out the chain.
func (m *Memory) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocks = nil
	m.byHash = make(map[string]int)

	return nil
}

// Write takes the specified block and stores it in memory. Blocks must
// arrive in order.
func (m *Memory) Write(blockData database.BlockData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uint64(len(m.blocks))+1 != blockData.Header.Number {
		return errors.New("block is out of order")
	}

	m.blocks = append(m.blocks, blockData)
	m.byHash[blockData.Hash] = len(m.blocks) - 1

	return nil
}

// GetBlock returns the block with the specified number.
func (m *Memory) GetBlock(num uint64) (database.BlockData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if num == 0 || num > uint64(len(m.blocks)) {
		return database.BlockData{}, database.ErrBlockNotFound
	}

	return m.blocks[num-1], nil
}

// GetBlockByHash returns the block with the specified hash.
func (m *Memory) GetBlockByHash(hash string) (database.BlockData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, exists := m.byHash[hash]
	if !exists {
		return database.BlockData{}, database.ErrBlockNotFound
	}

	return m.blocks[i], nil
}

// Truncate drops every block from the specified number up. A
// reorganization rewrites the tail of the chain this way.
func (m *Memory) Truncate(fromNum uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fromNum == 0 || fromNum > uint64(len(m.blocks)) {
		return nil
	}

	for _, blockData := range m.blocks[fromNum-1:] {
		delete(m.byHash, blockData.Hash)
	}
	m.blocks = m.blocks[:fromNum-1]

	return nil
}

// ForEach returns an iterator to walk through all the blocks starting
// with block number 1.
func (m *Memory) ForEach() database.Iterator {
	return &memoryIterator{
		storage: m,
		current: 1,
	}
}

// =============================================================================

// memoryIterator represents the iteration implementation for walking
// through and reading blocks in memory. This implements the database
// Iterator interface.
type memoryIterator struct {
	storage *Memory // Access to the storage API.
	current uint64  // Currenet block number being iterated over.
	eoc     bool    // Represents the iterator is at the end of the chain.
}

// Next retrieves the next block from memory.
func (mi *memoryIterator) Next() (database.BlockData, error) {
	if mi.eoc {
		return database.BlockData{}, errors.New("end of chain")
	}

	blockData, err := mi.storage.GetBlock(mi.current)
	if err != nil {
		mi.eoc = true
	}

	mi.current++

	return blockData, err
}

// Done returns the end of chain value.
func (mi *memoryIterator) Done() bool {
	return mi.eoc
}
