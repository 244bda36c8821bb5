// Package ldb implements the ability to read and write blocks to storage
// using a leveldb key/value store.
package ldb

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
)

// Key prefixes for the two record families kept in the store. Blocks
// live under height ordered keys and the hash index maps a block hash
// back to its height.
const (
	blockKeyPrefix = 'b'
	hashKeyPrefix  = 'h'
)

// LevelDB represents the serialization implementation for storing the
// chain in a leveldb key/value store. This implements the
// database.Serializer interface.
type LevelDB struct {
	dbPath string
	db     *leveldb.DB
}

// New constructs a LevelDB value for use. If the store at the specified
// path is corrupted, an attempt is made to recover it.
func New(dbPath string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if _, corrupted := err.(*ldberrors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(dbPath, nil)
	}
	if err != nil {
		return nil, err
	}

	return &LevelDB{dbPath: dbPath, db: db}, nil
}

// Close cleanly releases the underlying store.
func (l *LevelDB) Close() error {
	return l.db.Close()
}

// Reset removes the storage area and re-creates it empty.
func (l *LevelDB) Reset() error {
	if err := l.db.Close(); err != nil {
		return err
	}

	if err := os.RemoveAll(l.dbPath); err != nil {
		return err
	}

	db, err := leveldb.OpenFile(l.dbPath, nil)
	if err != nil {
		return err
	}
	l.db = db

	return nil
}

// Write stores the block under its height ordered key and indexes the
// block hash in the same batch so the two records can't diverge.
func (l *LevelDB) Write(blockData database.BlockData) error {
	data, err := json.Marshal(blockData)
	if err != nil {
		return err
	}

	num := make([]byte, 8)
	binary.BigEndian.PutUint64(num, blockData.Header.Number)

	batch := new(leveldb.Batch)
	batch.Put(blockKey(blockData.Header.Number), data)
	batch.Put(hashKey(blockData.Hash), num)

	return l.db.Write(batch, nil)
}

// GetBlock searches the store to locate and return the contents of the
// specified block by number.
func (l *LevelDB) GetBlock(num uint64) (database.BlockData, error) {
	data, err := l.db.Get(blockKey(num), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return database.BlockData{}, database.ErrBlockNotFound
		}
		return database.BlockData{}, err
	}

	var blockData database.BlockData
	if err := json.Unmarshal(data, &blockData); err != nil {
		return database.BlockData{}, err
	}

	return blockData, nil
}

// GetBlockByHash resolves the hash through the index and returns the
// contents of the block it names.
func (l *LevelDB) GetBlockByHash(hash string) (database.BlockData, error) {
	num, err := l.db.Get(hashKey(hash), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return database.BlockData{}, database.ErrBlockNotFound
		}
		return database.BlockData{}, err
	}

	return l.GetBlock(binary.BigEndian.Uint64(num))
}

// Truncate removes the blocks with the specified number and above along
// with their hash index entries. The deletes run as one batch.
func (l *LevelDB) Truncate(fromNum uint64) error {
	rng := util.Range{Start: blockKey(fromNum), Limit: []byte{blockKeyPrefix + 1}}
	iter := l.db.NewIterator(&rng, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		var blockData database.BlockData
		if err := json.Unmarshal(iter.Value(), &blockData); err != nil {
			return err
		}

		// The slices an iterator hands out are only valid until the
		// next call to Next.
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())

		batch.Delete(key)
		batch.Delete(hashKey(blockData.Hash))
	}
	if err := iter.Error(); err != nil {
		return err
	}

	return l.db.Write(batch, nil)
}

// ForEach returns an iterator to walk through all the blocks starting
// with block number 1. Big endian height keys keep leveldb's
// lexicographic order in chain order.
func (l *LevelDB) ForEach() database.Iterator {
	return &ldbIterator{
		iter: l.db.NewIterator(util.BytesPrefix([]byte{blockKeyPrefix}), nil),
	}
}

// blockKey forms the height ordered key for the specified block number.
func blockKey(num uint64) []byte {
	key := make([]byte, 9)
	key[0] = blockKeyPrefix
	binary.BigEndian.PutUint64(key[1:], num)

	return key
}

// hashKey forms the index key for the specified block hash.
func hashKey(hash string) []byte {
	return append([]byte{hashKeyPrefix}, hash...)
}

// =============================================================================

// ldbIterator represents the iteration implementation for walking
// through and reading blocks in the store. This implements the database
// Iterator interface.
type ldbIterator struct {
	iter iterator.Iterator
	eoc  bool
}

// Next retrieves the next block from the store.
func (li *ldbIterator) Next() (database.BlockData, error) {
	if li.eoc {
		return database.BlockData{}, errors.New("end of chain")
	}

	if !li.iter.Next() {
		li.eoc = true
		err := li.iter.Error()
		li.iter.Release()
		if err != nil {
			return database.BlockData{}, err
		}
		return database.BlockData{}, errors.New("end of chain")
	}

	var blockData database.BlockData
	if err := json.Unmarshal(li.iter.Value(), &blockData); err != nil {
		return database.BlockData{}, err
	}

	return blockData, nil
}

// Done returns the end of chain value.
func (li *ldbIterator) Done() bool {
	return li.eoc
}
