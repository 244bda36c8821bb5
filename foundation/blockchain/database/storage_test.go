package database_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/merkle"
	"github.com/quarrylabs/quarry/foundation/blockchain/storage/disk"
	"github.com/quarrylabs/quarry/foundation/blockchain/storage/ldb"
	"github.com/quarrylabs/quarry/foundation/blockchain/storage/memory"
)

var (
	_ database.Serializer = (*disk.Disk)(nil)
	_ database.Serializer = (*ldb.LevelDB)(nil)
	_ database.Serializer = (*memory.Memory)(nil)
)

func Test_StorageBackends(t *testing.T) {
	type backend struct {
		name string
		new  func(t *testing.T) database.Serializer
	}

	backends := []backend{
		{
			name: "disk",
			new: func(t *testing.T) database.Serializer {
				d, err := disk.New(filepath.Join(t.TempDir(), "blocks"))
				if err != nil {
					t.Fatalf("\t%s\tShould be able to open disk storage: %v", failed, err)
				}
				return d
			},
		},
		{
			name: "leveldb",
			new: func(t *testing.T) database.Serializer {
				l, err := ldb.New(filepath.Join(t.TempDir(), "blocks"))
				if err != nil {
					t.Fatalf("\t%s\tShould be able to open leveldb storage: %v", failed, err)
				}
				return l
			},
		},
		{
			name: "memory",
			new: func(t *testing.T) database.Serializer {
				m, err := memory.New()
				if err != nil {
					t.Fatalf("\t%s\tShould be able to open memory storage: %v", failed, err)
				}
				return m
			},
		},
	}

	t.Log("Given the need to store and retrieve blocks with any backend.")
	{
		for testID, bk := range backends {
			t.Logf("\tTest %d:\tWhen using the %s backend.", testID, bk.name)
			{
				f := func(t *testing.T) {
					str := bk.new(t)
					defer str.Close()

					blocks := make([]database.BlockData, 3)
					prevHash := ""
					for i := range blocks {
						block := storageBlock(t, uint64(i+1), prevHash, 100)
						blocks[i] = database.NewBlockData(block)
						prevHash = blocks[i].Hash

						if err := str.Write(blocks[i]); err != nil {
							t.Fatalf("\t%s\tTest %d:\tShould be able to write block %d: %v", failed, testID, i+1, err)
						}
					}
					t.Logf("\t%s\tTest %d:\tShould be able to write blocks.", success, testID)

					blockData, err := str.GetBlock(2)
					if err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to read a block by number: %v", failed, testID, err)
					}
					if blockData.Hash != blocks[1].Hash {
						t.Fatalf("\t%s\tTest %d:\tShould read back the same block: got %s, exp %s", failed, testID, blockData.Hash, blocks[1].Hash)
					}
					t.Logf("\t%s\tTest %d:\tShould be able to read a block by number.", success, testID)

					blockData, err = str.GetBlockByHash(blocks[2].Hash)
					if err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to read a block by hash: %v", failed, testID, err)
					}
					if blockData.Header.Number != 3 {
						t.Fatalf("\t%s\tTest %d:\tShould read back the right number: got %d, exp 3", failed, testID, blockData.Header.Number)
					}
					t.Logf("\t%s\tTest %d:\tShould be able to read a block by hash.", success, testID)

					var numbers []uint64
					iter := str.ForEach()
					for blockData, err := iter.Next(); !iter.Done(); blockData, err = iter.Next() {
						if err != nil {
							t.Fatalf("\t%s\tTest %d:\tShould be able to iterate blocks: %v", failed, testID, err)
						}
						numbers = append(numbers, blockData.Header.Number)
					}
					if len(numbers) != 3 || numbers[0] != 1 || numbers[1] != 2 || numbers[2] != 3 {
						t.Fatalf("\t%s\tTest %d:\tShould iterate blocks in chain order: got %v", failed, testID, numbers)
					}
					t.Logf("\t%s\tTest %d:\tShould iterate blocks in chain order.", success, testID)

					if err := str.Truncate(3); err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to truncate the chain tail: %v", failed, testID, err)
					}
					if _, err := str.GetBlock(3); !errors.Is(err, database.ErrBlockNotFound) {
						t.Fatalf("\t%s\tTest %d:\tShould not find a truncated block: %v", failed, testID, err)
					}
					if _, err := str.GetBlockByHash(blocks[2].Hash); !errors.Is(err, database.ErrBlockNotFound) {
						t.Fatalf("\t%s\tTest %d:\tShould not find a truncated block by hash: %v", failed, testID, err)
					}
					if _, err := str.GetBlock(2); err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould keep blocks below the truncate point: %v", failed, testID, err)
					}
					t.Logf("\t%s\tTest %d:\tShould be able to truncate the chain tail.", success, testID)

					rewrite := storageBlock(t, 3, blocks[1].Hash, 200)
					if err := str.Write(database.NewBlockData(rewrite)); err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to write a replacement block: %v", failed, testID, err)
					}
					blockData, err = str.GetBlock(3)
					if err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to read the replacement block: %v", failed, testID, err)
					}
					if blockData.Hash == blocks[2].Hash {
						t.Fatalf("\t%s\tTest %d:\tShould read the replacement, not the old block.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould be able to rewrite a truncated number.", success, testID)

					if err := str.Reset(); err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to reset storage: %v", failed, testID, err)
					}
					if _, err := str.GetBlock(1); !errors.Is(err, database.ErrBlockNotFound) {
						t.Fatalf("\t%s\tTest %d:\tShould find no blocks after reset: %v", failed, testID, err)
					}
					t.Logf("\t%s\tTest %d:\tShould be able to reset storage.", success, testID)
				}

				t.Run(bk.name, f)
			}
		}
	}
}

// storageBlock constructs a minimal block for storage tests. Storage never
// validates, so the header does not need a solved hash. The coinbase value
// keeps blocks with otherwise equal fields from hashing the same.
func storageBlock(t *testing.T, num uint64, prevHash string, value uint64) database.Block {
	coinbase := database.NewCoinbaseTx(chainID, miner, value, num, uint64(time.Now().UTC().Unix())+num)

	tree, err := merkle.NewTree([]database.BlockTx{coinbase})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to build a merkle tree: %v", failed, err)
	}

	return database.Block{
		Header: database.BlockHeader{
			Number:        num,
			PrevBlockHash: prevHash,
			TimeStamp:     uint64(time.Now().UTC().Unix()),
			BeneficiaryID: miner,
			Bits:          easyBits,
			TransRoot:     tree.MerkleRootHex(),
		},
		Trans: tree,
	}
}
