package state

import (
	"math/big"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/genesis"
	"github.com/quarrylabs/quarry/foundation/blockchain/peer"
)

// Tip describes the head of the active chain.
type Tip struct {
	Height         uint64   `json:"height"`
	Hash           string   `json:"hash"`
	CumulativeWork *big.Int `json:"cumulative_work"`
}

// RetrieveTip returns the position and accumulated work of the active
// chain head.
func (s *State) RetrieveTip() Tip {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Tip{
		Height:         s.active.height,
		Hash:           s.active.hash,
		CumulativeWork: new(big.Int).Set(s.active.workSum),
	}
}

// RetrieveHost returns a copy of host information.
func (s *State) RetrieveHost() string {
	return s.host
}

// RetrieveGenesis returns a copy of the genesis information.
func (s *State) RetrieveGenesis() genesis.Genesis {
	return s.genesis
}

// RetrieveLatestBlock returns a copy of the current latest block.
func (s *State) RetrieveLatestBlock() database.Block {
	return s.db.LatestBlock()
}

// RetrieveKnownPeers retrieves a copy of the known peer list.
func (s *State) RetrieveKnownPeers() []peer.Peer {
	return s.knownPeers.Copy(s.host)
}
