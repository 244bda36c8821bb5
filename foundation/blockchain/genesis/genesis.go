// Package genesis maintains access to the genesis file.
package genesis

import (
	"encoding/json"
	"os"
	"time"
)

// Genesis represents the genesis file.
type Genesis struct {
	Date            time.Time         `json:"date"`
	ChainID         uint16            `json:"chain_id"`          // The chain id represents an unique id for this running instance.
	TransPerBlock   uint16            `json:"trans_per_block"`   // The maximum number of transactions that can be in a block.
	BlockByteLimit  uint64            `json:"block_byte_limit"`  // The maximum number of bytes the transactions in a block may occupy.
	PowLimitBits    uint32            `json:"pow_limit_bits"`    // The easiest target a block is ever allowed to have, in compact form.
	TargetBlockSecs uint64            `json:"target_block_secs"` // How far apart blocks should be mined on average.
	RetargetWindow  uint64            `json:"retarget_window"`   // The number of recent blocks used to retarget the difficulty.
	MiningReward    uint64            `json:"mining_reward"`     // Initial reward for mining a block, before any halvings.
	HalvingInterval uint64            `json:"halving_interval"`  // The number of blocks between each halving of the mining reward.
	SupplyCap       uint64            `json:"supply_cap"`        // The maximum number of units that can ever be minted.
	CoinbaseAge     uint64            `json:"coinbase_age"`      // The number of blocks before a coinbase output can be spent.
	FinalityWindow  uint64            `json:"finality_window"`   // The maximum chain depth a reorganization may rewrite.
	Balances        map[string]uint64 `json:"balances"`
}

// =============================================================================

// Load opens and consumes the genesis file.
func Load() (Genesis, error) {
	path := "zblock/genesis.json"
	return LoadWithPath(path)
}

// LoadWithPath opens and consumes the genesis file from the specified path.
func LoadWithPath(path string) (Genesis, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, err
	}

	var genesis Genesis
	err = json.Unmarshal(content, &genesis)
	if err != nil {
		return Genesis{}, err
	}

	return genesis, nil
}

// Subsidy returns the mining reward for a block at the specified height,
// applying the halving schedule and clipping the reward so the total minted
// supply can never exceed the supply cap.
func (g Genesis) Subsidy(height uint64) uint64 {
	if height == 0 || g.MiningReward == 0 {
		return 0
	}

	reward := g.MiningReward
	if g.HalvingInterval > 0 {
		halvings := (height - 1) / g.HalvingInterval
		if halvings >= 64 {
			return 0
		}
		reward >>= halvings
	}

	if g.SupplyCap > 0 {
		minted := g.MintedThrough(height - 1)
		if minted >= g.SupplyCap {
			return 0
		}
		if remaining := g.SupplyCap - minted; reward > remaining {
			reward = remaining
		}
	}

	return reward
}

// MintedThrough returns the total subsidy minted by all blocks up to and
// including the specified height. The value is a pure function of the
// schedule so every node computes the same supply.
func (g Genesis) MintedThrough(height uint64) uint64 {
	var minted uint64
	for h := uint64(1); h <= height; h++ {
		reward := g.MiningReward
		if g.HalvingInterval > 0 {
			halvings := (h - 1) / g.HalvingInterval
			if halvings >= 64 {
				break
			}
			reward >>= halvings
		}
		if reward == 0 {
			break
		}
		if g.SupplyCap > 0 && minted+reward > g.SupplyCap {
			reward = g.SupplyCap - minted
		}
		minted += reward
		if g.SupplyCap > 0 && minted == g.SupplyCap {
			break
		}
	}

	return minted
}
