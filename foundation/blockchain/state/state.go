// Package state is the core API for the blockchain and implements all the
// business rules and processing.
package state

import (
	"crypto/ecdsa"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/looplab/fsm"
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/genesis"
	"github.com/quarrylabs/quarry/foundation/blockchain/ledger"
	"github.com/quarrylabs/quarry/foundation/blockchain/mempool"
	"github.com/quarrylabs/quarry/foundation/blockchain/mempool/selector"
	"github.com/quarrylabs/quarry/foundation/blockchain/peer"
	"github.com/quarrylabs/quarry/foundation/blockchain/rule"
	"github.com/quarrylabs/quarry/foundation/blockchain/validator"
)

// Defaults applied for zero config values.
const (
	DefaultTxDriftSecs    = 3600
	DefaultBlockDriftSecs = 2 * 3600
	DefaultOrphanTTL      = 10 * time.Minute
	DefaultOrphanMax      = 256
	DefaultNetTimeout     = 10 * time.Second
)

// medianTimeBlocks is the number of recent ancestors a block timestamp
// must beat the median of.
const medianTimeBlocks = 11

// =============================================================================

// EventHandler defines a function that is called when events
// occur in the processing of persisting blocks.
type EventHandler func(v string, args ...any)

// Worker interface represents the behavior required to be implemented by any
// package providing support for mining, peer updates, and transaction sharing.
type Worker interface {
	Shutdown()
	SignalStartMining()
	SignalCancelMining() (done func())
	SignalShareTx(blockTx database.BlockTx)
}

// =============================================================================

// Config represents the configuration required to start
// the blockchain node.
type Config struct {
	BeneficiaryID  database.AccountID
	Host           string
	NodeKey        *ecdsa.PrivateKey
	Genesis        genesis.Genesis
	Storage        database.Serializer
	SelectStrategy string
	MaxMempoolTxs  int
	TxDriftSecs    uint64
	BlockDriftSecs uint64
	OrphanTTL      time.Duration
	OrphanMax      uint64
	BanThreshold   uint64
	NetTimeout     time.Duration
	KnownPeers     *peer.PeerSet
	EvHandler      EventHandler
	Clock          clock.Clock
}

// State manages the blockchain database.
type State struct {
	mu sync.Mutex

	beneficiaryID database.AccountID
	host          string
	nodeKey       *ecdsa.PrivateKey
	evHandler     EventHandler
	clock         clock.Clock
	blockDrift    uint64
	netTimeout    time.Duration

	genesis    genesis.Genesis
	db         *database.Database
	ledger     *ledger.Ledger
	mempool    *mempool.Mempool
	validator  *validator.Validator
	knownPeers *peer.PeerSet
	reputation *peer.Reputation

	index   map[string]*blockNode
	active  *blockNode
	orphans *ttlcache.Cache[string, database.Block]
	machine *fsm.FSM

	sequence sequencer

	Worker Worker
}

// New constructs a new blockchain for data management. The blocks already
// in storage are refolded into the ledger so the node resumes exactly
// where it stopped.
func New(cfg Config) (*State, error) {

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	if cfg.TxDriftSecs == 0 {
		cfg.TxDriftSecs = DefaultTxDriftSecs
	}
	if cfg.BlockDriftSecs == 0 {
		cfg.BlockDriftSecs = DefaultBlockDriftSecs
	}
	if cfg.OrphanTTL == 0 {
		cfg.OrphanTTL = DefaultOrphanTTL
	}
	if cfg.OrphanMax == 0 {
		cfg.OrphanMax = DefaultOrphanMax
	}
	if cfg.NetTimeout == 0 {
		cfg.NetTimeout = DefaultNetTimeout
	}
	if cfg.SelectStrategy == "" {
		cfg.SelectStrategy = selector.StrategyFeeRate
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	initPrometheusMetrics()

	// Access the storage for the blockchain.
	db, err := database.New(cfg.Genesis, cfg.Storage)
	if err != nil {
		return nil, err
	}

	// Fold the genesis balances into a fresh ledger.
	lgr, err := ledger.New(cfg.Genesis)
	if err != nil {
		return nil, err
	}

	// Construct a mempool with the specified sort strategy.
	mpool, err := mempool.NewWithStrategy(cfg.MaxMempoolTxs, cfg.SelectStrategy)
	if err != nil {
		return nil, err
	}

	// Transactions are judged against the rules declared in the
	// genesis document.
	vtor := validator.New(validator.Config{
		ChainID:    cfg.Genesis.ChainID,
		MaxTxBytes: cfg.Genesis.BlockByteLimit,
		SupplyCap:  cfg.Genesis.SupplyCap,
		DriftSecs:  cfg.TxDriftSecs,
		Clock:      cfg.Clock,
	})

	// Blocks whose parent is not known yet wait here for a bounded time.
	orphans := ttlcache.New[string, database.Block](
		ttlcache.WithTTL[string, database.Block](cfg.OrphanTTL),
		ttlcache.WithCapacity[string, database.Block](cfg.OrphanMax),
		ttlcache.WithDisableTouchOnHit[string, database.Block](),
	)

	// Create the State to provide support for managing the blockchain.
	s := State{
		beneficiaryID: cfg.BeneficiaryID,
		host:          cfg.Host,
		nodeKey:       cfg.NodeKey,
		evHandler:     ev,
		clock:         cfg.Clock,
		blockDrift:    cfg.BlockDriftSecs,
		netTimeout:    cfg.NetTimeout,

		genesis:    cfg.Genesis,
		db:         db,
		ledger:     lgr,
		mempool:    mpool,
		validator:  vtor,
		knownPeers: cfg.KnownPeers,
		reputation: peer.NewReputation(cfg.BanThreshold),

		index:   make(map[string]*blockNode),
		orphans: orphans,
	}

	s.machine = newMachine(ev)

	// The root of the index stands in for the chain before any block
	// has been mined.
	root := newRootNode()
	s.index[root.hash] = root
	s.active = root

	// The outbound message sequence is seeded from the clock so a
	// restarted node keeps climbing past what peers already saw.
	s.sequence.seed(uint64(cfg.Clock.Now().UnixNano()))

	// Refold the blocks already on disk into the ledger.
	if err := s.refold(); err != nil {
		return nil, err
	}

	go s.orphans.Start()

	// The Worker is not set here. The call to worker.Run will assign itself
	// and start everything up and running for the node.

	return &s, nil
}

// Shutdown cleanly brings the node down.
func (s *State) Shutdown() error {
	s.evHandler("state: shutdown: started")
	defer s.evHandler("state: shutdown: completed")

	// Make sure the database file is properly closed.
	defer func() {
		s.db.Close()
	}()

	// Stop all blockchain writing activity.
	s.Worker.Shutdown()

	// Stop the orphan pool eviction loop.
	s.orphans.Stop()

	return nil
}

// =============================================================================

// refold replays every block on disk through the acceptance checks so the
// in-memory ledger and block index match what was persisted. Blocks are
// validated as they were on first acceptance, so a tampered file on disk
// fails loudly here.
func (s *State) refold() error {
	iter := s.db.ForEach()
	for block, err := iter.Next(); !iter.Done(); block, err = iter.Next() {
		if err != nil {
			return err
		}

		parent, exists := s.index[block.Header.PrevBlockHash]
		if !exists || parent != s.active {
			return rule.Errorf(rule.ConsensusViolation, "stored block %d does not extend the chain being refolded", block.Header.Number)
		}

		if err := block.ValidateBlock(parent.block, s.validateContext(parent), s.evHandler); err != nil {
			return err
		}
		for _, tx := range block.Trans.Values()[1:] {
			if _, err := s.validator.ValidateSanity(tx); err != nil {
				return err
			}
		}

		undo, err := s.ledger.ApplyBlock(block)
		if err != nil {
			return err
		}

		node := newBlockNode(block, parent)
		node.undo = undo
		s.index[node.hash] = node
		s.active = node
		s.pruneJournals()

		s.db.UpdateLatestBlock(block)
	}

	s.evHandler("state: refold: height[%d] accounts[%d] outputs[%d]", s.active.height, len(s.ledger.Balances()), s.ledger.Len())

	return nil
}

// currentView returns the ledger the next block would be judged against
// and the height that block would have. Published ledgers are never
// mutated, mutation always happens on a private clone that is then
// swapped in, so the returned value is safe to read without the lock.
func (s *State) currentView() (*ledger.Ledger, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ledger, s.active.height + 1
}
