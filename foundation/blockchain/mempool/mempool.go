// Package mempool maintains the pool of transactions waiting to be
// mined. The pool is keyed by transaction id with a second index on
// the outputs each transaction spends, so a double spend inside the
// pool is caught on insert and a declared replacement can evict its
// target.
package mempool

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/mempool/selector"
	"github.com/quarrylabs/quarry/foundation/blockchain/rule"
)

// DefaultMaxTxs bounds the pool when no explicit capacity is given.
const DefaultMaxTxs = 4096

// Mempool represents a cache of transactions keyed by transaction id
// with a conflict index keyed by spent output.
type Mempool struct {
	mu        sync.RWMutex
	pool      map[string]selector.Entry
	conflicts map[database.OutputRef]string
	maxTxs    int
	selectFn  selector.Func
}

// New constructs a new mempool using the default sort strategy.
func New(maxTxs int) (*Mempool, error) {
	return NewWithStrategy(maxTxs, selector.StrategyFeeRate)
}

// NewWithStrategy constructs a new mempool with specified sort strategy.
func NewWithStrategy(maxTxs int, strategy string) (*Mempool, error) {
	selectFn, err := selector.Retrieve(strategy)
	if err != nil {
		return nil, err
	}

	if maxTxs <= 0 {
		maxTxs = DefaultMaxTxs
	}

	mp := Mempool{
		pool:      make(map[string]selector.Entry),
		conflicts: make(map[database.OutputRef]string),
		maxTxs:    maxTxs,
		selectFn:  selectFn,
	}

	return &mp, nil
}

// Count returns the current number of transactions in the pool.
func (mp *Mempool) Count() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return len(mp.pool)
}

// Upsert adds a transaction to the mempool. A transaction whose inputs
// collide with a pooled transaction is rejected unless it declares that
// transaction as its replacement target and pays a strictly higher fee
// rate; the target is then evicted. When the pool is full the lowest
// paying entry makes room for a better paying newcomer.
func (mp *Mempool) Upsert(tx database.BlockTx) (int, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	txID := tx.TxID()

	// Re-broadcasts of a pooled transaction are not an error.
	if _, exists := mp.pool[txID]; exists {
		return len(mp.pool), nil
	}

	conflictIDs := mp.conflictingIDs(tx)

	switch {
	case len(conflictIDs) > 0:
		if err := mp.replaceTarget(tx, conflictIDs); err != nil {
			return len(mp.pool), err
		}

	case len(mp.pool) >= mp.maxTxs:
		if err := mp.evictWeakest(tx); err != nil {
			return len(mp.pool), err
		}
	}

	mp.pool[txID] = selector.Entry{
		Tx:      tx,
		FeeRate: tx.FeeRate(),
		Arrival: time.Now().UTC(),
	}
	for _, ref := range tx.Inputs {
		mp.conflicts[ref] = txID
	}

	return len(mp.pool), nil
}

// Delete removes a transaction from the mempool.
func (mp *Mempool) Delete(tx database.BlockTx) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.remove(tx)

	return nil
}

// Confirmed removes transactions that made it into a block, along with
// any pooled transaction spending one of the same outputs, since those
// can never confirm now.
func (mp *Mempool) Confirmed(txs []database.BlockTx) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	for _, tx := range txs {
		mp.remove(tx)

		for _, ref := range tx.Inputs {
			claimerID, claimed := mp.conflicts[ref]
			if !claimed {
				continue
			}
			if entry, exists := mp.pool[claimerID]; exists {
				mp.remove(entry.Tx)
			}
		}
	}
}

// Truncate clears all the transactions from the pool.
func (mp *Mempool) Truncate() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.pool = make(map[string]selector.Entry)
	mp.conflicts = make(map[database.OutputRef]string)
}

// PickBest returns the best paying transactions whose combined size
// fits the byte budget, walking the selection order. A howMany of -1
// applies no count bound and a maxBytes of 0 applies no byte bound.
func (mp *Mempool) PickBest(howMany int, maxBytes uint64) []database.BlockTx {
	entries := mp.selectFn(mp.entries(), -1)

	var picks []database.BlockTx
	var bytes uint64

	for _, entry := range entries {
		if howMany != -1 && len(picks) >= howMany {
			break
		}

		size := entry.Tx.Size()
		if maxBytes != 0 && bytes+size > maxBytes {
			continue
		}

		picks = append(picks, entry.Tx)
		bytes += size
	}

	return picks
}

// Snapshot returns every pooled entry in the selection order.
func (mp *Mempool) Snapshot() []selector.Entry {
	return mp.selectFn(mp.entries(), -1)
}

// =============================================================================

// conflictingIDs returns the ids of the pooled transactions claiming
// any of the specified transaction's inputs.
func (mp *Mempool) conflictingIDs(tx database.BlockTx) []string {
	ids := make(map[string]struct{})
	for _, ref := range tx.Inputs {
		if claimerID, claimed := mp.conflicts[ref]; claimed {
			ids[claimerID] = struct{}{}
		}
	}

	conflictIDs := make([]string, 0, len(ids))
	for id := range ids {
		conflictIDs = append(conflictIDs, id)
	}
	sort.Strings(conflictIDs)

	return conflictIDs
}

// replaceTarget enforces the replacement rules against the pooled
// transactions the newcomer conflicts with and evicts the target when
// the replacement qualifies.
func (mp *Mempool) replaceTarget(tx database.BlockTx, conflictIDs []string) error {
	if tx.ReplaceTarget == "" {
		return rule.Errorf(rule.ConsensusViolation, "inputs already spent by pooled transaction %s", conflictIDs[0])
	}

	if len(conflictIDs) > 1 {
		return rule.Errorf(rule.ConsensusViolation, "replacement conflicts with %s, more than its target", strings.Join(conflictIDs, ", "))
	}
	if conflictIDs[0] != tx.ReplaceTarget {
		return rule.Errorf(rule.ConsensusViolation, "replacement conflicts with %s, not its target %s", conflictIDs[0], tx.ReplaceTarget)
	}

	target := mp.pool[tx.ReplaceTarget]

	if tx.FeeRate() <= target.FeeRate {
		return rule.Errorf(rule.ConsensusViolation, "replacement fee rate %d is not above the target fee rate %d", tx.FeeRate(), target.FeeRate)
	}

	from, err := tx.FromAccount()
	if err != nil {
		return rule.Errorf(rule.MalformedInput, "unable to recover the sender: %s", err)
	}
	targetFrom, err := target.Tx.FromAccount()
	if err != nil {
		return rule.Errorf(rule.MalformedInput, "unable to recover the target sender: %s", err)
	}
	if from != targetFrom {
		return rule.Errorf(rule.ConsensusViolation, "replacement debits account %s, the target debits %s", from, targetFrom)
	}

	mp.remove(target.Tx)

	return nil
}

// evictWeakest makes room for the newcomer by evicting the last entry
// in the selection order, provided the newcomer pays strictly more.
func (mp *Mempool) evictWeakest(tx database.BlockTx) error {
	var weakest selector.Entry
	found := false

	for _, entry := range mp.pool {
		if !found || selector.Less(weakest, entry) {
			weakest = entry
			found = true
		}
	}

	if !found || tx.FeeRate() <= weakest.FeeRate {
		return rule.Errorf(rule.ResourceExhausted, "mempool is full and fee rate %d does not beat the lowest pooled rate", tx.FeeRate())
	}

	mp.remove(weakest.Tx)

	return nil
}

// remove deletes the transaction and its conflict index entries.
func (mp *Mempool) remove(tx database.BlockTx) {
	txID := tx.TxID()

	if _, exists := mp.pool[txID]; !exists {
		return
	}

	delete(mp.pool, txID)
	for _, ref := range tx.Inputs {
		if mp.conflicts[ref] == txID {
			delete(mp.conflicts, ref)
		}
	}
}

// entries copies the pool under the read lock so sorting and picking
// never block writers.
func (mp *Mempool) entries() []selector.Entry {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	entries := make([]selector.Entry, 0, len(mp.pool))
	for _, entry := range mp.pool {
		entries = append(entries, entry)
	}

	return entries
}
