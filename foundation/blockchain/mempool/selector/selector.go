// Package selector provides different transaction selecting algorithms.
package selector

import (
	"fmt"
	"sort"
	"time"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
)

// List of different select strategies.
const (
	StrategyFeeRate = "feerate"
)

// Map of different select strategies with functions.
var strategies = map[string]Func{
	StrategyFeeRate: feeRateSelect,
}

// Entry represents a pooled transaction together with the keys the
// selection order is built from.
type Entry struct {
	Tx      database.BlockTx `json:"tx"`
	FeeRate uint64           `json:"fee_rate"`
	Arrival time.Time        `json:"arrival"`
}

// Func defines a function that takes pooled entries and returns howMany
// of them in an order based on the function's strategy. Receiving -1
// for howMany must return all the entries in the strategy's ordering.
type Func func(entries []Entry, howMany int) []Entry

// Retrieve returns the specified select strategy function.
func Retrieve(strategy string) (Func, error) {
	fn, exists := strategies[strategy]
	if !exists {
		return nil, fmt.Errorf("strategy %q does not exist", strategy)
	}
	return fn, nil
}

// Less reports whether entry a is selected before entry b: higher fee
// rate first, earlier arrival next, transaction id last so the order
// is always deterministic.
func Less(a Entry, b Entry) bool {
	if a.FeeRate != b.FeeRate {
		return a.FeeRate > b.FeeRate
	}
	if !a.Arrival.Equal(b.Arrival) {
		return a.Arrival.Before(b.Arrival)
	}
	return a.Tx.TxID() < b.Tx.TxID()
}

// =============================================================================

// byFeeRate provides sorting support over the selection order.
type byFeeRate []Entry

// Len returns the number of entries in the list.
func (bf byFeeRate) Len() int {
	return len(bf)
}

// Less helps to sort the list by fee rate in descending order to pick
// the transactions that pay the best.
func (bf byFeeRate) Less(i, j int) bool {
	return Less(bf[i], bf[j])
}

// Swap moves entries in the order of the fee rate value.
func (bf byFeeRate) Swap(i, j int) {
	bf[i], bf[j] = bf[j], bf[i]
}

// =============================================================================

// feeRateSelect returns entries in fee rate order then arrival order.
func feeRateSelect(entries []Entry, howMany int) []Entry {
	sort.Sort(byFeeRate(entries))

	if howMany == -1 || howMany > len(entries) {
		howMany = len(entries)
	}

	return entries[:howMany]
}
