package difficulty

import (
	"math"
	"math/big"
)

// WindowEntry carries the timestamp and compact target of one ancestor
// block inside the retargeting window.
type WindowEntry struct {
	TimeStamp uint64
	Bits      uint32
}

// NextRequiredBits calculates the compact target required for the block
// that follows the newest entry of the window. The window must be ordered
// newest first and carry windowSize+1 entries so there are windowSize
// block intervals to measure. Chains still shorter than that mine at the
// proof of work limit.
//
// The new target is calculated as:
//
//	averageWindowTarget * actualTimespan / (targetBlockSecs * windowSize)
//
// The result uses integer division which means it will be slightly
// rounded down.
func NextRequiredBits(window []WindowEntry, powLimitBits uint32, targetBlockSecs uint64, windowSize uint64) uint32 {
	if windowSize == 0 || targetBlockSecs == 0 {
		return powLimitBits
	}
	if uint64(len(window)) < windowSize+1 {
		return powLimitBits
	}
	window = window[:windowSize+1]

	minTime, maxTime := windowMinMaxTimestamps(window)

	// Timestamps only need to beat the median of their recent ancestors,
	// so a degenerate window can span zero seconds. Clamp to one second
	// to keep the target positive.
	actualTimespan := int64(maxTime - minTime)
	if actualTimespan < 1 {
		actualTimespan = 1
	}

	// Drop the oldest entry so the averaged targets line up with the
	// measured intervals.
	newTarget := averageWindowTarget(window[:windowSize])
	newTarget.
		Mul(newTarget, big.NewInt(actualTimespan)).
		Div(newTarget, big.NewInt(int64(targetBlockSecs))).
		Div(newTarget, big.NewInt(int64(windowSize)))

	if newTarget.Cmp(CompactToBig(powLimitBits)) > 0 {
		return powLimitBits
	}

	return BigToCompact(newTarget)
}

// windowMinMaxTimestamps returns the oldest and newest timestamps found in
// the window.
func windowMinMaxTimestamps(window []WindowEntry) (min, max uint64) {
	min = math.MaxUint64
	for _, entry := range window {
		if entry.TimeStamp < min {
			min = entry.TimeStamp
		}
		if entry.TimeStamp > max {
			max = entry.TimeStamp
		}
	}

	return min, max
}

// averageWindowTarget returns the average of the targets encoded by the
// window entries.
func averageWindowTarget(window []WindowEntry) *big.Int {
	averageTarget := big.NewInt(0)
	for _, entry := range window {
		averageTarget.Add(averageTarget, CompactToBig(entry.Bits))
	}

	return averageTarget.Div(averageTarget, big.NewInt(int64(len(window))))
}
