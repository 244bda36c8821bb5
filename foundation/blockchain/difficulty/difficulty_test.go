package difficulty

import (
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompactToBig(t *testing.T) {
	tests := []struct {
		name    string
		compact uint32
		want    *big.Int
	}{
		{
			name:    "small exponent shifts mantissa right",
			compact: 0x01120000,
			want:    big.NewInt(0x12),
		},
		{
			name:    "exponent of three keeps mantissa",
			compact: 0x03123456,
			want:    big.NewInt(0x123456),
		},
		{
			name:    "large exponent shifts mantissa left",
			compact: 0x04123456,
			want:    big.NewInt(0x12345600),
		},
		{
			name:    "mainnet style limit",
			compact: 0x1d00ffff,
			want:    new(big.Int).Lsh(big.NewInt(0xffff), 208),
		},
		{
			name:    "regtest style limit",
			compact: 0x207fffff,
			want:    new(big.Int).Lsh(big.NewInt(0x7fffff), 232),
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := CompactToBig(test.compact)
			require.Zero(t, test.want.Cmp(got))
		})
	}
}

func TestBigToCompactRoundTrip(t *testing.T) {
	for _, compact := range []uint32{0x03123456, 0x04123456, 0x1d00ffff, 0x1e07ffff, 0x207fffff} {
		require.Equal(t, compact, BigToCompact(CompactToBig(compact)))
	}

	require.Equal(t, uint32(0), BigToCompact(big.NewInt(0)))

	// A mantissa with the sign bit set must be renormalized by shifting
	// into a larger exponent.
	require.Equal(t, uint32(0x04008000), BigToCompact(big.NewInt(0x800000)))
}

func TestHashToBig(t *testing.T) {
	hash, err := HashToBig("0x" + strings.Repeat("0", 63) + "1")
	require.NoError(t, err)
	require.Zero(t, big.NewInt(1).Cmp(hash))

	// The prefix is optional.
	hash, err = HashToBig(strings.Repeat("0", 62) + "ff")
	require.NoError(t, err)
	require.Zero(t, big.NewInt(0xff).Cmp(hash))

	_, err = HashToBig("0xzz")
	require.Error(t, err)
}

func TestCalcWork(t *testing.T) {

	// The regtest style limit target+1 is exactly 2^255, so its work
	// value is exactly 2.
	require.Zero(t, big.NewInt(2).Cmp(CalcWork(0x207fffff)))

	// Invalid bits carry no work.
	require.Zero(t, big.NewInt(0).Cmp(CalcWork(0)))

	// A smaller target means more work.
	require.Equal(t, 1, CalcWork(0x1d00ffff).Cmp(CalcWork(0x207fffff)))
}

// buildWindow constructs a newest first retarget window with the given
// spacing in seconds between consecutive blocks.
func buildWindow(newest uint64, spacing uint64, count int, bits uint32) []WindowEntry {
	window := make([]WindowEntry, count)
	for i := range window {
		window[i] = WindowEntry{
			TimeStamp: newest - uint64(i)*spacing,
			Bits:      bits,
		}
	}

	return window
}

func TestNextRequiredBits(t *testing.T) {
	const (
		windowSize      = 10
		targetBlockSecs = 10
		windowBits      = uint32(0x1e07ffff)
		powLimitBits    = uint32(0x1f00ffff)
	)

	t.Run("short chain mines at the limit", func(t *testing.T) {
		window := buildWindow(1100, targetBlockSecs, windowSize, windowBits)
		bits := NextRequiredBits(window, powLimitBits, targetBlockSecs, windowSize)
		require.Equal(t, powLimitBits, bits)
	})

	t.Run("on schedule keeps the target", func(t *testing.T) {
		window := buildWindow(1100, targetBlockSecs, windowSize+1, windowBits)
		bits := NextRequiredBits(window, powLimitBits, targetBlockSecs, windowSize)
		require.Equal(t, windowBits, bits)
	})

	t.Run("fast blocks halve the target", func(t *testing.T) {
		window := buildWindow(1050, targetBlockSecs/2, windowSize+1, windowBits)
		bits := NextRequiredBits(window, powLimitBits, targetBlockSecs, windowSize)
		require.Equal(t, uint32(0x1e03ffff), bits)
	})

	t.Run("slow blocks double the target", func(t *testing.T) {
		window := buildWindow(1200, targetBlockSecs*2, windowSize+1, windowBits)
		bits := NextRequiredBits(window, powLimitBits, targetBlockSecs, windowSize)
		require.Equal(t, uint32(0x1e0ffffe), bits)
	})

	t.Run("target never eases past the limit", func(t *testing.T) {
		window := buildWindow(1200, targetBlockSecs*2, windowSize+1, windowBits)
		bits := NextRequiredBits(window, windowBits, targetBlockSecs, windowSize)
		require.Equal(t, windowBits, bits)
	})

	t.Run("zero timespan clamps instead of zeroing", func(t *testing.T) {
		window := buildWindow(1000, 0, windowSize+1, windowBits)
		bits := NextRequiredBits(window, powLimitBits, targetBlockSecs, windowSize)
		require.NotZero(t, bits)
		require.Equal(t, -1, CompactToBig(bits).Cmp(CompactToBig(windowBits)))
	})
}
