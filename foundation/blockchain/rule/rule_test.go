package rule_test

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/quarrylabs/quarry/foundation/blockchain/rule"
	"github.com/stretchr/testify/require"
)

func TestErrKind(t *testing.T) {
	err := rule.Errorf(rule.ConsensusViolation, "output %s:%d already spent", "0xabc", 1)
	require.EqualError(t, err, "CONSENSUS_VIOLATION: output 0xabc:1 already spent")

	kind, ok := rule.ErrKind(err)
	require.True(t, ok)
	require.Equal(t, rule.ConsensusViolation, kind)

	// The kind must survive wrapping.
	kind, ok = rule.ErrKind(errors.Wrap(err, "accepting block"))
	require.True(t, ok)
	require.Equal(t, rule.ConsensusViolation, kind)

	kind, ok = rule.ErrKind(fmt.Errorf("accepting block: %w", err))
	require.True(t, ok)
	require.Equal(t, rule.ConsensusViolation, kind)

	_, ok = rule.ErrKind(errors.New("plain failure"))
	require.False(t, ok)

	require.True(t, rule.IsKind(err, rule.ConsensusViolation))
	require.False(t, rule.IsKind(err, rule.MalformedInput))
}

func TestPenalizes(t *testing.T) {
	require.True(t, rule.ConsensusViolation.Penalizes())
	require.True(t, rule.ReplayDetected.Penalizes())
	require.False(t, rule.MalformedInput.Penalizes())
	require.False(t, rule.TransientUnavailable.Penalizes())
	require.False(t, rule.ResourceExhausted.Penalizes())
}
