// Package rule defines the rejection taxonomy shared by the chain
// acceptance pipeline. Every rejection is classified by a Kind so callers
// can decide on retry, propagation, and peer reputation without parsing
// reason strings.
package rule

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies why a transaction, block, or peer message was rejected.
type Kind uint8

// These constants define the supported rejection kinds.
const (
	// MalformedInput identifies input that fails structural or schema
	// checks before any chain context is consulted.
	MalformedInput Kind = iota + 1

	// ConsensusViolation identifies input that is well formed but breaks
	// a consensus rule, such as a double spend or an unmet target.
	ConsensusViolation

	// ReplayDetected identifies input the node has already accepted, such
	// as a reused nonce or a repeated message sequence.
	ReplayDetected

	// TransientUnavailable identifies input that cannot be judged yet and
	// may succeed on retry, such as a block whose parent is unknown.
	TransientUnavailable

	// ResourceExhausted identifies input dropped to honor a capacity
	// bound, such as a full mempool or a rate limit.
	ResourceExhausted
)

// Map of kinds back to strings for pretty printing.
var kindStrings = map[Kind]string{
	MalformedInput:       "MALFORMED_INPUT",
	ConsensusViolation:   "CONSENSUS_VIOLATION",
	ReplayDetected:       "REPLAY_DETECTED",
	TransientUnavailable: "TRANSIENT_UNAVAILABLE",
	ResourceExhausted:    "RESOURCE_EXHAUSTED",
}

// String returns the Kind in human-readable form.
func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}

	return fmt.Sprintf("unknown kind (%d)", uint8(k))
}

// Penalizes reports whether a rejection of this kind lowers the sending
// peer's reputation. Malformed input and capacity pressure are normal
// network weather; only consensus violations and replays are hostile.
func (k Kind) Penalizes() bool {
	return k == ConsensusViolation || k == ReplayDetected
}

// =============================================================================

// Error identifies a rule violation. The caller can use ErrKind to learn
// the classification and the Reason field for the specific rule that
// failed.
type Error struct {
	Kind   Kind   // The classification of the rejection.
	Reason string // Human readable description of the rule that failed.
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Errorf constructs an Error of the given kind with a formatted reason.
func Errorf(kind Kind, format string, args ...any) Error {
	return Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// ErrKind extracts the Kind from err, unwrapping as needed. The second
// return is false when err carries no kind.
func ErrKind(err error) (Kind, bool) {
	var re Error
	if errors.As(err, &re) {
		return re.Kind, true
	}

	return 0, false
}

// IsKind reports whether err carries the specified kind.
func IsKind(err error, kind Kind) bool {
	k, ok := ErrKind(err)
	return ok && k == kind
}
