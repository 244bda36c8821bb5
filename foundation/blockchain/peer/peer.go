// Package peer maintains the peer related information such as the set
// of known peers, their chain status and their standing.
package peer

import (
	"math/big"
	"sync"

	"github.com/quarrylabs/quarry/foundation/blockchain/rule"
)

// Peer represents information about a Node in the network.
type Peer struct {
	Host string
}

// New contructs a new info value.
func New(host string) Peer {
	return Peer{
		Host: host,
	}
}

// Match validates if the specified host matches this node.
func (p Peer) Match(host string) bool {
	return p.Host == host
}

// =============================================================================

// PeerStatus represents information about the status
// of any given peer.
type PeerStatus struct {
	LatestBlockHash   string   `json:"latest_block_hash"`
	LatestBlockNumber uint64   `json:"latest_block_number"`
	CumulativeWork    *big.Int `json:"cumulative_work"`
	KnownPeers        []Peer   `json:"known_peers"`
}

// =============================================================================

// PeerSet represents the data representation to maintain a set of known peers.
type PeerSet struct {
	mu  sync.RWMutex
	set map[Peer]struct{}
}

// NewPeerSet constructs a new info set to manage node peer information.
func NewPeerSet() *PeerSet {
	return &PeerSet{
		set: make(map[Peer]struct{}),
	}
}

// Add adds a new node to the set.
func (ps *PeerSet) Add(peer Peer) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	_, exists := ps.set[peer]
	if !exists {
		ps.set[peer] = struct{}{}
		return true
	}

	return false
}

// Remove removes a node from the set.
func (ps *PeerSet) Remove(peer Peer) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	delete(ps.set, peer)
}

// Copy returns a list of the known peers.
func (ps *PeerSet) Copy(host string) []Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var peers []Peer
	for peer := range ps.set {
		if !peer.Match(host) {
			peers = append(peers, peer)
		}
	}

	return peers
}

// =============================================================================

// DefaultBanThreshold is the misbehavior score at which a peer stops
// being trusted.
const DefaultBanThreshold = 100

// Weights applied per rejected message. Consensus violations weigh
// more than replays, and malformed traffic only starts to count once
// a peer keeps sending it.
const (
	consensusWeight = 20
	replayWeight    = 10
	malformedWeight = 5
	malformedGrace  = 3
	timeoutLimit    = 3
)

// standing tracks the misbehavior score and the availability of a
// single peer.
type standing struct {
	score     uint64
	malformed int
	timeouts  int
}

// Reputation maintains a misbehavior score per peer. Scores only rise
// for rejection kinds that indicate the peer did something no honest
// node would do. The set is in-memory and resets with the node.
type Reputation struct {
	mu        sync.Mutex
	threshold uint64
	standings map[string]*standing
}

// NewReputation constructs a reputation set with the specified ban
// threshold. A threshold of zero selects the default.
func NewReputation(threshold uint64) *Reputation {
	if threshold == 0 {
		threshold = DefaultBanThreshold
	}

	return &Reputation{
		threshold: threshold,
		standings: make(map[string]*standing),
	}
}

// Result records the outcome of handling a message from the specified
// host. A nil error clears the availability counters. Rejections raise
// the score only when their kind penalizes, with repeated malformed
// traffic escalating after a grace run.
func (r *Reputation) Result(host string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.standingFor(host)

	if err == nil {
		st.timeouts = 0
		st.malformed = 0
		return
	}

	kind, ok := rule.ErrKind(err)
	if !ok {
		return
	}

	switch {
	case kind == rule.ConsensusViolation:
		st.score += consensusWeight

	case kind.Penalizes():
		st.score += replayWeight

	case kind == rule.MalformedInput:
		st.malformed++
		if st.malformed > malformedGrace {
			st.score += malformedWeight
		}
	}
}

// Timeout records that a call to the specified host did not answer in
// time. Timeouts never touch the misbehavior score, they gate
// reachability.
func (r *Reputation) Timeout(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.standingFor(host).timeouts++
}

// Banned reports whether the host crossed the misbehavior threshold.
func (r *Reputation) Banned(host string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, exists := r.standings[host]
	return exists && st.score >= r.threshold
}

// Unreachable reports whether the host has timed out enough times in a
// row to be skipped until it answers again.
func (r *Reputation) Unreachable(host string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, exists := r.standings[host]
	return exists && st.timeouts >= timeoutLimit
}

// Score returns the current misbehavior score for the host.
func (r *Reputation) Score(host string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, exists := r.standings[host]
	if !exists {
		return 0
	}
	return st.score
}

// Forget drops any standing kept for the host.
func (r *Reputation) Forget(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.standings, host)
}

// standingFor must be called with the mutex held.
func (r *Reputation) standingFor(host string) *standing {
	st, exists := r.standings[host]
	if !exists {
		st = &standing{}
		r.standings[host] = st
	}

	return st
}
