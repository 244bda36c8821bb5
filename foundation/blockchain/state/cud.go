package state

import (
	"github.com/quarrylabs/quarry/foundation/blockchain/peer"
)

// AddKnownPeer provides the ability to add a new peer to the known peer list.
func (s *State) AddKnownPeer(pr peer.Peer) bool {
	return s.knownPeers.Add(pr)
}

// RemoveKnownPeer provides the ability to remove a peer from the known
// peer list. The peer's standing goes with it, a peer that returns
// later starts fresh.
func (s *State) RemoveKnownPeer(pr peer.Peer) {
	s.knownPeers.Remove(pr)
	s.reputation.Forget(pr.Host)
}

// RecordPeerResult feeds the outcome of handling a peer message into
// the reputation tracker.
func (s *State) RecordPeerResult(host string, err error) {
	s.reputation.Result(host, err)
}

// RecordPeerTimeout feeds a network timeout for a peer into the
// reputation tracker.
func (s *State) RecordPeerTimeout(host string) {
	s.reputation.Timeout(host)
}

// IsPeerBanned reports whether a peer has crossed the misbehavior
// threshold.
func (s *State) IsPeerBanned(host string) bool {
	return s.reputation.Banned(host)
}
