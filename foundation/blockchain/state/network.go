package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/msgauth"
	"github.com/quarrylabs/quarry/foundation/blockchain/peer"
	"github.com/quarrylabs/quarry/foundation/blockchain/rule"
)

// baseURL is the base URL for network calls.
const baseURL = "http://%s/v1/node"

// kindRoutes maps a message kind to the route the envelope is posted
// to. The receiving node checks the kind against the route as part of
// authorization.
var kindRoutes = map[string]string{
	msgauth.KindStatus:       "status",
	msgauth.KindProposeBlock: "block/propose",
	msgauth.KindSubmitTx:     "tx/submit",
	msgauth.KindBlocksRange:  "block/list",
	msgauth.KindMempool:      "tx/list",
	msgauth.KindPeerAdd:      "peer/add",
}

// sequencer hands out strictly climbing sequence numbers for outbound
// messages. Peers keep a per sender watermark and refuse anything at
// or below it.
type sequencer struct {
	counter atomic.Uint64
}

func (sq *sequencer) seed(n uint64) {
	sq.counter.Store(n)
}

func (sq *sequencer) next() uint64 {
	return sq.counter.Add(1)
}

// =============================================================================

// NetRequestPeerStatus asks a peer for its current chain position and
// peer list. The payload carries our own host so the peer can add us
// to its peer list.
func (s *State) NetRequestPeerStatus(pr peer.Peer) (peer.PeerStatus, error) {
	s.evHandler("state: NetRequestPeerStatus: started: %s", pr)
	defer s.evHandler("state: NetRequestPeerStatus: completed: %s", pr)

	var ps peer.PeerStatus
	if err := s.send(pr.Host, msgauth.KindStatus, s.host, &ps); err != nil {
		return peer.PeerStatus{}, err
	}

	s.evHandler("state: NetRequestPeerStatus: peer-node[%s]: latest-blknum[%d]: peer-list[%s]", pr, ps.LatestBlockNumber, ps.KnownPeers)

	return ps, nil
}

// NetRequestPeerMempool asks a peer for a copy of its mempool.
func (s *State) NetRequestPeerMempool(pr peer.Peer) ([]database.BlockTx, error) {
	s.evHandler("state: NetRequestPeerMempool: started: %s", pr)
	defer s.evHandler("state: NetRequestPeerMempool: completed: %s", pr)

	var txs []database.BlockTx
	if err := s.send(pr.Host, msgauth.KindMempool, s.host, &txs); err != nil {
		return nil, err
	}

	s.evHandler("state: NetRequestPeerMempool: len[%d]", len(txs))

	return txs, nil
}

// NetRequestPeerBlocks pulls blocks from a peer and runs each through
// the acceptance path. The request starts far enough below our tip to
// cover any branch that could still legally replace ours.
func (s *State) NetRequestPeerBlocks(pr peer.Peer) error {
	s.evHandler("state: NetRequestPeerBlocks: started: %s", pr)
	defer s.evHandler("state: NetRequestPeerBlocks: completed: %s", pr)

	// CORE NOTE: Blocks the node already has come back as duplicates and
	// cost one index lookup each. Re-pulling the finality window is what
	// lets a competing branch reach us with its fork point intact. A
	// branch forking deeper than the window can never be adopted anyway.

	from := uint64(1)
	if tip := s.RetrieveTip(); tip.Height > s.genesis.FinalityWindow {
		from = tip.Height - s.genesis.FinalityWindow + 1
	}

	var blocksData []database.BlockData
	if err := s.send(pr.Host, msgauth.KindBlocksRange, from, &blocksData); err != nil {
		return err
	}

	s.evHandler("state: NetRequestPeerBlocks: found blocks[%d]", len(blocksData))

	for _, blockData := range blocksData {
		block, err := database.ToBlock(blockData)
		if err != nil {
			return err
		}

		if _, err := s.ProcessProposedBlock(block); err != nil {
			return err
		}
	}

	return nil
}

// NetSendBlockToPeers shares a new block with the sendable peers. A
// failing peer does not stop the gossip, the error is logged and the
// next peer gets the block.
func (s *State) NetSendBlockToPeers(block database.Block) {
	s.evHandler("state: NetSendBlockToPeers: started")
	defer s.evHandler("state: NetSendBlockToPeers: completed")

	for _, pr := range s.sendablePeers() {
		if err := s.send(pr.Host, msgauth.KindProposeBlock, database.NewBlockData(block), nil); err != nil {
			s.evHandler("state: NetSendBlockToPeers: WARNING: %s: %s", pr.Host, err)
		}
	}
}

// NetSendTxToPeers shares a new transaction with the sendable peers.
func (s *State) NetSendTxToPeers(tx database.BlockTx) {
	s.evHandler("state: NetSendTxToPeers: started")
	defer s.evHandler("state: NetSendTxToPeers: completed")

	for _, pr := range s.sendablePeers() {
		if err := s.send(pr.Host, msgauth.KindSubmitTx, tx, nil); err != nil {
			s.evHandler("state: NetSendTxToPeers: WARNING: %s: %s", pr.Host, err)
		}
	}
}

// NetSendPeerAnnounce tells a peer this node exists so it can add us to
// its peer list before we ever show up in a status exchange.
func (s *State) NetSendPeerAnnounce(pr peer.Peer) error {
	s.evHandler("state: NetSendPeerAnnounce: started: %s", pr)
	defer s.evHandler("state: NetSendPeerAnnounce: completed: %s", pr)

	return s.send(pr.Host, msgauth.KindPeerAdd, s.host, nil)
}

// =============================================================================

// sendablePeers filters the known peers down to the ones worth
// gossiping to right now. Unreachable peers still get probed by the
// status operation and come back once they answer.
func (s *State) sendablePeers() []peer.Peer {
	var prs []peer.Peer
	for _, pr := range s.RetrieveKnownPeers() {
		if s.reputation.Banned(pr.Host) || s.reputation.Unreachable(pr.Host) {
			continue
		}
		prs = append(prs, pr)
	}

	return prs
}

// send signs the payload into an envelope and posts it to the peer.
// A nil dataRecv skips decoding the response body.
func (s *State) send(host string, kind string, payload any, dataRecv any) error {
	msg, err := msgauth.NewMsg(kind, s.sequence.next(), payload)
	if err != nil {
		return err
	}

	env, err := msg.Sign(s.nodeKey)
	if err != nil {
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s", fmt.Sprintf(baseURL, host), kindRoutes[kind])

	client := http.Client{Timeout: s.netTimeout}
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			s.reputation.Timeout(host)
		}

		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		return errors.New(string(body))
	}

	if dataRecv != nil {
		if err := json.NewDecoder(resp.Body).Decode(dataRecv); err != nil {
			err = rule.Errorf(rule.MalformedInput, "peer response does not decode: %s", err)
			s.reputation.Result(host, err)

			return err
		}
	}

	s.reputation.Result(host, nil)

	return nil
}
