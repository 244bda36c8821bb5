// Package private maintains the group of handlers for node to node access.
// Every route takes a signed envelope and runs it through the message
// authorizer before the payload is acted on.
package private

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	v1 "github.com/quarrylabs/quarry/business/web/v1"
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/msgauth"
	"github.com/quarrylabs/quarry/foundation/blockchain/peer"
	"github.com/quarrylabs/quarry/foundation/blockchain/rule"
	"github.com/quarrylabs/quarry/foundation/blockchain/state"
	"github.com/quarrylabs/quarry/foundation/web"
	"go.uber.org/zap"
)

// Handlers manages the set of node to node endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
	Auth  *msgauth.Authorizer
}

// Status returns the chain position and peer list of this node. The
// payload carries the caller's host so it can be recorded as a peer.
func (h Handlers) Status(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	payload, _, err := h.authorize(ctx, r, msgauth.KindStatus)
	if err != nil {
		return err
	}

	var host string
	if err := json.Unmarshal(payload, &host); err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	if err := h.addPeer(ctx, host); err != nil {
		return err
	}

	tip := h.State.RetrieveTip()
	ps := peer.PeerStatus{
		LatestBlockHash:   tip.Hash,
		LatestBlockNumber: tip.Height,
		CumulativeWork:    tip.CumulativeWork,
		KnownPeers:        h.State.RetrieveKnownPeers(),
	}

	return web.Respond(ctx, w, ps, http.StatusOK)
}

// Mempool returns a copy of this node's mempool. The payload carries
// the caller's host so it can be recorded as a peer.
func (h Handlers) Mempool(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	payload, _, err := h.authorize(ctx, r, msgauth.KindMempool)
	if err != nil {
		return err
	}

	var host string
	if err := json.Unmarshal(payload, &host); err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	if err := h.addPeer(ctx, host); err != nil {
		return err
	}

	txs := h.State.QueryMempool()
	if txs == nil {
		txs = []database.BlockTx{}
	}

	return web.Respond(ctx, w, txs, http.StatusOK)
}

// BlocksByNumber returns the blocks from the requested number through
// the tip of the active chain.
func (h Handlers) BlocksByNumber(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	payload, _, err := h.authorize(ctx, r, msgauth.KindBlocksRange)
	if err != nil {
		return err
	}

	var from uint64
	if err := json.Unmarshal(payload, &from); err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	blocksData := []database.BlockData{}
	if latest := h.State.RetrieveLatestBlock().Header.Number; from <= latest && latest > 0 {
		for _, block := range h.State.QueryBlocksByNumber(from, latest) {
			blocksData = append(blocksData, database.NewBlockData(block))
		}
	}

	return web.Respond(ctx, w, blocksData, http.StatusOK)
}

// ProposeBlock takes a block received from a peer and runs it through
// the acceptance path.
func (h Handlers) ProposeBlock(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	payload, from, err := h.authorize(ctx, r, msgauth.KindProposeBlock)
	if err != nil {
		return err
	}

	var blockData database.BlockData
	if err := json.Unmarshal(payload, &blockData); err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	block, err := database.ToBlock(blockData)
	if err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	disposition, err := h.State.ProcessProposedBlock(block)
	if err != nil {
		h.Log.Infow("block rejected", "traceid", web.GetTraceID(ctx), "from", from, "block", blockData.Hash, "ERROR", err)
		return v1.NewRequestError(err, http.StatusNotAcceptable)
	}

	resp := struct {
		Status string `json:"status"`
	}{
		Status: disposition.String(),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// SubmitNodeTransaction adds a transaction shared by a peer to the
// mempool.
func (h Handlers) SubmitNodeTransaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	payload, from, err := h.authorize(ctx, r, msgauth.KindSubmitTx)
	if err != nil {
		return err
	}

	var tx database.BlockTx
	if err := json.Unmarshal(payload, &tx); err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	h.Log.Infow("add node tran", "traceid", web.GetTraceID(ctx), "from", from, "tx", tx.TxID())

	if err := h.State.UpsertNodeTransaction(tx); err != nil {
		return v1.NewRequestError(err, errStatus(err))
	}

	resp := struct {
		Status string `json:"status"`
	}{
		Status: "transaction added to mempool",
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// SubmitPeer adds the calling node to the peer list before it would
// show up through a status exchange.
func (h Handlers) SubmitPeer(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	payload, _, err := h.authorize(ctx, r, msgauth.KindPeerAdd)
	if err != nil {
		return err
	}

	var host string
	if err := json.Unmarshal(payload, &host); err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	if err := h.addPeer(ctx, host); err != nil {
		return err
	}

	resp := struct {
		Status string `json:"status"`
	}{
		Status: "peer added",
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// =============================================================================

// authorize strips the envelope from the request and hands back the
// payload once every message check passes. The kind check runs before
// the authorizer so a replayed envelope on the wrong route can't
// advance the sender's sequence watermark.
func (h Handlers) authorize(ctx context.Context, r *http.Request, kind string) (json.RawMessage, database.AccountID, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", v1.NewRequestError(err, http.StatusBadRequest)
	}

	env, trimmed, err := h.Auth.Decode(data)
	if err != nil {
		return nil, "", v1.NewRequestError(err, http.StatusBadRequest)
	}

	if trimmed {
		h.Log.Warnw("trailing bytes dropped from envelope", "traceid", web.GetTraceID(ctx), "kind", kind)
	}

	if env.Kind != kind {
		err := rule.Errorf(rule.MalformedInput, "envelope kind %q does not match route kind %q", env.Kind, kind)
		return nil, "", v1.NewRequestError(err, http.StatusBadRequest)
	}

	from, err := h.Auth.Authorize(env)
	if err != nil {
		return nil, "", v1.NewRequestError(err, errStatus(err))
	}

	return env.Payload, from, nil
}

// addPeer records the calling node as a known peer unless the host is
// this node itself or the host has been banned.
func (h Handlers) addPeer(ctx context.Context, host string) error {
	if host == "" {
		return nil
	}

	if h.State.IsPeerBanned(host) {
		return v1.NewRequestError(fmt.Errorf("peer %s is banned", host), http.StatusForbidden)
	}

	pr := peer.New(host)
	if pr.Match(h.State.RetrieveHost()) {
		return nil
	}

	if h.State.AddKnownPeer(pr) {
		h.Log.Infow("adding peer", "traceid", web.GetTraceID(ctx), "host", host)
	}

	return nil
}

// errStatus maps the kind of a rule error to the HTTP status the
// caller gets back.
func errStatus(err error) int {
	switch {
	case rule.IsKind(err, rule.ReplayDetected):
		return http.StatusConflict
	case rule.IsKind(err, rule.ResourceExhausted):
		return http.StatusTooManyRequests
	case rule.IsKind(err, rule.TransientUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
