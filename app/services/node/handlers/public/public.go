// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quarrylabs/quarry/business/sys/validate"
	v1 "github.com/quarrylabs/quarry/business/web/v1"
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/ledger"
	"github.com/quarrylabs/quarry/foundation/blockchain/rule"
	"github.com/quarrylabs/quarry/foundation/blockchain/state"
	"github.com/quarrylabs/quarry/foundation/events"
	"github.com/quarrylabs/quarry/foundation/nameservice"
	"github.com/quarrylabs/quarry/foundation/web"
	"go.uber.org/zap"
)

// Handlers manages the set of public endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
	NS    *nameservice.NameService
	WS    websocket.Upgrader
	Evts  *events.Events
}

// Events handles a web socket to provide events to a client.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := h.Evts.Acquire(v.TraceID)
	defer h.Evts.Release(v.TraceID)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, wd := <-ch:
			if !wd {
				return nil
			}

			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return err
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}

// SubmitWalletTransaction adds new user transactions to the mempool.
func (h Handlers) SubmitWalletTransaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var signedTx database.SignedTx
	if err := web.Decode(r, &signedTx); err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	if err := validate.Check(signedTx); err != nil {
		return err
	}

	h.Log.Infow("add user tran", "traceid", v.TraceID, "tx", signedTx, "fee", signedTx.Fee)

	if err := h.State.UpsertWalletTransaction(signedTx); err != nil {
		return v1.NewRequestError(err, errStatus(err))
	}

	resp := struct {
		Status string `json:"status"`
	}{
		Status: "transaction added to mempool",
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Genesis returns the genesis information.
func (h Handlers) Genesis(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	gen := h.State.RetrieveGenesis()
	return web.Respond(ctx, w, gen, http.StatusOK)
}

// Mempool returns the set of uncommitted transactions, optionally
// filtered down to the ones that touch the specified account.
func (h Handlers) Mempool(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	acct := web.Param(r, "account")

	txs := []tx{}
	for _, tran := range h.State.QueryMempool() {
		if acct != "" && !txTouchesAccount(tran, database.AccountID(acct)) {
			continue
		}

		txs = append(txs, h.toTx(tran))
	}

	return web.Respond(ctx, w, txs, http.StatusOK)
}

// Accounts returns the current balance for every account with unspent
// outputs, or for the one account specified on the route.
func (h Handlers) Accounts(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	account := web.Param(r, "account")

	var acts []act
	switch account {
	case "":
		for _, bal := range h.State.QueryAccountBalances() {
			acts = append(acts, act{
				Account: bal.AccountID,
				Name:    h.NS.Lookup(bal.AccountID),
				Balance: bal.Balance,
			})
		}

	default:
		accountID, err := database.ToAccountID(account)
		if err != nil {
			return v1.NewRequestError(err, http.StatusBadRequest)
		}
		acts = append(acts, act{
			Account: accountID,
			Name:    h.NS.Lookup(accountID),
			Balance: h.State.QueryBalance(accountID),
		})
	}

	ai := actInfo{
		LastestBlock: h.State.RetrieveLatestBlock().Hash(),
		Uncommitted:  h.State.QueryMempoolLength(),
		Balances:     acts,
	}

	return web.Respond(ctx, w, ai, http.StatusOK)
}

// Unspent returns the unspent outputs held by the specified account.
// A wallet builds new transactions from this set.
func (h Handlers) Unspent(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	accountID, err := database.ToAccountID(web.Param(r, "account"))
	if err != nil {
		return v1.NewRequestError(err, http.StatusBadRequest)
	}

	unspent := h.State.QueryUnspentByAccount(accountID)
	if unspent == nil {
		unspent = []ledger.UnspentOutput{}
	}

	return web.Respond(ctx, w, unspent, http.StatusOK)
}

// BlocksByAccount returns the blocks that touch the specified account.
// Without an account the full chain is returned.
func (h Handlers) BlocksByAccount(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	account := web.Param(r, "account")

	var dbBlocks []database.Block
	switch account {
	case "":
		if latest := h.State.RetrieveLatestBlock().Header.Number; latest > 0 {
			dbBlocks = h.State.QueryBlocksByNumber(1, latest)
		}

	default:
		accountID, err := database.ToAccountID(account)
		if err != nil {
			return v1.NewRequestError(err, http.StatusBadRequest)
		}
		dbBlocks = h.State.QueryBlocksByAccount(accountID)
	}

	if len(dbBlocks) == 0 {
		return web.Respond(ctx, w, nil, http.StatusNoContent)
	}

	blocks := make([]block, len(dbBlocks))
	for i, blk := range dbBlocks {
		values := blk.Trans.Values()
		trans := make([]tx, len(values))
		for j, tran := range values {
			trans[j] = h.toTx(tran)
		}

		blocks[i] = block{
			Hash:          blk.Hash(),
			Number:        blk.Header.Number,
			PrevBlockHash: blk.Header.PrevBlockHash,
			TimeStamp:     blk.Header.TimeStamp,
			BeneficiaryID: blk.Header.BeneficiaryID,
			Bits:          blk.Header.Bits,
			Nonce:         blk.Header.Nonce,
			TransRoot:     blk.Header.TransRoot,
			Transactions:  trans,
		}
	}

	return web.Respond(ctx, w, blocks, http.StatusOK)
}

// =============================================================================

// toTx converts a block transaction into its API view with account
// names resolved through the name service.
func (h Handlers) toTx(tran database.BlockTx) tx {
	from, _ := tran.FromAccount()

	outputs := make([]txOutput, len(tran.Outputs))
	for i, out := range tran.Outputs {
		outputs[i] = txOutput{
			OwnerID:   out.OwnerID,
			OwnerName: h.NS.Lookup(out.OwnerID),
			Amount:    out.Amount,
		}
	}

	return tx{
		TxID:          tran.TxID(),
		FromAccount:   from,
		FromName:      h.NS.Lookup(from),
		ChainID:       tran.ChainID,
		Nonce:         tran.Nonce,
		Inputs:        tran.Inputs,
		Outputs:       outputs,
		Fee:           tran.Fee,
		TimeStamp:     tran.TimeStamp,
		ReplaceTarget: tran.ReplaceTarget,
		Sig:           tran.SignatureString(),
	}
}

// txTouchesAccount reports whether the account is the sender of the
// transaction or the owner of one of its outputs.
func txTouchesAccount(tran database.BlockTx, accountID database.AccountID) bool {
	if from, err := tran.FromAccount(); err == nil && from == accountID {
		return true
	}

	for _, out := range tran.Outputs {
		if out.OwnerID == accountID {
			return true
		}
	}

	return false
}

// errStatus maps the kind of a rule error to the HTTP status the
// client gets back.
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
