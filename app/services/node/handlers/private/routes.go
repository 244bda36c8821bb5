package private

import (
	"net/http"

	"github.com/quarrylabs/quarry/foundation/blockchain/msgauth"
	"github.com/quarrylabs/quarry/foundation/blockchain/state"
	"github.com/quarrylabs/quarry/foundation/web"
	"go.uber.org/zap"
)

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log   *zap.SugaredLogger
	State *state.State
	Auth  *msgauth.Authorizer
}

// Routes binds all the private routes. Every route takes a POST since
// peers deliver signed envelopes even for reads.
func Routes(app *web.App, cfg Config) {
	prv := Handlers{
		Log:   cfg.Log,
		State: cfg.State,
		Auth:  cfg.Auth,
	}

	const version = "v1"

	app.Handle(http.MethodPost, version, "/node/status", prv.Status)
	app.Handle(http.MethodPost, version, "/node/block/list", prv.BlocksByNumber)
	app.Handle(http.MethodPost, version, "/node/block/propose", prv.ProposeBlock)
	app.Handle(http.MethodPost, version, "/node/tx/submit", prv.SubmitNodeTransaction)
	app.Handle(http.MethodPost, version, "/node/tx/list", prv.Mempool)
	app.Handle(http.MethodPost, version, "/node/peer/add", prv.SubmitPeer)
}
