// Package msgauth implements the authentication envelope every
// peer-to-peer message travels in. An envelope carries a message id,
// a kind, a per-peer sequence number, a timestamp and the raw payload,
// all signed by the sending node; the peer identity is recovered from
// the signature, never claimed. Envelope checks run before any chain
// logic sees the payload, so a replayed or forged message can be
// rejected without touching the ledger or the mempool.
package msgauth

import (
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/signature"
)

// The set of message kinds exchanged between peers.
const (
	KindStatus       = "status"
	KindProposeBlock = "block-propose"
	KindSubmitTx     = "tx-submit"
	KindBlocksRange  = "blocks-range"
	KindMempool      = "mempool"
	KindPeerAdd      = "peer-add"
)

// Msg is the signed portion of an envelope.
type Msg struct {
	MessageID uuid.UUID       `json:"message_id" validate:"required"`
	Kind      string          `json:"kind" validate:"required"`
	Sequence  uint64          `json:"sequence" validate:"required"`
	TimeStamp uint64          `json:"timestamp" validate:"required"`
	Payload   json.RawMessage `json:"payload" validate:"required"`
}

// NewMsg constructs a message around the specified payload. The
// sequence must increase with every message the sender signs.
func NewMsg(kind string, sequence uint64, payload any) (Msg, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Msg{}, err
	}

	msg := Msg{
		MessageID: uuid.New(),
		Kind:      kind,
		Sequence:  sequence,
		TimeStamp: uint64(time.Now().UTC().Unix()),
		Payload:   data,
	}

	return msg, nil
}

// Sign uses the specified private key to produce a sealed envelope.
func (msg Msg) Sign(privateKey *ecdsa.PrivateKey) (Envelope, error) {
	v, r, s, err := signature.Sign(msg, privateKey)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		Msg: msg,
		V:   v,
		R:   r,
		S:   s,
	}

	return env, nil
}

// =============================================================================

// Envelope is a signed message as it travels between peers.
type Envelope struct {
	Msg
	V *big.Int `json:"v" validate:"required"`
	R *big.Int `json:"r" validate:"required"`
	S *big.Int `json:"s" validate:"required"`
}

// FromAccount recovers the account of the node that signed the
// envelope.
func (env Envelope) FromAccount() (database.AccountID, error) {
	address, err := signature.FromAddress(env.Msg, env.V, env.R, env.S)
	if err != nil {
		return "", err
	}

	return database.AccountID(address), nil
}

// VerifySignature checks the signature values conform to the chain
// standards.
func (env Envelope) VerifySignature() error {
	return signature.VerifySignature(env.Msg, env.V, env.R, env.S)
}

// SignatureString returns the signature as a string.
func (env Envelope) SignatureString() string {
	return signature.SignatureString(env.V, env.R, env.S)
}
