package msgauth

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jellydator/ttlcache/v3"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/quarrylabs/quarry/foundation/blockchain/database"
	"github.com/quarrylabs/quarry/foundation/blockchain/rule"
	"golang.org/x/time/rate"
)

// Defaults applied for zero config values.
const (
	DefaultMaxBytes   = 1 << 20
	DefaultDriftSecs  = 60
	DefaultSeenTTL    = 2 * time.Minute
	DefaultSeenMax    = 16384
	DefaultRatePerSec = 10
	DefaultRateBurst  = 20
)

// Config represents the settings the envelope checks run with.
type Config struct {
	MaxBytes   uint64
	DriftSecs  uint64
	SeenTTL    time.Duration
	SeenMax    uint64
	RatePerSec rate.Limit
	RateBurst  int
	Clock      clock.Clock
}

// peerState tracks what has been accepted from a single peer.
type peerState struct {
	sequence uint64
	limiter  *rate.Limiter
}

// Authorizer runs the envelope checks for inbound peer messages.
type Authorizer struct {
	cfg      Config
	validate *validator.Validate
	seen     *ttlcache.Cache[string, bool]
	mu       sync.Mutex
	peers    map[database.AccountID]*peerState
}

// New constructs an authorizer and starts the eviction loop for the
// seen-message window. Call Stop when the node shuts down.
func New(cfg Config) *Authorizer {
	initPrometheusMetrics()

	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.DriftSecs == 0 {
		cfg.DriftSecs = DefaultDriftSecs
	}
	if cfg.SeenTTL == 0 {
		cfg.SeenTTL = DefaultSeenTTL
	}
	if cfg.SeenMax == 0 {
		cfg.SeenMax = DefaultSeenMax
	}
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = DefaultRatePerSec
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = DefaultRateBurst
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	seen := ttlcache.New[string, bool](
		ttlcache.WithTTL[string, bool](cfg.SeenTTL),
		ttlcache.WithCapacity[string, bool](cfg.SeenMax),
		ttlcache.WithDisableTouchOnHit[string, bool](),
	)

	a := Authorizer{
		cfg:      cfg,
		validate: validator.New(),
		seen:     seen,
		peers:    make(map[database.AccountID]*peerState),
	}

	go a.seen.Start()

	return &a
}

// Stop terminates the seen-message eviction loop.
func (a *Authorizer) Stop() {
	a.seen.Stop()
}

// Decode parses raw bytes into an envelope. A payload that fails to
// parse whole gets one recovery pass: the first complete value is
// accepted and whatever trails it is dropped. The returned flag
// reports whether that recovery happened.
func (a *Authorizer) Decode(raw []byte) (Envelope, bool, error) {
	if uint64(len(raw)) > a.cfg.MaxBytes {
		return Envelope{}, false, rule.Errorf(rule.MalformedInput, "message size %d exceeds the limit %d", len(raw), a.cfg.MaxBytes)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err == nil {
		return env, false, nil
	}

	var trimmed Envelope
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&trimmed); err != nil {
		return Envelope{}, false, rule.Errorf(rule.MalformedInput, "unable to decode message: %s", err)
	}

	trimRecoveries.Inc()

	return trimmed, true, nil
}

// Authorize runs the check sequence against the envelope and returns
// the peer account that signed it. The peer's sequence watermark and
// the seen-message window only advance when every check passes.
func (a *Authorizer) Authorize(env Envelope) (database.AccountID, error) {
	if err := a.validate.Struct(env); err != nil {
		rejections.WithLabelValues("schema").Inc()
		return "", rule.Errorf(rule.MalformedInput, "message failed schema validation: %s", err)
	}

	if err := env.VerifySignature(); err != nil {
		rejections.WithLabelValues("signature").Inc()
		return "", rule.Errorf(rule.ConsensusViolation, "message signature check: %s", err)
	}
	from, err := env.FromAccount()
	if err != nil {
		rejections.WithLabelValues("signature").Inc()
		return "", rule.Errorf(rule.ConsensusViolation, "unable to recover the message signer: %s", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	peer, exists := a.peers[from]
	if !exists {
		peer = &peerState{
			limiter: rate.NewLimiter(a.cfg.RatePerSec, a.cfg.RateBurst),
		}
		a.peers[from] = peer
	}

	if env.Sequence <= peer.sequence {
		rejections.WithLabelValues("sequence").Inc()
		return "", rule.Errorf(rule.ReplayDetected, "message sequence %d from %s is not above the watermark %d", env.Sequence, from, peer.sequence)
	}

	messageID := env.MessageID.String()
	if a.seen.Get(messageID) != nil {
		rejections.WithLabelValues("duplicate").Inc()
		return "", rule.Errorf(rule.ReplayDetected, "message %s was already seen", messageID)
	}

	now := uint64(a.cfg.Clock.Now().Unix())
	if env.TimeStamp > now+a.cfg.DriftSecs || env.TimeStamp+a.cfg.DriftSecs < now {
		rejections.WithLabelValues("drift").Inc()
		return "", rule.Errorf(rule.ReplayDetected, "message timestamp %d is outside the %d second drift window", env.TimeStamp, a.cfg.DriftSecs)
	}

	if !peer.limiter.Allow() {
		rejections.WithLabelValues("rate").Inc()
		return "", rule.Errorf(rule.ResourceExhausted, "peer %s exceeded the message rate", from)
	}

	peer.sequence = env.Sequence
	a.seen.Set(messageID, true, a.cfg.SeenTTL)
	authorized.Inc()

	return from, nil
}
