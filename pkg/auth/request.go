// Package auth signs and verifies principal requests and
// guards the gateway against replays.
package auth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/model"
)

// Domain is the prefix of every signed message.
const Domain = "synergy:v1:"

// SignatureSize is r || s || v.
const SignatureSize = 65

var (
	ErrBadSignature = errors.New("bad signature")
	ErrStale        = errors.New("timestamp outside replay window")
	ErrReplay       = errors.New("request already seen")
)

// Request is the unsigned part of a principal request.
type Request struct { // A
	Action    model.Action    `json:"action"`
	Args      json.RawMessage `json:"args"`
	Timestamp int64           `json:"timestamp"`
}

// SignedRequest is a request with the principal's
// signature over its message.
type SignedRequest struct { // A
	Request
	Address   model.Address `json:"address"`
	Signature hexutil.Bytes `json:"signature"`
}

// Timestamp converts t to the whole seconds a request
// carries.
func Timestamp(t time.Time) int64 { // A
	return t.UnixMilli() / 1000
}

// NewRequest canonicalizes args into a request.
func NewRequest( // A
	action model.Action,
	args any,
	ts int64,
) (Request, error) {
	canon, err := CanonicalJSON(args)
	if err != nil {
		return Request{}, apperr.Wrap(
			apperr.KindBadRequest, err, "encode %s args", action,
		)
	}
	return Request{Action: action, Args: canon, Timestamp: ts}, nil
}

// Message is the exact byte string a principal signs.
func (r Request) Message() ([]byte, error) { // A
	canon, err := CanonicalJSON(r.Args)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "args")
	}
	var buf bytes.Buffer
	buf.WriteString(Domain)
	buf.WriteString(string(r.Action))
	buf.WriteByte(':')
	buf.Write(canon)
	buf.WriteByte(':')
	buf.WriteString(strconv.FormatInt(r.Timestamp, 10))
	return buf.Bytes(), nil
}

// Hash identifies a signed request: Keccak-256 over its
// message and signature.
func (sr SignedRequest) Hash() (common.Hash, error) { // A
	msg, err := sr.Message()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(msg, sr.Signature), nil
}

// ReplayKey is the key the replay cache stores.
func (sr SignedRequest) ReplayKey() [32]byte { // A
	return crypto.Keccak256Hash(sr.Signature)
}

// Sign signs message with priv using the personal-message
// prefix. The recovery byte is 27 or 28.
func Sign( // A
	priv *ecdsa.PrivateKey,
	message []byte,
) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), priv)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverPublicKey returns the key that produced sig over
// message. Only low-S signatures with a recovery byte of 27
// or 28 are accepted, so one message has exactly one valid
// encoding and Hash and ReplayKey cannot be varied.
func RecoverPublicKey( // A
	message []byte,
	sig []byte,
) (*ecdsa.PublicKey, error) {
	if len(sig) != SignatureSize {
		return nil, ErrBadSignature
	}
	v := sig[crypto.RecoveryIDOffset]
	if v != 27 && v != 28 {
		return nil, ErrBadSignature
	}
	v -= 27
	normalized := make([]byte, SignatureSize)
	copy(normalized, sig)
	normalized[crypto.RecoveryIDOffset] = v

	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return nil, ErrBadSignature
	}

	pub, err := crypto.SigToPub(accounts.TextHash(message), normalized)
	if err != nil {
		return nil, ErrBadSignature
	}
	return pub, nil
}

// Verify reports whether sig over message recovers to
// addr.
func Verify( // A
	addr model.Address,
	message []byte,
	sig []byte,
) bool {
	pub, err := RecoverPublicKey(message, sig)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == addr
}

// VerifyRequest checks the signature of sr and returns the
// signer's public key.
func VerifyRequest(sr SignedRequest) (*ecdsa.PublicKey, error) { // A
	msg, err := sr.Message()
	if err != nil {
		return nil, err
	}
	pub, err := RecoverPublicKey(msg, sr.Signature)
	if err != nil || crypto.PubkeyToAddress(*pub) != sr.Address {
		return nil, apperr.Wrap(
			apperr.KindUnauthorized, ErrBadSignature,
			"signature does not match %s", model.FormatAddress(sr.Address),
		)
	}
	return pub, nil
}

// Verifier checks gateway requests: signature, timestamp
// window and, for writes, replay.
type Verifier struct { // A
	window time.Duration
	clock  Clock
	replay ReplayCache
}

// NewVerifier returns a Verifier. A nil replay cache gets
// an in-memory one sized to the window.
func NewVerifier( // A
	window time.Duration,
	clock Clock,
	replay ReplayCache,
) *Verifier {
	if clock == nil {
		clock = realClock{}
	}
	if replay == nil {
		replay = NewMemoryReplayCache(2*window, clock)
	}
	return &Verifier{window: window, clock: clock, replay: replay}
}

// Window returns the accepted clock skew.
func (v *Verifier) Window() time.Duration { return v.window } // A

// VerifyRead checks signature and timestamp window.
func (v *Verifier) VerifyRead( // A
	sr SignedRequest,
) (*ecdsa.PublicKey, error) {
	now := Timestamp(v.clock.Now())
	skew := now - sr.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(v.window/time.Second) {
		return nil, apperr.Wrap(
			apperr.KindUnauthorized, ErrStale,
			"timestamp %d, now %d", sr.Timestamp, now,
		)
	}
	return VerifyRequest(sr)
}

// Verify checks a write: everything VerifyRead checks,
// then records the signature so the same request is
// refused for the rest of the window.
func (v *Verifier) Verify( // A
	ctx context.Context,
	sr SignedRequest,
) (*ecdsa.PublicKey, error) {
	pub, err := v.VerifyRead(sr)
	if err != nil {
		return nil, err
	}
	fresh, err := v.replay.Record(ctx, sr.ReplayKey())
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, apperr.Wrap(
			apperr.KindUnauthorized, ErrReplay, "replayed request",
		)
	}
	return pub, nil
}
