package auth

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/synergy-labs/envelope/pkg/model"
	"github.com/synergy-labs/envelope/pkg/sealcrypt"
)

// Signer produces signed requests for one principal.
type Signer interface { // A
	Address() model.Address
	SignRequest(r Request) (SignedRequest, error)
}

// KeySigner holds a principal's secp256k1 key. The same
// key signs requests and unwraps content keys.
type KeySigner struct { // A
	priv *ecdsa.PrivateKey
	addr model.Address
}

// GenerateKey creates a signer with a fresh key.
func GenerateKey() (*KeySigner, error) { // A
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return NewKeySigner(priv), nil
}

// NewKeySigner wraps an existing key.
func NewKeySigner(priv *ecdsa.PrivateKey) *KeySigner { // A
	return &KeySigner{priv: priv, addr: crypto.PubkeyToAddress(priv.PublicKey)}
}

// KeySignerFromHex parses a hex private key, with or
// without 0x.
func KeySignerFromHex(s string) (*KeySigner, error) { // A
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	priv, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return NewKeySigner(priv), nil
}

// Address returns the principal address.
func (k *KeySigner) Address() model.Address { return k.addr } // A

// PublicKey returns the uncompressed public key.
func (k *KeySigner) PublicKey() []byte { // A
	return crypto.FromECDSAPub(&k.priv.PublicKey)
}

// HexKey returns the private key for export by the CLI.
func (k *KeySigner) HexKey() string { // A
	return hexutil.Encode(crypto.FromECDSA(k.priv))
}

// SignRequest signs r.
func (k *KeySigner) SignRequest(r Request) (SignedRequest, error) { // A
	msg, err := r.Message()
	if err != nil {
		return SignedRequest{}, err
	}
	sig, err := Sign(k.priv, msg)
	if err != nil {
		return SignedRequest{}, err
	}
	return SignedRequest{Request: r, Address: k.addr, Signature: sig}, nil
}

// UnwrapKey decrypts a content key wrapped toward this
// principal.
func (k *KeySigner) UnwrapKey( // A
	wrapped []byte,
) (sealcrypt.ContentKey, error) {
	return sealcrypt.UnwrapKey(wrapped, k.priv)
}

// SignAction builds and signs a request in one step.
func SignAction( // A
	s Signer,
	action model.Action,
	args any,
	now time.Time,
) (SignedRequest, error) {
	r, err := NewRequest(action, args, Timestamp(now))
	if err != nil {
		return SignedRequest{}, err
	}
	return s.SignRequest(r)
}

// SignMessage signs an arbitrary message, for example a
// relay co-signature.
func (k *KeySigner) SignMessage(msg []byte) ([]byte, error) { // A
	return Sign(k.priv, msg)
}
