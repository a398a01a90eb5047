package sealcrypt

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
)

// wrapSharedInfo binds wrapped keys to this protocol version so an ECIES
// ciphertext produced for another purpose does not open as a content key.
var wrapSharedInfo = []byte("synergy:v1:wrap")

// ParsePublicKey accepts a secp256k1 public key in uncompressed (65 byte) or
// compressed (33 byte) form.
func ParsePublicKey(b []byte) (*ecdsa.PublicKey, error) {
	switch len(b) {
	case 65:
		pub, err := crypto.UnmarshalPubkey(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRecipient, err)
		}
		return pub, nil
	case 33:
		pub, err := crypto.DecompressPubkey(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRecipient, err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: public key has %d bytes", ErrBadRecipient, len(b))
	}
}

// WrapKey encrypts key toward the holder of recipientPub.
func WrapKey(key ContentKey, recipientPub []byte) ([]byte, error) {
	pub, err := ParsePublicKey(recipientPub)
	if err != nil {
		return nil, err
	}
	wrapped, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), key[:], wrapSharedInfo, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRecipient, err)
	}
	return wrapped, nil
}

// UnwrapKey opens a wrapped key with the recipient's private key.
func UnwrapKey(wrapped []byte, priv *ecdsa.PrivateKey) (ContentKey, error) {
	if priv == nil {
		return ContentKey{}, ErrBadKey
	}
	plain, err := ecies.ImportECDSA(priv).Decrypt(wrapped, wrapSharedInfo, nil)
	if err != nil || len(plain) != KeySize {
		return ContentKey{}, ErrBadKey
	}
	var k ContentKey
	copy(k[:], plain)
	return k, nil
}
