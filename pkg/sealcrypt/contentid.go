package sealcrypt

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ErrBadContentID is returned for strings that are not raw sha2-256 CIDv1s.
var ErrBadContentID = errors.New("sealcrypt: malformed content id")

var contentPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

// Hash returns the content id of data: a CIDv1 with the raw codec over the
// sha2-256 multihash, in its default base32 string form. The result is the
// same id an IPFS node assigns to data stored as a single raw block.
func Hash(data []byte) string {
	c, err := contentPrefix.Sum(data)
	if err != nil {
		// sha2-256 is always registered with go-multihash.
		panic(fmt.Sprintf("sealcrypt: hash content: %v", err))
	}
	return c.String()
}

// ParseContentID validates s and returns its canonical string form.
func ParseContentID(s string) (string, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadContentID, err)
	}
	if c.Version() != 1 || c.Type() != cid.Raw {
		return "", fmt.Errorf("%w: want raw CIDv1", ErrBadContentID)
	}
	dm, err := multihash.Decode(c.Hash())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadContentID, err)
	}
	if dm.Code != multihash.SHA2_256 {
		return "", fmt.Errorf("%w: want sha2-256", ErrBadContentID)
	}
	return c.String(), nil
}

// ContentDigest returns the sha2-256 digest embedded in a content id.
func ContentDigest(s string) ([]byte, error) {
	canonical, err := ParseContentID(s)
	if err != nil {
		return nil, err
	}
	c, _ := cid.Decode(canonical)
	dm, _ := multihash.Decode(c.Hash())
	return dm.Digest, nil
}
