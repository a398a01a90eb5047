package model

import (
	"encoding/json"

	"github.com/synergy-labs/envelope/pkg/apperr"
)

// ACL maps principals to access levels. It is the decoded form of an ACL
// blob: a JSON object from lowercase hex address to an integer level.
type ACL map[Address]AccessLevel

// ParseACL decodes an ACL blob, rejecting keys that are not addresses,
// duplicate principals and levels outside 0..3.
func ParseACL(blob []byte) (ACL, error) {
	var raw map[string]json.RawMessage
	if err := decodeStrict(blob, &raw); err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "acl")
	}
	acl := make(ACL, len(raw))
	for key, value := range raw {
		addr, err := ParseAddress(key)
		if err != nil {
			return nil, err
		}
		if _, dup := acl[addr]; dup {
			return nil, apperr.New(apperr.KindBadRequest, "acl: duplicate principal %s", FormatAddress(addr))
		}
		var level AccessLevel
		if err := json.Unmarshal(value, &level); err != nil {
			return nil, err
		}
		acl[addr] = level
	}
	return acl, nil
}

// UnmarshalJSON routes through ParseACL so typed arguments get the same
// validation as raw blobs.
func (a *ACL) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*a = nil
		return nil
	}
	parsed, err := ParseACL(b)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Encode returns the canonical blob: keys sorted, lowercase hex.
func (a ACL) Encode() ([]byte, error) {
	if a == nil {
		a = ACL{}
	}
	return marshalCanonical(map[Address]AccessLevel(a))
}

// Readers returns the principals holding READ or better, in address order.
func (a ACL) Readers() []Address {
	out := make([]Address, 0, len(a))
	for p, l := range a {
		if l.AtLeast(LevelRead) {
			out = append(out, p)
		}
	}
	SortAddresses(out)
	return out
}
