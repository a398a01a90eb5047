// Package model holds the data types shared by the ledger, the registry
// adapter, the envelope service and the gateway.
package model

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/synergy-labs/envelope/pkg/apperr"
)

// Address identifies a principal: the last 20 bytes of the Keccak-256 hash of
// its public key.
type Address = common.Address

// ParseAddress accepts a 0x-prefixed 40 digit hex string in any case.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return Address{}, apperr.New(apperr.KindBadRequest, "address %q must be 0x-prefixed", s)
	}
	if !common.IsHexAddress(s) {
		return Address{}, apperr.New(apperr.KindBadRequest, "malformed address %q", s)
	}
	return common.HexToAddress(s), nil
}

// FormatAddress renders a in the canonical lowercase form.
func FormatAddress(a Address) string {
	return strings.ToLower(a.Hex())
}

// SortAddresses orders addrs by their byte value, which matches the order
// of their lowercase hex form.
func SortAddresses(addrs []Address) {
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
}

// Dataset is the registry record of one dataset.
type Dataset struct {
	ID          string          `json:"dataset_id"`
	Owner       Address         `json:"owner"`
	ContentID   string          `json:"content_id"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
	IsPublic    bool            `json:"is_public"`
	IsEncrypted bool            `json:"is_encrypted"`
	Retired     bool            `json:"retired"`
}

// ContentRefs lists the datasets that point at one content
// id. Current holds live datasets whose ciphertext it is;
// Previous holds datasets that replaced it in a rekey.
type ContentRefs struct {
	ContentID string   `json:"content_id"`
	Current   []string `json:"current"`
	Previous  []string `json:"previous"`
}

// AccessEntry is one stored row of a dataset's ACL.
type AccessEntry struct {
	DatasetID string      `json:"dataset_id"`
	Principal Address     `json:"principal"`
	Level     AccessLevel `json:"level"`
	GrantedAt int64       `json:"granted_at"`
}

// WrappedKey is a content key encrypted toward one principal.
type WrappedKey struct {
	DatasetID  string        `json:"dataset_id"`
	Principal  Address       `json:"principal"`
	Ciphertext hexutil.Bytes `json:"wrapped_key"`
}
