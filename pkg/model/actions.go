package model

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/synergy-labs/envelope/pkg/apperr"
)

// Action names the operation a signed request authorizes.
type Action string

// Registry writes.
const (
	ActionRegisterDataset Action = "register_dataset"
	ActionUpdateMetadata  Action = "update_metadata"
	ActionUpdateACL       Action = "update_acl"
	ActionGrant           Action = "grant"
	ActionRevoke          Action = "revoke"
	ActionSetWrappedKey   Action = "set_wrapped_key"
	ActionRekey           Action = "rekey"
	ActionTransferOwner   Action = "transfer_owner"
	ActionRetire          Action = "retire"
	ActionRegisterKey     Action = "register_key"
)

// Signed reads and content operations. They are never submitted to the
// ledger.
const (
	ActionGetDataset   Action = "get_dataset"
	ActionGetKey       Action = "get_key"
	ActionListAccess   Action = "list_access"
	ActionPutContent   Action = "put_content"
	ActionGetContent   Action = "get_content"
	ActionUnpinContent Action = "unpin_content"
)

// IsWrite reports whether a is a ledger transaction.
func (a Action) IsWrite() bool {
	switch a {
	case ActionRegisterDataset, ActionUpdateMetadata, ActionUpdateACL,
		ActionGrant, ActionRevoke, ActionSetWrappedKey, ActionRekey,
		ActionTransferOwner, ActionRetire, ActionRegisterKey:
		return true
	}
	return false
}

// WrapMap holds wrapped content keys by recipient.
type WrapMap map[Address]hexutil.Bytes

// Principals returns the recipients in address order.
func (w WrapMap) Principals() []Address {
	out := make([]Address, 0, len(w))
	for p := range w {
		out = append(out, p)
	}
	SortAddresses(out)
	return out
}

type RegisterDatasetArgs struct {
	ACL         ACL             `json:"acl,omitempty"`
	ContentID   string          `json:"content_id"`
	DatasetID   string          `json:"dataset_id"`
	IsEncrypted bool            `json:"is_encrypted"`
	IsPublic    bool            `json:"is_public"`
	Metadata    json.RawMessage `json:"metadata"`
	NetworkID   string          `json:"network_id"`
	WrappedKeys WrapMap         `json:"wrapped_keys,omitempty"`
}

type UpdateMetadataArgs struct {
	DatasetID string          `json:"dataset_id"`
	Metadata  json.RawMessage `json:"metadata"`
	NetworkID string          `json:"network_id"`
}

type UpdateACLArgs struct {
	ACL         ACL     `json:"acl"`
	DatasetID   string  `json:"dataset_id"`
	NetworkID   string  `json:"network_id"`
	WrappedKeys WrapMap `json:"wrapped_keys,omitempty"`
}

type GrantArgs struct {
	DatasetID  string        `json:"dataset_id"`
	Level      AccessLevel   `json:"level"`
	NetworkID  string        `json:"network_id"`
	Principal  Address       `json:"principal"`
	WrappedKey hexutil.Bytes `json:"wrapped_key,omitempty"`
}

type RevokeArgs struct {
	DatasetID string  `json:"dataset_id"`
	NetworkID string  `json:"network_id"`
	Principal Address `json:"principal"`
}

type SetWrappedKeyArgs struct {
	DatasetID  string        `json:"dataset_id"`
	NetworkID  string        `json:"network_id"`
	Principal  Address       `json:"principal"`
	WrappedKey hexutil.Bytes `json:"wrapped_key"`
}

type RekeyArgs struct {
	DatasetID    string  `json:"dataset_id"`
	NetworkID    string  `json:"network_id"`
	NewContentID string  `json:"new_content_id"`
	WrappedKeys  WrapMap `json:"wrapped_keys"`
}

type TransferOwnerArgs struct {
	DatasetID  string        `json:"dataset_id"`
	NetworkID  string        `json:"network_id"`
	NewOwner   Address       `json:"new_owner"`
	WrappedKey hexutil.Bytes `json:"wrapped_key,omitempty"`
}

type RetireArgs struct {
	DatasetID string `json:"dataset_id"`
	NetworkID string `json:"network_id"`
}

type RegisterKeyArgs struct {
	NetworkID string        `json:"network_id"`
	PublicKey hexutil.Bytes `json:"public_key"`
}

// ReadArgs are the arguments of every signed read and content request.
type ReadArgs struct {
	ContentID string `json:"content_id,omitempty"`
	DatasetID string `json:"dataset_id,omitempty"`
	NetworkID string `json:"network_id"`
}

// NewArgs returns a pointer to the zero argument struct for action.
func NewArgs(action Action) (any, error) {
	switch action {
	case ActionRegisterDataset:
		return &RegisterDatasetArgs{}, nil
	case ActionUpdateMetadata:
		return &UpdateMetadataArgs{}, nil
	case ActionUpdateACL:
		return &UpdateACLArgs{}, nil
	case ActionGrant:
		return &GrantArgs{}, nil
	case ActionRevoke:
		return &RevokeArgs{}, nil
	case ActionSetWrappedKey:
		return &SetWrappedKeyArgs{}, nil
	case ActionRekey:
		return &RekeyArgs{}, nil
	case ActionTransferOwner:
		return &TransferOwnerArgs{}, nil
	case ActionRetire:
		return &RetireArgs{}, nil
	case ActionRegisterKey:
		return &RegisterKeyArgs{}, nil
	case ActionGetDataset, ActionGetKey, ActionListAccess,
		ActionPutContent, ActionGetContent, ActionUnpinContent:
		return &ReadArgs{}, nil
	}
	return nil, apperr.New(apperr.KindBadRequest, "unknown action %q", action)
}

// DecodeArgs strictly decodes raw into the argument struct for action.
func DecodeArgs(action Action, raw json.RawMessage) (any, error) {
	dst, err := NewArgs(action)
	if err != nil {
		return nil, err
	}
	if err := decodeStrict(raw, dst); err != nil {
		if apperr.KindOf(err) != apperr.KindInternal {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "%s args", action)
	}
	return dst, nil
}

// Target is the routing information every argument struct carries.
type Target struct {
	DatasetID string `json:"dataset_id"`
	NetworkID string `json:"network_id"`
}

// TargetOf extracts the dataset and network a request addresses without
// validating the rest of the arguments.
func TargetOf(raw json.RawMessage) (Target, error) {
	var t Target
	if err := json.Unmarshal(raw, &t); err != nil {
		return Target{}, apperr.Wrap(apperr.KindBadRequest, err, "args")
	}
	return t, nil
}
