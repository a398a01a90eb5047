// Package policy decides whether a principal may perform
// an operation on a dataset. The ledger applies it
// authoritatively; the gateway and the envelope service
// use it to fail fast.
package policy

import (
	"fmt"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/model"
)

// Op is an operation subject to access control.
type Op uint8

const (
	OpReadContent Op = iota
	OpReadKey
	OpUpdateMetadata
	OpGrant
	OpRevoke
	OpUpdateACL
	OpSetWrappedKey
	OpRekey
	OpTransferOwner
	OpRetire
	OpListAccess
)

var opNames = [...]string{
	OpReadContent:    "read_content",
	OpReadKey:        "read_key",
	OpUpdateMetadata: "update_metadata",
	OpGrant:          "grant",
	OpRevoke:         "revoke",
	OpUpdateACL:      "update_acl",
	OpSetWrappedKey:  "set_wrapped_key",
	OpRekey:          "rekey",
	OpTransferOwner:  "transfer_owner",
	OpRetire:         "retire",
	OpListAccess:     "list_access",
}

func (o Op) String() string { // A
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// OpFor maps a dataset action to the operation it
// performs. register_dataset and register_key are not
// dataset-scoped and report false.
func OpFor(action model.Action) (Op, bool) { // A
	switch action {
	case model.ActionUpdateMetadata:
		return OpUpdateMetadata, true
	case model.ActionGrant:
		return OpGrant, true
	case model.ActionRevoke:
		return OpRevoke, true
	case model.ActionUpdateACL:
		return OpUpdateACL, true
	case model.ActionSetWrappedKey:
		return OpSetWrappedKey, true
	case model.ActionRekey:
		return OpRekey, true
	case model.ActionTransferOwner:
		return OpTransferOwner, true
	case model.ActionRetire:
		return OpRetire, true
	case model.ActionGetDataset, model.ActionGetContent:
		return OpReadContent, true
	case model.ActionGetKey:
		return OpReadKey, true
	case model.ActionListAccess:
		return OpListAccess, true
	}
	return 0, false
}

// Effective returns p's level on ds given its stored ACL
// entry. The owner is always ADMIN.
func Effective( // A
	ds *model.Dataset,
	p model.Address,
	stored model.AccessLevel,
) model.AccessLevel {
	if ds != nil && p == ds.Owner {
		return model.LevelAdmin
	}
	return stored
}

// Request describes one attempted operation.
type Request struct { // A
	Dataset *model.Dataset
	Caller  model.Address
	// Stored is the caller's ACL entry, LevelNone if
	// absent.
	Stored model.AccessLevel
	// Target and Level are the principal and level an
	// operation acts on, where it has them.
	Target model.Address
	Level  model.AccessLevel
}

// Check returns nil if req may perform op, else a typed
// error.
func Check(op Op, req Request) error { // A
	ds := req.Dataset
	if ds == nil {
		return apperr.New(apperr.KindNotFound, "dataset not found")
	}
	if ds.Retired {
		return apperr.New(apperr.KindGone, "dataset %s is retired", ds.ID)
	}
	r := Effective(ds, req.Caller, req.Stored)

	switch op {
	case OpReadContent:
		if ds.IsPublic || r.AtLeast(model.LevelRead) {
			return nil
		}
		return deny(op, r, model.LevelRead)

	case OpReadKey:
		if !r.AtLeast(model.LevelRead) {
			return deny(op, r, model.LevelRead)
		}
		if !ds.IsEncrypted {
			return apperr.New(apperr.KindNotFound, "dataset %s is not encrypted", ds.ID)
		}
		return nil

	case OpUpdateMetadata:
		return requireLevel(op, r, model.LevelModify)

	case OpGrant:
		if err := requireLevel(op, r, model.LevelAdmin); err != nil {
			return err
		}
		if !req.Level.Valid() || !req.Level.AtLeast(model.LevelRead) {
			return apperr.New(apperr.KindBadRequest, "grant level must be READ, MODIFY or ADMIN")
		}
		if req.Target == (model.Address{}) {
			return apperr.New(apperr.KindBadRequest, "grant target is the zero address")
		}
		if req.Target == ds.Owner {
			return apperr.New(apperr.KindBadRequest, "owner already holds ADMIN")
		}
		return nil

	case OpRevoke:
		if err := requireLevel(op, r, model.LevelAdmin); err != nil {
			return err
		}
		if req.Target == ds.Owner {
			return apperr.New(apperr.KindForbidden, "the owner cannot be revoked")
		}
		if req.Target == req.Caller {
			return apperr.New(apperr.KindForbidden, "a principal cannot revoke itself")
		}
		return nil

	case OpUpdateACL, OpSetWrappedKey, OpRekey, OpListAccess:
		return requireLevel(op, r, model.LevelAdmin)

	case OpTransferOwner:
		if err := requireLevel(op, r, model.LevelAdmin); err != nil {
			return err
		}
		if req.Caller != ds.Owner {
			return apperr.New(apperr.KindConflict, "caller is no longer the owner of %s", ds.ID)
		}
		if req.Target == (model.Address{}) || req.Target == ds.Owner {
			return apperr.New(apperr.KindBadRequest, "new owner must be a different principal")
		}
		return nil

	case OpRetire:
		if req.Caller != ds.Owner {
			return apperr.New(apperr.KindForbidden, "only the owner may retire %s", ds.ID)
		}
		return nil
	}
	return apperr.New(apperr.KindInternal, "unknown operation %s", op)
}

// ValidateACL checks a replacement ACL for ds. Entries at
// LevelNone are allowed and mean "absent".
func ValidateACL(ds *model.Dataset, acl model.ACL) error { // A
	for p, l := range acl {
		if !l.Valid() {
			return apperr.New(apperr.KindBadRequest, "invalid level for %s", model.FormatAddress(p))
		}
		if p == (model.Address{}) {
			return apperr.New(apperr.KindBadRequest, "acl contains the zero address")
		}
		if ds != nil && p == ds.Owner {
			return apperr.New(apperr.KindBadRequest, "acl must not list the owner")
		}
	}
	return nil
}

func requireLevel( // A
	op Op,
	have model.AccessLevel,
	want model.AccessLevel,
) error {
	if have.AtLeast(want) {
		return nil
	}
	return deny(op, have, want)
}

func deny( // A
	op Op,
	have model.AccessLevel,
	want model.AccessLevel,
) error {
	return apperr.New(
		apperr.KindForbidden,
		"%s requires %s, caller has %s", op, want, have,
	)
}
