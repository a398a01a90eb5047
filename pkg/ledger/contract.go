package ledger

import (
	"bytes"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/events"
	"github.com/synergy-labs/envelope/pkg/keyValStore"
	"github.com/synergy-labs/envelope/pkg/model"
	"github.com/synergy-labs/envelope/pkg/policy"
	"github.com/synergy-labs/envelope/pkg/sealcrypt"
)

// call is one transaction being applied.
type call struct {
	st     state
	sender model.Address
	now    int64
	out    []events.Event
}

func (c *call) emit(e events.Event) { c.out = append(c.out, e) }

func (c *call) logs() []model.Log {
	logs := make([]model.Log, 0, len(c.out))
	for _, e := range c.out {
		logs = append(logs, events.Encode(e))
	}
	return logs
}

// apply runs a decoded write against txn. Writes are only
// meaningful if it returns nil; callers discard them
// otherwise.
func apply(txn keyValStore.Txn, sender model.Address, action model.Action, args any, now int64) ([]model.Log, error) {
	c := &call{st: state{txn: txn}, sender: sender, now: now}
	var err error
	switch a := args.(type) {
	case *model.RegisterDatasetArgs:
		err = c.registerDataset(a)
	case *model.UpdateMetadataArgs:
		err = c.updateMetadata(a)
	case *model.UpdateACLArgs:
		err = c.updateACL(a)
	case *model.GrantArgs:
		err = c.grant(a)
	case *model.RevokeArgs:
		err = c.revoke(a)
	case *model.SetWrappedKeyArgs:
		err = c.setWrappedKey(a)
	case *model.RekeyArgs:
		err = c.rekey(a)
	case *model.TransferOwnerArgs:
		err = c.transferOwner(a)
	case *model.RetireArgs:
		err = c.retire(a)
	case *model.RegisterKeyArgs:
		err = c.registerKey(a)
	default:
		err = apperr.New(apperr.KindBadRequest, "%s is not a ledger write", action)
	}
	if err != nil {
		return nil, err
	}
	return c.logs(), nil
}

// check loads a live dataset and applies the access
// policy for op.
func (c *call) check(id string, op policy.Op, target model.Address, level model.AccessLevel) (*model.Dataset, error) {
	if err := validDatasetID(id); err != nil {
		return nil, err
	}
	ds, err := c.st.dataset(id)
	if err != nil {
		return nil, err
	}
	stored, err := c.st.stored(id, c.sender)
	if err != nil {
		return nil, err
	}
	err = policy.Check(op, policy.Request{
		Dataset: ds,
		Caller:  c.sender,
		Stored:  stored,
		Target:  target,
		Level:   level,
	})
	if err != nil {
		return nil, err
	}
	return ds, nil
}

func validWrap(p model.Address, wrapped []byte) error {
	if len(wrapped) == 0 {
		return apperr.New(apperr.KindBadRequest, "empty wrapped key for %s", model.FormatAddress(p))
	}
	if len(wrapped) > 1024 {
		return apperr.New(apperr.KindBadRequest, "wrapped key for %s too large", model.FormatAddress(p))
	}
	return nil
}

func (c *call) registerDataset(a *model.RegisterDatasetArgs) error {
	if err := validDatasetID(a.DatasetID); err != nil {
		return err
	}
	if _, err := sealcrypt.ParseContentID(a.ContentID); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, err, "content_id")
	}
	if a.DatasetID != a.ContentID {
		return apperr.New(apperr.KindBadRequest, "dataset_id must equal the content_id it is published under")
	}
	meta, err := model.CanonicalMetadata(a.Metadata)
	if err != nil {
		return err
	}

	existing, err := c.st.dataset(a.DatasetID)
	switch {
	case err == nil:
		if existing.Owner == c.sender && existing.ContentID == a.ContentID && !existing.Retired {
			return nil
		}
		return apperr.New(apperr.KindConflict, "dataset %s already registered", a.DatasetID)
	case apperr.KindOf(err) != apperr.KindNotFound:
		return err
	}

	ds := &model.Dataset{
		ID:          a.DatasetID,
		Owner:       c.sender,
		ContentID:   a.ContentID,
		Metadata:    meta,
		CreatedAt:   c.now,
		UpdatedAt:   c.now,
		IsPublic:    a.IsPublic,
		IsEncrypted: a.IsEncrypted,
	}
	if err := policy.ValidateACL(ds, a.ACL); err != nil {
		return err
	}
	grantees := a.ACL.Readers()

	if err := c.checkWraps(ds, append([]model.Address{ds.Owner}, grantees...), a.WrappedKeys); err != nil {
		return err
	}

	if err := c.st.putDataset(ds); err != nil {
		return err
	}
	if err := c.st.setContent(ds.ID, "", ds.ContentID); err != nil {
		return err
	}
	if err := c.st.txn.Set(ownerKey(ds.Owner, ds.ID), nil); err != nil {
		return err
	}
	for p, w := range a.WrappedKeys {
		if err := c.st.putWrap(ds.ID, p, w); err != nil {
			return err
		}
	}
	c.emit(events.DatasetRegistered{Owner: ds.Owner, Dataset: ds.ID, ContentID: ds.ContentID})
	for _, p := range grantees {
		e := model.AccessEntry{DatasetID: ds.ID, Principal: p, Level: a.ACL[p], GrantedAt: c.now}
		if err := c.st.putEntry(e); err != nil {
			return err
		}
		c.emit(events.AccessGranted{Dataset: ds.ID, Principal: p, Level: e.Level})
	}
	return nil
}

// checkWraps requires a wrap for every reader of an
// encrypted dataset and rejects wraps for anyone else.
// Unencrypted datasets carry no wraps.
func (c *call) checkWraps(ds *model.Dataset, readers []model.Address, wraps model.WrapMap) error {
	if !ds.IsEncrypted {
		if len(wraps) != 0 {
			return apperr.New(apperr.KindBadRequest, "unencrypted dataset takes no wrapped keys")
		}
		return nil
	}
	want := make(map[model.Address]struct{}, len(readers))
	for _, p := range readers {
		want[p] = struct{}{}
		if _, ok := wraps[p]; !ok {
			return apperr.New(apperr.KindBadRequest, "missing wrapped key for %s", model.FormatAddress(p))
		}
	}
	for p, w := range wraps {
		if _, ok := want[p]; !ok {
			return apperr.New(apperr.KindBadRequest, "wrapped key for %s who has no access", model.FormatAddress(p))
		}
		if err := validWrap(p, w); err != nil {
			return err
		}
	}
	return nil
}

func (c *call) updateMetadata(a *model.UpdateMetadataArgs) error {
	ds, err := c.check(a.DatasetID, policy.OpUpdateMetadata, model.Address{}, 0)
	if err != nil {
		return err
	}
	meta, err := model.CanonicalMetadata(a.Metadata)
	if err != nil {
		return err
	}
	if bytes.Equal(meta, ds.Metadata) {
		return nil
	}
	ds.Metadata = meta
	ds.UpdatedAt = c.now
	if err := c.st.putDataset(ds); err != nil {
		return err
	}
	c.emit(events.MetadataUpdated{Dataset: ds.ID})
	return nil
}

func (c *call) grant(a *model.GrantArgs) error {
	ds, err := c.check(a.DatasetID, policy.OpGrant, a.Principal, a.Level)
	if err != nil {
		return err
	}
	if ds.IsEncrypted {
		if err := validWrap(a.Principal, a.WrappedKey); err != nil {
			return err
		}
	} else if len(a.WrappedKey) != 0 {
		return apperr.New(apperr.KindBadRequest, "unencrypted dataset takes no wrapped keys")
	}

	current, err := c.st.stored(ds.ID, a.Principal)
	if err != nil {
		return err
	}
	if current == a.Level {
		return nil
	}
	e := model.AccessEntry{DatasetID: ds.ID, Principal: a.Principal, Level: a.Level, GrantedAt: c.now}
	if err := c.st.putEntry(e); err != nil {
		return err
	}
	if ds.IsEncrypted {
		if err := c.st.putWrap(ds.ID, a.Principal, a.WrappedKey); err != nil {
			return err
		}
	}
	c.emit(events.AccessGranted{Dataset: ds.ID, Principal: a.Principal, Level: a.Level})
	return nil
}

func (c *call) revoke(a *model.RevokeArgs) error {
	ds, err := c.check(a.DatasetID, policy.OpRevoke, a.Principal, 0)
	if err != nil {
		return err
	}
	return c.removeAccess(ds, a.Principal)
}

func (c *call) removeAccess(ds *model.Dataset, p model.Address) error {
	_, ok, err := c.st.entry(ds.ID, p)
	if err != nil || !ok {
		return err
	}
	if err := c.st.deleteEntry(ds.ID, p); err != nil {
		return err
	}
	if err := c.st.deleteWrap(ds.ID, p); err != nil {
		return err
	}
	c.emit(events.AccessRevoked{Dataset: ds.ID, Principal: p})
	return nil
}

func (c *call) setWrappedKey(a *model.SetWrappedKeyArgs) error {
	ds, err := c.check(a.DatasetID, policy.OpSetWrappedKey, a.Principal, 0)
	if err != nil {
		return err
	}
	if !ds.IsEncrypted {
		return apperr.New(apperr.KindBadRequest, "dataset %s is not encrypted", ds.ID)
	}
	stored, err := c.st.stored(ds.ID, a.Principal)
	if err != nil {
		return err
	}
	if !policy.Effective(ds, a.Principal, stored).AtLeast(model.LevelRead) {
		return apperr.New(apperr.KindBadRequest, "%s has no access to %s", model.FormatAddress(a.Principal), ds.ID)
	}
	if err := validWrap(a.Principal, a.WrappedKey); err != nil {
		return err
	}
	return c.st.putWrap(ds.ID, a.Principal, a.WrappedKey)
}

func (c *call) updateACL(a *model.UpdateACLArgs) error {
	ds, err := c.check(a.DatasetID, policy.OpUpdateACL, model.Address{}, 0)
	if err != nil {
		return err
	}
	if err := policy.ValidateACL(ds, a.ACL); err != nil {
		return err
	}
	current, err := c.st.entries(ds.ID)
	if err != nil {
		return err
	}

	next := make(map[model.Address]model.AccessLevel, len(a.ACL))
	for p, l := range a.ACL {
		if l != model.LevelNone {
			next[p] = l
		}
	}
	if c.sender != ds.Owner {
		if _, kept := next[c.sender]; !kept {
			return apperr.New(apperr.KindForbidden, "a principal cannot revoke itself")
		}
	}

	if ds.IsEncrypted {
		for p := range a.WrappedKeys {
			if _, ok := next[p]; !ok && p != ds.Owner {
				return apperr.New(apperr.KindBadRequest, "wrapped key for %s who has no access", model.FormatAddress(p))
			}
			if err := validWrap(p, a.WrappedKeys[p]); err != nil {
				return err
			}
		}
		for p := range next {
			if _, ok := a.WrappedKeys[p]; ok {
				continue
			}
			if _, ok, err := c.st.wrap(ds.ID, p); err != nil {
				return err
			} else if !ok {
				return apperr.New(apperr.KindBadRequest, "missing wrapped key for %s", model.FormatAddress(p))
			}
		}
	} else if len(a.WrappedKeys) != 0 {
		return apperr.New(apperr.KindBadRequest, "unencrypted dataset takes no wrapped keys")
	}

	old := make(map[model.Address]model.AccessLevel, len(current))
	for _, e := range current {
		old[e.Principal] = e.Level
		if _, kept := next[e.Principal]; !kept {
			if err := c.removeAccess(ds, e.Principal); err != nil {
				return err
			}
		}
	}

	principals := make([]model.Address, 0, len(next))
	for p := range next {
		principals = append(principals, p)
	}
	model.SortAddresses(principals)
	for _, p := range principals {
		if w, ok := a.WrappedKeys[p]; ok {
			if err := c.st.putWrap(ds.ID, p, w); err != nil {
				return err
			}
		}
		if old[p] == next[p] {
			continue
		}
		e := model.AccessEntry{DatasetID: ds.ID, Principal: p, Level: next[p], GrantedAt: c.now}
		if err := c.st.putEntry(e); err != nil {
			return err
		}
		c.emit(events.AccessGranted{Dataset: ds.ID, Principal: p, Level: e.Level})
	}
	if w, ok := a.WrappedKeys[ds.Owner]; ok {
		return c.st.putWrap(ds.ID, ds.Owner, w)
	}
	return nil
}

func (c *call) rekey(a *model.RekeyArgs) error {
	ds, err := c.check(a.DatasetID, policy.OpRekey, model.Address{}, 0)
	if err != nil {
		return err
	}
	if !ds.IsEncrypted {
		return apperr.New(apperr.KindBadRequest, "dataset %s is not encrypted", ds.ID)
	}
	if _, err := sealcrypt.ParseContentID(a.NewContentID); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, err, "new_content_id")
	}
	if a.NewContentID == ds.ContentID {
		// a retried rekey that already landed
		return nil
	}

	entries, err := c.st.entries(ds.ID)
	if err != nil {
		return err
	}
	readers := []model.Address{ds.Owner}
	for _, e := range entries {
		if e.Level.AtLeast(model.LevelRead) {
			readers = append(readers, e.Principal)
		}
	}
	for _, p := range readers {
		w, ok := a.WrappedKeys[p]
		if !ok {
			return apperr.New(apperr.KindConflict, "access changed: no wrapped key for %s", model.FormatAddress(p))
		}
		if err := validWrap(p, w); err != nil {
			return err
		}
	}

	holders, err := c.st.wrapHolders(ds.ID)
	if err != nil {
		return err
	}
	for _, p := range holders {
		if err := c.st.deleteWrap(ds.ID, p); err != nil {
			return err
		}
	}
	for _, p := range readers {
		if err := c.st.putWrap(ds.ID, p, a.WrappedKeys[p]); err != nil {
			return err
		}
	}

	old := ds.ContentID
	ds.ContentID = a.NewContentID
	ds.UpdatedAt = c.now
	if err := c.st.putDataset(ds); err != nil {
		return err
	}
	if err := c.st.setContent(ds.ID, old, ds.ContentID); err != nil {
		return err
	}
	c.emit(events.Rekeyed{Dataset: ds.ID, OldContentID: old, NewContentID: ds.ContentID})
	return nil
}

func (c *call) transferOwner(a *model.TransferOwnerArgs) error {
	ds, err := c.check(a.DatasetID, policy.OpTransferOwner, a.NewOwner, 0)
	if err != nil {
		return err
	}
	if ds.IsEncrypted {
		_, has, err := c.st.wrap(ds.ID, a.NewOwner)
		if err != nil {
			return err
		}
		switch {
		case len(a.WrappedKey) != 0:
			if err := validWrap(a.NewOwner, a.WrappedKey); err != nil {
				return err
			}
			if err := c.st.putWrap(ds.ID, a.NewOwner, a.WrappedKey); err != nil {
				return err
			}
		case !has:
			return apperr.New(apperr.KindBadRequest, "new owner needs a wrapped key")
		}
	} else if len(a.WrappedKey) != 0 {
		return apperr.New(apperr.KindBadRequest, "unencrypted dataset takes no wrapped keys")
	}

	prev := ds.Owner
	if err := c.st.deleteEntry(ds.ID, a.NewOwner); err != nil {
		return err
	}
	prevEntry := model.AccessEntry{DatasetID: ds.ID, Principal: prev, Level: model.LevelAdmin, GrantedAt: c.now}
	if err := c.st.putEntry(prevEntry); err != nil {
		return err
	}
	if err := c.st.txn.Delete(ownerKey(prev, ds.ID)); err != nil {
		return err
	}
	if err := c.st.txn.Set(ownerKey(a.NewOwner, ds.ID), nil); err != nil {
		return err
	}
	ds.Owner = a.NewOwner
	ds.UpdatedAt = c.now
	if err := c.st.putDataset(ds); err != nil {
		return err
	}
	c.emit(events.OwnerTransferred{Dataset: ds.ID, OldOwner: prev, NewOwner: a.NewOwner})
	return nil
}

func (c *call) retire(a *model.RetireArgs) error {
	ds, err := c.check(a.DatasetID, policy.OpRetire, model.Address{}, 0)
	if err != nil {
		return err
	}
	ds.Retired = true
	ds.UpdatedAt = c.now
	if err := c.st.putDataset(ds); err != nil {
		return err
	}
	// retired ciphertext is no longer live
	if err := c.st.txn.Delete(contentKey(ds.ContentID, ds.ID)); err != nil {
		return err
	}
	c.emit(events.DatasetRetired{Dataset: ds.ID})
	return nil
}

func (c *call) registerKey(a *model.RegisterKeyArgs) error {
	pub, err := sealcrypt.ParsePublicKey(a.PublicKey)
	if err != nil {
		return apperr.Wrap(apperr.KindBadRequest, err, "public_key")
	}
	if crypto.PubkeyToAddress(*pub) != c.sender {
		return apperr.New(apperr.KindBadRequest, "public key does not belong to %s", model.FormatAddress(c.sender))
	}
	if err := c.st.txn.Set(pubKeyKey(c.sender), crypto.FromECDSAPub(pub)); err != nil {
		return err
	}
	c.emit(events.KeyRegistered{Principal: c.sender})
	return nil
}
