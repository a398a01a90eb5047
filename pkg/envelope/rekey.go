package envelope

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/model"
	"github.com/synergy-labs/envelope/pkg/policy"
	"github.com/synergy-labs/envelope/pkg/registry"
)

type RekeyResult struct {
	OldContentID string
	NewContentID string
	Outcome      *registry.Outcome
}

// Rekey re-encrypts the dataset under a fresh key and swaps
// the content id and the whole wrap set in one transaction.
// Principals revoked before the swap get no new wrap. A
// grant that races with the swap makes the registry reject
// it, and the access list is read again.
func (s *Service) Rekey(ctx context.Context, caller Principal, id string) (*RekeyResult, error) {
	ds, r, err := s.access(ctx, id, caller.Address())
	if err != nil {
		return nil, fmt.Errorf("rekey: %w", err)
	}
	if err := policy.Check(policy.OpRekey, policy.Request{Dataset: ds, Caller: caller.Address(), Stored: r}); err != nil {
		return nil, fmt.Errorf("rekey: %w", err)
	}
	if !ds.IsEncrypted {
		return nil, apperr.New(apperr.KindBadRequest, "rekey: dataset %s is not encrypted", id)
	}

	plaintext, err := s.Fetch(ctx, caller, id)
	if err != nil {
		return nil, fmt.Errorf("rekey: %w", err)
	}
	sealed, err := Seal(plaintext, true)
	if err != nil {
		return nil, fmt.Errorf("rekey: %w", err)
	}
	newID, err := read(ctx, s, "content put", func() (string, error) {
		return s.store.Put(ctx, sealed.Ciphertext)
	})
	if err != nil {
		return nil, fmt.Errorf("rekey: store ciphertext: %w", err)
	}
	log := s.log.WithFields(logrus.Fields{"dataset": id, "old_cid": ds.ContentID, "new_cid": newID})

	var out *registry.Outcome
	for attempt := 1; ; attempt++ {
		out, err = s.rekeyOnce(ctx, caller, ds, sealed, newID)
		if err == nil || apperr.KindOf(err) != apperr.KindConflict || attempt >= s.cfg.RekeyAttempts {
			break
		}
		log.WithField("attempt", attempt).Debug("access list changed during rekey")
	}
	if err != nil {
		if !errors.Is(err, registry.ErrOutcomeUnknown) {
			s.unpinOrphan(ctx, newID)
		}
		return nil, fmt.Errorf("rekey: %w", err)
	}

	if err := s.store.Unpin(ctx, ds.ContentID); err != nil {
		log.WithError(err).Warn("unpin previous ciphertext")
	}
	log.Info("dataset rekeyed")
	return &RekeyResult{OldContentID: ds.ContentID, NewContentID: newID, Outcome: out}, nil
}

func (s *Service) rekeyOnce(
	ctx context.Context,
	caller Principal,
	ds *model.Dataset,
	sealed *Sealed,
	newID string,
) (*registry.Outcome, error) {
	entries, err := read(ctx, s, "list access", func() ([]model.AccessEntry, error) {
		return s.reg.ListAccess(ctx, ds.ID)
	})
	if err != nil {
		return nil, err
	}
	acl := make(model.ACL, len(entries))
	for _, e := range entries {
		acl[e.Principal] = e.Level
	}
	wraps, err := s.wrapFor(ctx, caller, *sealed.Key, readers(ds.Owner, acl))
	if err != nil {
		return nil, err
	}
	args := model.RekeyArgs{DatasetID: ds.ID, NewContentID: newID, WrappedKeys: wraps}
	return s.submit(ctx, "rekey", func() (*registry.Outcome, error) {
		return s.reg.Rekey(ctx, caller, args)
	}, func(ctx context.Context) (bool, error) {
		got, err := s.reg.GetDataset(ctx, ds.ID)
		if err != nil {
			return false, err
		}
		return got.ContentID == newID, nil
	})
}
