package envelope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/model"
	"github.com/synergy-labs/envelope/pkg/policy"
	"github.com/synergy-labs/envelope/pkg/registry"
)

// Grant gives p level on dataset id. For an encrypted
// dataset the caller unwraps the content key and wraps it
// for p; the entry and the wrap land in one transaction.
func (s *Service) Grant(
	ctx context.Context,
	caller Principal,
	id string,
	p model.Address,
	level model.AccessLevel,
) (*registry.Outcome, error) {
	ds, r, err := s.access(ctx, id, caller.Address())
	if err != nil {
		return nil, fmt.Errorf("grant: %w", err)
	}
	err = policy.Check(policy.OpGrant, policy.Request{Dataset: ds, Caller: caller.Address(), Stored: r, Target: p, Level: level})
	if err != nil {
		return nil, fmt.Errorf("grant: %w", err)
	}

	args := model.GrantArgs{DatasetID: id, Level: level, Principal: p}
	if ds.IsEncrypted {
		key, err := s.FetchKey(ctx, caller, id)
		if err != nil {
			return nil, fmt.Errorf("grant: %w", err)
		}
		wraps, err := s.wrapFor(ctx, caller, key, []model.Address{p})
		if err != nil {
			return nil, fmt.Errorf("grant: %w", err)
		}
		args.WrappedKey = wraps[p]
	}

	out, err := s.submit(ctx, "grant", func() (*registry.Outcome, error) {
		return s.reg.Grant(ctx, caller, args)
	}, func(ctx context.Context) (bool, error) {
		got, err := s.reg.CheckAccess(ctx, id, p)
		return got == level, err
	})
	if err != nil {
		return nil, fmt.Errorf("grant: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"dataset":   id,
		"principal": model.FormatAddress(p),
		"level":     level.String(),
	}).Info("access granted")
	return out, nil
}

// Revoke removes p's entry and wrap. The content key is
// not rotated; follow with Rekey for forward secrecy.
func (s *Service) Revoke(
	ctx context.Context,
	caller Principal,
	id string,
	p model.Address,
) (*registry.Outcome, error) {
	ds, r, err := s.access(ctx, id, caller.Address())
	if err != nil {
		return nil, fmt.Errorf("revoke: %w", err)
	}
	err = policy.Check(policy.OpRevoke, policy.Request{Dataset: ds, Caller: caller.Address(), Stored: r, Target: p})
	if err != nil {
		return nil, fmt.Errorf("revoke: %w", err)
	}
	args := model.RevokeArgs{DatasetID: id, Principal: p}
	out, err := s.submit(ctx, "revoke", func() (*registry.Outcome, error) {
		return s.reg.Revoke(ctx, caller, args)
	}, func(ctx context.Context) (bool, error) {
		got, err := s.reg.CheckAccess(ctx, id, p)
		return got == model.LevelNone, err
	})
	if err != nil {
		return nil, fmt.Errorf("revoke: %w", err)
	}
	s.log.WithFields(logrus.Fields{"dataset": id, "principal": model.FormatAddress(p)}).Info("access revoked")
	return out, nil
}

// UpdateACL replaces the whole ACL. Principals that end up
// with READ or more get a wrap in the same transaction.
func (s *Service) UpdateACL(
	ctx context.Context,
	caller Principal,
	id string,
	acl model.ACL,
) (*registry.Outcome, error) {
	ds, r, err := s.access(ctx, id, caller.Address())
	if err != nil {
		return nil, fmt.Errorf("update acl: %w", err)
	}
	if err := policy.Check(policy.OpUpdateACL, policy.Request{Dataset: ds, Caller: caller.Address(), Stored: r}); err != nil {
		return nil, fmt.Errorf("update acl: %w", err)
	}
	if err := policy.ValidateACL(ds, acl); err != nil {
		return nil, fmt.Errorf("update acl: %w", err)
	}

	args := model.UpdateACLArgs{ACL: acl, DatasetID: id}
	if ds.IsEncrypted && len(acl.Readers()) > 0 {
		key, err := s.FetchKey(ctx, caller, id)
		if err != nil {
			return nil, fmt.Errorf("update acl: %w", err)
		}
		args.WrappedKeys, err = s.wrapFor(ctx, caller, key, acl.Readers())
		if err != nil {
			return nil, fmt.Errorf("update acl: %w", err)
		}
	}
	out, err := s.submit(ctx, "update acl", func() (*registry.Outcome, error) {
		return s.reg.UpdateACL(ctx, caller, args)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("update acl: %w", err)
	}
	return out, nil
}

// UpdateMetadata replaces the metadata blob. MODIFY is
// enough.
func (s *Service) UpdateMetadata(
	ctx context.Context,
	caller Principal,
	id string,
	metadata json.RawMessage,
) (*registry.Outcome, error) {
	canonical, err := model.CanonicalMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("update metadata: %w", asBadRequest(err, "metadata"))
	}
	args := model.UpdateMetadataArgs{DatasetID: id, Metadata: metadata}
	out, err := s.submit(ctx, "update metadata", func() (*registry.Outcome, error) {
		return s.reg.UpdateMetadata(ctx, caller, args)
	}, func(ctx context.Context) (bool, error) {
		ds, err := s.reg.GetDataset(ctx, id)
		if err != nil {
			return false, err
		}
		got, err := model.CanonicalMetadata(ds.Metadata)
		return err == nil && bytes.Equal(got, canonical), nil
	})
	if err != nil {
		return nil, fmt.Errorf("update metadata: %w", err)
	}
	return out, nil
}

// TransferOwner hands the dataset to newOwner, wrapping the
// content key for them when the dataset is encrypted. The
// caller keeps ADMIN.
func (s *Service) TransferOwner(
	ctx context.Context,
	caller Principal,
	id string,
	newOwner model.Address,
) (*registry.Outcome, error) {
	ds, r, err := s.access(ctx, id, caller.Address())
	if err != nil {
		return nil, fmt.Errorf("transfer owner: %w", err)
	}
	err = policy.Check(policy.OpTransferOwner, policy.Request{Dataset: ds, Caller: caller.Address(), Stored: r, Target: newOwner})
	if err != nil {
		return nil, fmt.Errorf("transfer owner: %w", err)
	}
	args := model.TransferOwnerArgs{DatasetID: id, NewOwner: newOwner}
	if ds.IsEncrypted {
		key, err := s.FetchKey(ctx, caller, id)
		if err != nil {
			return nil, fmt.Errorf("transfer owner: %w", err)
		}
		wraps, err := s.wrapFor(ctx, caller, key, []model.Address{newOwner})
		if err != nil {
			return nil, fmt.Errorf("transfer owner: %w", err)
		}
		args.WrappedKey = wraps[newOwner]
	}
	out, err := s.submit(ctx, "transfer owner", func() (*registry.Outcome, error) {
		return s.reg.TransferOwner(ctx, caller, args)
	}, func(ctx context.Context) (bool, error) {
		ds, err := s.reg.GetDataset(ctx, id)
		if err != nil {
			return false, err
		}
		return ds.Owner == newOwner, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transfer owner: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"dataset":   id,
		"old_owner": model.FormatAddress(caller.Address()),
		"new_owner": model.FormatAddress(newOwner),
	}).Info("owner transferred")
	return out, nil
}

// Retire marks the dataset retired. Every later read fails
// with Gone. The ciphertext stays pinned.
func (s *Service) Retire(ctx context.Context, caller Principal, id string) (*registry.Outcome, error) {
	out, err := s.submit(ctx, "retire", func() (*registry.Outcome, error) {
		return s.reg.Retire(ctx, caller, model.RetireArgs{DatasetID: id})
	}, func(ctx context.Context) (bool, error) {
		_, err := s.reg.GetDataset(ctx, id)
		return apperr.KindOf(err) == apperr.KindGone, nil
	})
	if err != nil {
		return nil, fmt.Errorf("retire: %w", err)
	}
	return out, nil
}

// RegisterKey publishes the caller's public key so others
// can wrap content keys for it.
func (s *Service) RegisterKey(ctx context.Context, caller Principal) (*registry.Outcome, error) {
	args := model.RegisterKeyArgs{PublicKey: caller.PublicKey()}
	out, err := s.submit(ctx, "register key", func() (*registry.Outcome, error) {
		return s.reg.RegisterKey(ctx, caller, args)
	}, func(ctx context.Context) (bool, error) {
		pub, err := s.reg.GetPublicKey(ctx, caller.Address())
		return err == nil && bytes.Equal(pub, args.PublicKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("register key: %w", err)
	}
	return out, nil
}
