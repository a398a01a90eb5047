package envelope

import (
	"context"
	"errors"
	"fmt"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/model"
	"github.com/synergy-labs/envelope/pkg/policy"
	"github.com/synergy-labs/envelope/pkg/sealcrypt"
)

// FetchKey unwraps the caller's content key for dataset id.
func (s *Service) FetchKey(
	ctx context.Context,
	caller Principal,
	id string,
) (sealcrypt.ContentKey, error) {
	ds, r, err := s.access(ctx, id, caller.Address())
	if err != nil {
		return sealcrypt.ContentKey{}, err
	}
	return s.fetchKey(ctx, caller, ds, r)
}

func (s *Service) fetchKey(
	ctx context.Context,
	caller Principal,
	ds *model.Dataset,
	r model.AccessLevel,
) (sealcrypt.ContentKey, error) {
	if err := policy.Check(policy.OpReadKey, policy.Request{Dataset: ds, Caller: caller.Address(), Stored: r}); err != nil {
		return sealcrypt.ContentKey{}, err
	}
	wrapped, err := read(ctx, s, "get wrapped key", func() ([]byte, error) {
		return s.reg.GetWrappedKey(ctx, ds.ID, caller.Address())
	})
	if err != nil {
		return sealcrypt.ContentKey{}, err
	}
	key, err := caller.UnwrapKey(wrapped)
	if err != nil {
		return sealcrypt.ContentKey{}, apperr.Wrap(apperr.KindInternal, err, "unwrap key for %s", ds.ID)
	}
	return key, nil
}

// Fetch returns the plaintext of dataset id. Public
// datasets are readable by anyone, but an encrypted one
// still needs a wrap for the caller.
func (s *Service) Fetch(ctx context.Context, caller Principal, id string) ([]byte, error) {
	ds, r, err := s.access(ctx, id, caller.Address())
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if err := policy.Check(policy.OpReadContent, policy.Request{Dataset: ds, Caller: caller.Address(), Stored: r}); err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	var key sealcrypt.ContentKey
	if ds.IsEncrypted {
		if key, err = s.fetchKey(ctx, caller, ds, r); err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
	}

	ct, err := read(ctx, s, "content get", func() ([]byte, error) {
		return s.store.Get(ctx, ds.ContentID)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ds.ContentID, err)
	}
	if !ds.IsEncrypted {
		return ct, nil
	}
	pt, err := sealcrypt.Decrypt(key, ct)
	if errors.Is(err, sealcrypt.ErrBadKey) {
		return nil, apperr.Wrap(apperr.KindInternal, err, "fetch: decrypt %s", ds.ContentID).
			WithHint("wrapped key does not match the current ciphertext")
	}
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return pt, nil
}
