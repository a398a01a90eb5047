package envelope

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/model"
	"github.com/synergy-labs/envelope/pkg/sealcrypt"
)

// publicKey returns p's registered key, or self's own key
// when p is the caller.
func (s *Service) publicKey(
	ctx context.Context,
	self Principal,
	p model.Address,
) ([]byte, error) {
	if self != nil && p == self.Address() {
		return self.PublicKey(), nil
	}
	pub, err := read(ctx, s, "get public key", func() ([]byte, error) {
		return s.reg.GetPublicKey(ctx, p)
	})
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil, apperr.Wrap(apperr.KindBadRequest, err, "%s has not registered a key", model.FormatAddress(p))
	}
	return pub, err
}

// wrapFor wraps key toward every recipient in parallel.
func (s *Service) wrapFor(
	ctx context.Context,
	self Principal,
	key sealcrypt.ContentKey,
	recipients []model.Address,
) (model.WrapMap, error) {
	var (
		mu    sync.Mutex
		wraps = make(model.WrapMap, len(recipients))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.WrapConcurrency)
	for _, p := range recipients {
		g.Go(func() error {
			pub, err := s.publicKey(gctx, self, p)
			if err != nil {
				return err
			}
			w, err := sealcrypt.WrapKey(key, pub)
			if err != nil {
				return apperr.Wrap(apperr.KindBadRequest, err, "wrap for %s", model.FormatAddress(p))
			}
			mu.Lock()
			wraps[p] = w
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("wrap content key: %w", err)
	}
	return wraps, nil
}

// readers returns the owner plus every principal in acl
// holding READ or more, without duplicates.
func readers(owner model.Address, acl model.ACL) []model.Address {
	out := []model.Address{owner}
	for _, p := range acl.Readers() {
		if p != owner {
			out = append(out, p)
		}
	}
	return out
}
