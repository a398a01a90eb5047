package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/model"
	"github.com/synergy-labs/envelope/pkg/policy"
	"github.com/synergy-labs/envelope/pkg/registry"
	"github.com/synergy-labs/envelope/pkg/sealcrypt"
)

// Sealed is plaintext prepared for publishing: the bytes
// that go to the content store and, when encrypted, the
// key they were sealed with.
type Sealed struct {
	Ciphertext []byte
	Key        *sealcrypt.ContentKey
}

// ContentID is the id the store will assign to the sealed
// bytes and the id the dataset will carry.
func (s *Sealed) ContentID() string { return sealcrypt.Hash(s.Ciphertext) }

// Seal encrypts plaintext under a fresh content key. With
// encrypt false the plaintext is stored as is.
func Seal(plaintext []byte, encrypt bool) (*Sealed, error) {
	if !encrypt {
		return &Sealed{Ciphertext: plaintext}, nil
	}
	key, err := sealcrypt.GenerateContentKey()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "generate content key")
	}
	ct, err := sealcrypt.Encrypt(key, plaintext)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "encrypt")
	}
	return &Sealed{Ciphertext: ct, Key: &key}, nil
}

type PublishOptions struct {
	Metadata json.RawMessage
	// Grantees maps principals to their initial level. The
	// owner is implicit and must not be listed.
	Grantees model.ACL
	IsPublic bool
}

type PublishResult struct {
	DatasetID string
	Outcome   *registry.Outcome
}

// Publish seals plaintext and publishes it.
func (s *Service) Publish(
	ctx context.Context,
	owner Principal,
	plaintext []byte,
	encrypt bool,
	opts PublishOptions,
) (*PublishResult, error) {
	if err := validatePublish(owner, opts); err != nil {
		return nil, err
	}
	sealed, err := Seal(plaintext, encrypt)
	if err != nil {
		return nil, err
	}
	return s.PublishSealed(ctx, owner, sealed, opts)
}

func validatePublish(owner Principal, opts PublishOptions) error {
	if _, err := model.CanonicalMetadata(opts.Metadata); err != nil {
		return asBadRequest(err, "metadata")
	}
	if err := policy.ValidateACL(&model.Dataset{Owner: owner.Address()}, opts.Grantees); err != nil {
		return err
	}
	return nil
}

// PublishSealed uploads sealed bytes, wraps their key for
// the owner and every grantee with READ or more, and
// registers the dataset under the content id. Publishing
// the same sealed bytes twice converges on one dataset.
func (s *Service) PublishSealed(
	ctx context.Context,
	owner Principal,
	sealed *Sealed,
	opts PublishOptions,
) (*PublishResult, error) {
	if err := validatePublish(owner, opts); err != nil {
		return nil, err
	}
	log := s.log.WithField("owner", model.FormatAddress(owner.Address()))

	contentID, err := read(ctx, s, "content put", func() (string, error) {
		return s.store.Put(ctx, sealed.Ciphertext)
	})
	if err != nil {
		return nil, fmt.Errorf("publish: store ciphertext: %w", err)
	}
	log = log.WithField("cid", contentID)

	var wraps model.WrapMap
	if sealed.Key != nil {
		wraps, err = s.wrapFor(ctx, owner, *sealed.Key, readers(owner.Address(), opts.Grantees))
		if err != nil {
			s.unpinOrphan(ctx, contentID)
			return nil, fmt.Errorf("publish: %w", err)
		}
	}

	args := model.RegisterDatasetArgs{
		ACL:         opts.Grantees,
		ContentID:   contentID,
		DatasetID:   contentID,
		IsEncrypted: sealed.Key != nil,
		IsPublic:    opts.IsPublic,
		Metadata:    opts.Metadata,
		WrappedKeys: wraps,
	}
	out, err := s.submit(ctx, "register dataset", func() (*registry.Outcome, error) {
		return s.reg.RegisterDataset(ctx, owner, args)
	}, func(ctx context.Context) (bool, error) {
		ds, err := s.reg.GetDataset(ctx, contentID)
		if err != nil {
			return false, err
		}
		return ds.Owner == owner.Address() && ds.ContentID == contentID, nil
	})
	if err != nil {
		if !errors.Is(err, registry.ErrOutcomeUnknown) {
			s.unpinOrphan(ctx, contentID)
		}
		log.WithError(err).WithField("kind", apperr.KindOf(err)).Warn("publish failed after upload")
		return nil, apperr.Wrap(apperr.KindInternal, err, "publish: register %s", contentID).
			WithHint(orphanHint(contentID))
	}
	log.WithFields(logrus.Fields{"dataset": contentID, "encrypted": args.IsEncrypted}).Info("dataset published")
	return &PublishResult{DatasetID: contentID, Outcome: out}, nil
}
