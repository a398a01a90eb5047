// Package contentstore puts and gets opaque byte strings
// addressed by their content id. Every backend returns
// NotFound for absent content and Unavailable for
// transient failures so callers can tell them apart.
package contentstore

import (
	"context"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/sealcrypt"
)

// Store is a content-addressed, pinning blob store.
type Store interface {
	// Put stores and pins data and returns its content id.
	// Putting the same bytes again returns the same id.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, contentID string) ([]byte, error)
	// Unpin releases the local pin. Other pinners may keep
	// the bytes alive.
	Unpin(ctx context.Context, contentID string) error
}

// MaxObjectSize bounds a single stored object.
const MaxObjectSize = 256 << 20

func checkID(contentID string) error {
	if _, err := sealcrypt.ParseContentID(contentID); err != nil {
		return apperr.Wrap(apperr.KindBadRequest, err, "content id %q", contentID)
	}
	return nil
}

// verify rejects bytes that do not hash to contentID.
func verify(contentID string, data []byte) error {
	if got := sealcrypt.Hash(data); got != contentID {
		return apperr.New(apperr.KindUnavailable, "content %s failed verification (got %s)", contentID, got)
	}
	return nil
}
