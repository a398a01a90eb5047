package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/auth"
	"github.com/synergy-labs/envelope/pkg/events"
	"github.com/synergy-labs/envelope/pkg/keyValStore"
	"github.com/synergy-labs/envelope/pkg/model"
	"github.com/synergy-labs/envelope/pkg/sealcrypt"
)

const testNetwork = "synergy-test"

type fakeClock struct { // A
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	t      *testing.T
	ledger *Ledger
	kv     keyValStore.KV
	clock  *fakeClock
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return log
}

func newFixture(t *testing.T) *fixture { // A
	t.Helper()
	return newFixtureOn(t, keyValStore.NewMemoryStore(), Config{})
}

func newFixtureOn(t *testing.T, kv keyValStore.KV, cfg Config) *fixture { // A
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cfg.NetworkID = testNetwork
	cfg.Clock = clock
	cfg.Log = quietLogger()
	return &fixture{t: t, ledger: New(kv, cfg), kv: kv, clock: clock}
}

func newSigner(t *testing.T) *auth.KeySigner { // A
	t.Helper()
	s, err := auth.GenerateKey()
	require.NoError(t, err)
	return s
}

func (f *fixture) tx(s *auth.KeySigner, action model.Action, args any) *Transaction { // A
	f.t.Helper()
	sr, err := auth.SignAction(s, action, args, f.clock.Now())
	require.NoError(f.t, err)
	return &Transaction{Request: sr}
}

func (f *fixture) send(s *auth.KeySigner, action model.Action, args any) (common.Hash, error) { // A
	f.t.Helper()
	return f.ledger.SendTransaction(context.Background(), f.tx(s, action, args))
}

// commit sends, mines and returns the receipt.
func (f *fixture) commit(s *auth.KeySigner, action model.Action, args any) *model.Receipt { // A
	f.t.Helper()
	h, err := f.send(s, action, args)
	require.NoError(f.t, err)
	f.mine()
	r, err := f.ledger.Receipt(context.Background(), h)
	require.NoError(f.t, err)
	return r
}

func (f *fixture) mine() *model.Block { // A
	f.t.Helper()
	b, err := f.ledger.MineBlock()
	require.NoError(f.t, err)
	f.clock.Advance(time.Second)
	return b
}

func testMetadata(name string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"name":%q,"description":"a dataset used in tests","data_type":"csv","size":42,"tags":["test"]}`, name))
}

func wrapFor(t *testing.T, key sealcrypt.ContentKey, s *auth.KeySigner) []byte {
	t.Helper()
	w, err := sealcrypt.WrapKey(key, s.PublicKey())
	require.NoError(t, err)
	return w
}

// dsID names a dataset in tests. Datasets are registered
// under the id of their content.
func dsID(label string) string {
	return sealcrypt.Hash([]byte(label))
}

func registerPublic(f *fixture, owner *auth.KeySigner, id string) *model.Receipt {
	return f.commit(owner, model.ActionRegisterDataset, model.RegisterDatasetArgs{
		ContentID: id,
		DatasetID: id,
		IsPublic:  true,
		Metadata:  testMetadata("public"),
		NetworkID: testNetwork,
	})
}

func registerEncrypted(
	f *fixture,
	owner *auth.KeySigner,
	id string,
	key sealcrypt.ContentKey,
	grants map[*auth.KeySigner]model.AccessLevel,
) *model.Receipt {
	acl := model.ACL{}
	wraps := model.WrapMap{owner.Address(): wrapFor(f.t, key, owner)}
	for s, l := range grants {
		acl[s.Address()] = l
		wraps[s.Address()] = wrapFor(f.t, key, s)
	}
	return f.commit(owner, model.ActionRegisterDataset, model.RegisterDatasetArgs{
		ACL:         acl,
		ContentID:   id,
		DatasetID:   id,
		IsEncrypted: true,
		Metadata:    testMetadata("secret"),
		NetworkID:   testNetwork,
		WrappedKeys: wraps,
	})
}

func eventNames(t *testing.T, r *model.Receipt) []string {
	t.Helper()
	evs, err := events.DecodeAll(r.Logs)
	require.NoError(t, err)
	names := make([]string, 0, len(evs))
	for _, e := range evs {
		names = append(names, e.EventName())
	}
	return names
}

func TestRegisterAndRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := newSigner(t)

	r := registerPublic(f, owner, dsID("ds-1"))
	require.Equal(t, model.ReceiptSuccess, r.Status, r.Error)
	assert.Equal(t, []string{"DatasetRegistered"}, eventNames(t, r))

	ds, err := f.ledger.Dataset(ctx, dsID("ds-1"))
	require.NoError(t, err)
	assert.Equal(t, owner.Address(), ds.Owner)
	assert.True(t, ds.IsPublic)
	assert.False(t, ds.IsEncrypted)

	level, err := f.ledger.Access(ctx, dsID("ds-1"), owner.Address())
	require.NoError(t, err)
	assert.Equal(t, model.LevelAdmin, level)

	ids, err := f.ledger.DatasetsByOwner(ctx, owner.Address())
	require.NoError(t, err)
	assert.Equal(t, []string{dsID("ds-1")}, ids)

	pub, err := f.ledger.PublicKey(ctx, owner.Address())
	require.NoError(t, err)
	assert.Equal(t, owner.PublicKey(), pub)

	head, err := f.ledger.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head)

	_, err = f.ledger.Dataset(ctx, "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRegisterIsIdempotentForSameOwnerAndContent(t *testing.T) {
	f := newFixture(t)
	owner := newSigner(t)
	registerPublic(f, owner, dsID("ds-1"))

	again := registerPublic(f, owner, dsID("ds-1"))
	require.Equal(t, model.ReceiptSuccess, again.Status)
	assert.Empty(t, again.Logs)

	_, err := f.send(newSigner(t), model.ActionRegisterDataset, model.RegisterDatasetArgs{
		ContentID: dsID("ds-1"),
		DatasetID: dsID("ds-1"),
		Metadata:  testMetadata("x"),
		NetworkID: testNetwork,
	})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestDatasetIDMustBeContentID(t *testing.T) {
	f := newFixture(t)
	mallory := newSigner(t)
	victim := sealcrypt.Hash([]byte("victim ciphertext"))

	_, err := f.send(mallory, model.ActionRegisterDataset, model.RegisterDatasetArgs{
		ContentID: sealcrypt.Hash([]byte("mallory")),
		DatasetID: victim,
		IsPublic:  true,
		Metadata:  testMetadata("squat"),
		NetworkID: testNetwork,
	})
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))
	f.mine()

	_, err = f.ledger.Dataset(context.Background(), victim)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestResubmitReturnsSameHash(t *testing.T) {
	f := newFixture(t)
	owner := newSigner(t)
	tx := f.tx(owner, model.ActionRegisterDataset, model.RegisterDatasetArgs{
		ContentID: dsID("ds-1"),
		DatasetID: dsID("ds-1"),
		Metadata:  testMetadata("x"),
		NetworkID: testNetwork,
	})
	ctx := context.Background()

	h1, err := f.ledger.SendTransaction(ctx, tx)
	require.NoError(t, err)
	h2, err := f.ledger.SendTransaction(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	b := f.mine()
	assert.Equal(t, []common.Hash{h1}, b.TxHashes)

	h3, err := f.ledger.SendTransaction(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, h1, h3)
	assert.Empty(t, f.mine().TxHashes)
}

func TestSendRejectsBadTransactions(t *testing.T) {
	f := newFixture(t)
	owner := newSigner(t)
	ctx := context.Background()

	_, err := f.send(owner, model.ActionRegisterDataset, model.RegisterDatasetArgs{
		ContentID: dsID("ds-1"),
		DatasetID: dsID("ds-1"),
		Metadata:  testMetadata("x"),
		NetworkID: "other-net",
	})
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err), "wrong network")

	_, err = f.send(owner, model.ActionGetDataset, model.ReadArgs{DatasetID: dsID("ds-1"), NetworkID: testNetwork})
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err), "reads are not transactions")

	tx := f.tx(owner, model.ActionRetire, model.RetireArgs{DatasetID: dsID("ds-1"), NetworkID: testNetwork})
	tx.Request.Signature[5] ^= 0xff
	_, err = f.ledger.SendTransaction(ctx, tx)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err), "tampered signature")

	_, err = f.send(owner, model.ActionRegisterDataset, model.RegisterDatasetArgs{
		ContentID: sealcrypt.Hash([]byte("x")),
		DatasetID: "a/b",
		Metadata:  testMetadata("x"),
		NetworkID: testNetwork,
	})
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err), "slash in id")
}

func TestOldGrantCannotBeReplayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner, bob := newSigner(t), newSigner(t)
	id := dsID("ds")
	registerPublic(f, owner, id)

	grant := f.tx(owner, model.ActionGrant, model.GrantArgs{
		DatasetID: id, Level: model.LevelRead, NetworkID: testNetwork, Principal: bob.Address(),
	})
	_, err := f.ledger.SendTransaction(ctx, grant)
	require.NoError(t, err)
	f.mine()
	r := f.commit(owner, model.ActionRevoke, model.RevokeArgs{DatasetID: id, NetworkID: testNetwork, Principal: bob.Address()})
	require.Equal(t, model.ReceiptSuccess, r.Status, r.Error)

	reencoded := *grant
	reencoded.Request.Signature = append([]byte(nil), grant.Request.Signature...)
	reencoded.Request.Signature[64] -= 27
	_, err = f.ledger.SendTransaction(ctx, &reencoded)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err), "re-encoded signature")

	f.clock.Advance(10 * time.Minute)
	_, err = f.ledger.SendTransaction(ctx, grant)
	assert.ErrorIs(t, err, auth.ErrStale)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
	f.mine()

	level, err := f.ledger.Access(ctx, id, bob.Address())
	require.NoError(t, err)
	assert.Equal(t, model.LevelNone, level)
}

func TestFutureTimestampIsRefused(t *testing.T) {
	f := newFixture(t)
	s := newSigner(t)
	sr, err := auth.SignAction(s, model.ActionRegisterKey,
		model.RegisterKeyArgs{NetworkID: testNetwork, PublicKey: s.PublicKey()},
		f.clock.Now().Add(DefaultTimestampWindow+time.Minute))
	require.NoError(t, err)
	_, err = f.ledger.SendTransaction(context.Background(), &Transaction{Request: sr})
	assert.ErrorIs(t, err, auth.ErrStale)
}

func TestEncryptedRegisterRequiresWraps(t *testing.T) {
	f := newFixture(t)
	owner, bob := newSigner(t), newSigner(t)
	key, err := sealcrypt.GenerateContentKey()
	require.NoError(t, err)

	_, err = f.send(owner, model.ActionRegisterDataset, model.RegisterDatasetArgs{
		ACL:         model.ACL{bob.Address(): model.LevelRead},
		ContentID:   dsID("enc"),
		DatasetID:   dsID("enc"),
		IsEncrypted: true,
		Metadata:    testMetadata(dsID("enc")),
		NetworkID:   testNetwork,
		WrappedKeys: model.WrapMap{owner.Address(): wrapFor(t, key, owner)},
	})
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))

	r := registerEncrypted(f, owner, dsID("enc"), key, map[*auth.KeySigner]model.AccessLevel{bob: model.LevelRead})
	require.Equal(t, model.ReceiptSuccess, r.Status, r.Error)
	assert.Equal(t, []string{"DatasetRegistered", "AccessGranted"}, eventNames(t, r))

	wk, err := f.ledger.WrappedKey(context.Background(), dsID("enc"), bob.Address())
	require.NoError(t, err)
	got, err := bob.UnwrapKey(wk)
	require.NoError(t, err)
	assert.Equal(t, key, got)
}

func TestGrantAndRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner, bob, carol := newSigner(t), newSigner(t), newSigner(t)
	key, err := sealcrypt.GenerateContentKey()
	require.NoError(t, err)
	registerEncrypted(f, owner, dsID("enc"), key, nil)

	grant := model.GrantArgs{
		DatasetID:  dsID("enc"),
		Level:      model.LevelRead,
		NetworkID:  testNetwork,
		Principal:  bob.Address(),
		WrappedKey: wrapFor(t, key, bob),
	}
	r := f.commit(owner, model.ActionGrant, grant)
	require.Equal(t, model.ReceiptSuccess, r.Status, r.Error)
	assert.Equal(t, []string{"AccessGranted"}, eventNames(t, r))

	level, err := f.ledger.Access(ctx, dsID("enc"), bob.Address())
	require.NoError(t, err)
	assert.Equal(t, model.LevelRead, level)

	r = f.commit(owner, model.ActionGrant, grant)
	require.Equal(t, model.ReceiptSuccess, r.Status)
	assert.Empty(t, r.Logs, "same level is a no-op")

	_, err = f.send(bob, model.ActionGrant, model.GrantArgs{
		DatasetID:  dsID("enc"),
		Level:      model.LevelRead,
		NetworkID:  testNetwork,
		Principal:  carol.Address(),
		WrappedKey: wrapFor(t, key, carol),
	})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = f.send(owner, model.ActionGrant, model.GrantArgs{
		DatasetID: dsID("enc"), Level: model.LevelRead, NetworkID: testNetwork, Principal: carol.Address(),
	})
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err), "encrypted grant needs a wrap")

	r = f.commit(owner, model.ActionRevoke, model.RevokeArgs{DatasetID: dsID("enc"), NetworkID: testNetwork, Principal: bob.Address()})
	require.Equal(t, model.ReceiptSuccess, r.Status, r.Error)
	assert.Equal(t, []string{"AccessRevoked"}, eventNames(t, r))

	level, err = f.ledger.Access(ctx, dsID("enc"), bob.Address())
	require.NoError(t, err)
	assert.Equal(t, model.LevelNone, level)
	_, err = f.ledger.WrappedKey(ctx, dsID("enc"), bob.Address())
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	r = f.commit(owner, model.ActionRevoke, model.RevokeArgs{DatasetID: dsID("enc"), NetworkID: testNetwork, Principal: bob.Address()})
	require.Equal(t, model.ReceiptSuccess, r.Status)
	assert.Empty(t, r.Logs, "revoking an absent entry is a no-op")

	_, err = f.send(owner, model.ActionRevoke, model.RevokeArgs{DatasetID: dsID("enc"), NetworkID: testNetwork, Principal: owner.Address()})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestConcurrentGrantsAllApply(t *testing.T) {
	f := newFixture(t)
	owner := newSigner(t)
	registerPublic(f, owner, dsID("shared"))

	const n = 16
	grantees := make([]*auth.KeySigner, n)
	for i := range grantees {
		grantees[i] = newSigner(t)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, g := range grantees {
		wg.Add(1)
		go func(p model.Address) {
			defer wg.Done()
			sr, err := auth.SignAction(owner, model.ActionGrant, model.GrantArgs{
				DatasetID: dsID("shared"), Level: model.LevelRead, NetworkID: testNetwork, Principal: p,
			}, f.clock.Now())
			if err != nil {
				errs <- err
				return
			}
			_, err = f.ledger.SendTransaction(context.Background(), &Transaction{Request: sr})
			errs <- err
		}(g.Address())
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	f.mine()

	entries, err := f.ledger.AccessList(context.Background(), dsID("shared"))
	require.NoError(t, err)
	assert.Len(t, entries, n+1)
	for _, g := range grantees {
		level, err := f.ledger.Access(context.Background(), dsID("shared"), g.Address())
		require.NoError(t, err)
		assert.Equal(t, model.LevelRead, level)
	}
}

func TestQueuedTransactionsSeeEachOther(t *testing.T) {
	f := newFixture(t)
	owner, bob := newSigner(t), newSigner(t)

	_, err := f.send(owner, model.ActionRegisterDataset, model.RegisterDatasetArgs{
		ContentID: dsID("ds"),
		DatasetID: dsID("ds"),
		Metadata:  testMetadata("x"),
		NetworkID: testNetwork,
	})
	require.NoError(t, err)
	_, err = f.send(owner, model.ActionGrant, model.GrantArgs{
		DatasetID: dsID("ds"), Level: model.LevelModify, NetworkID: testNetwork, Principal: bob.Address(),
	})
	require.NoError(t, err, "grant must see the queued registration")

	b := f.mine()
	assert.Len(t, b.TxHashes, 2)
	level, err := f.ledger.Access(context.Background(), dsID("ds"), bob.Address())
	require.NoError(t, err)
	assert.Equal(t, model.LevelModify, level)
}

func TestUpdateMetadata(t *testing.T) {
	f := newFixture(t)
	owner, bob, eve := newSigner(t), newSigner(t), newSigner(t)
	registerPublic(f, owner, dsID("ds"))
	f.commit(owner, model.ActionGrant, model.GrantArgs{DatasetID: dsID("ds"), Level: model.LevelModify, NetworkID: testNetwork, Principal: bob.Address()})

	r := f.commit(bob, model.ActionUpdateMetadata, model.UpdateMetadataArgs{
		DatasetID: dsID("ds"), Metadata: testMetadata("renamed"), NetworkID: testNetwork,
	})
	require.Equal(t, model.ReceiptSuccess, r.Status, r.Error)
	assert.Equal(t, []string{"MetadataUpdated"}, eventNames(t, r))

	ds, err := f.ledger.Dataset(context.Background(), dsID("ds"))
	require.NoError(t, err)
	m, err := model.ParseMetadata(ds.Metadata)
	require.NoError(t, err)
	assert.Equal(t, "renamed", m.Name)
	assert.Greater(t, ds.UpdatedAt, ds.CreatedAt)

	_, err = f.send(eve, model.ActionUpdateMetadata, model.UpdateMetadataArgs{
		DatasetID: dsID("ds"), Metadata: testMetadata("evil"), NetworkID: testNetwork,
	})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestUpdateACLReplacesEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner, bob, carol := newSigner(t), newSigner(t), newSigner(t)
	key, err := sealcrypt.GenerateContentKey()
	require.NoError(t, err)
	registerEncrypted(f, owner, dsID("enc"), key, map[*auth.KeySigner]model.AccessLevel{bob: model.LevelRead})

	r := f.commit(owner, model.ActionUpdateACL, model.UpdateACLArgs{
		ACL:         model.ACL{carol.Address(): model.LevelModify},
		DatasetID:   dsID("enc"),
		NetworkID:   testNetwork,
		WrappedKeys: model.WrapMap{carol.Address(): wrapFor(t, key, carol)},
	})
	require.Equal(t, model.ReceiptSuccess, r.Status, r.Error)
	assert.ElementsMatch(t, []string{"AccessRevoked", "AccessGranted"}, eventNames(t, r))

	level, err := f.ledger.Access(ctx, dsID("enc"), bob.Address())
	require.NoError(t, err)
	assert.Equal(t, model.LevelNone, level)
	_, err = f.ledger.WrappedKey(ctx, dsID("enc"), bob.Address())
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	level, err = f.ledger.Access(ctx, dsID("enc"), carol.Address())
	require.NoError(t, err)
	assert.Equal(t, model.LevelModify, level)

	_, err = f.send(owner, model.ActionUpdateACL, model.UpdateACLArgs{
		ACL: model.ACL{bob.Address(): model.LevelRead}, DatasetID: dsID("enc"), NetworkID: testNetwork,
	})
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err), "new reader without a wrap")
}

func TestRekeyRequiresEveryReader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner, bob := newSigner(t), newSigner(t)
	key, err := sealcrypt.GenerateContentKey()
	require.NoError(t, err)
	registerEncrypted(f, owner, dsID("enc"), key, map[*auth.KeySigner]model.AccessLevel{bob: model.LevelRead})

	next, err := sealcrypt.GenerateContentKey()
	require.NoError(t, err)
	newCID := sealcrypt.Hash([]byte("rekeyed"))

	_, err = f.send(owner, model.ActionRekey, model.RekeyArgs{
		DatasetID:    dsID("enc"),
		NetworkID:    testNetwork,
		NewContentID: newCID,
		WrappedKeys:  model.WrapMap{owner.Address(): wrapFor(t, next, owner)},
	})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	r := f.commit(owner, model.ActionRekey, model.RekeyArgs{
		DatasetID:    dsID("enc"),
		NetworkID:    testNetwork,
		NewContentID: newCID,
		WrappedKeys: model.WrapMap{
			owner.Address(): wrapFor(t, next, owner),
			bob.Address():   wrapFor(t, next, bob),
		},
	})
	require.Equal(t, model.ReceiptSuccess, r.Status, r.Error)
	evs, err := events.DecodeAll(r.Logs)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	rk, ok := evs[0].(events.Rekeyed)
	require.True(t, ok)
	assert.Equal(t, newCID, rk.NewContentID)

	ds, err := f.ledger.Dataset(ctx, dsID("enc"))
	require.NoError(t, err)
	assert.Equal(t, newCID, ds.ContentID)

	wk, err := f.ledger.WrappedKey(ctx, dsID("enc"), bob.Address())
	require.NoError(t, err)
	got, err := bob.UnwrapKey(wk)
	require.NoError(t, err)
	assert.Equal(t, next, got)
}

func TestContentRefsFollowRekeyAndRetire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := newSigner(t)
	key, err := sealcrypt.GenerateContentKey()
	require.NoError(t, err)
	id := dsID("enc")
	registerEncrypted(f, owner, id, key, nil)

	refs, err := f.ledger.ContentRefs(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, refs.Current)
	assert.Empty(t, refs.Previous)

	next := sealcrypt.Hash([]byte("second ciphertext"))
	r := f.commit(owner, model.ActionRekey, model.RekeyArgs{
		DatasetID:    id,
		NetworkID:    testNetwork,
		NewContentID: next,
		WrappedKeys:  model.WrapMap{owner.Address(): wrapFor(t, key, owner)},
	})
	require.Equal(t, model.ReceiptSuccess, r.Status, r.Error)

	refs, err = f.ledger.ContentRefs(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, refs.Current)
	assert.Equal(t, []string{id}, refs.Previous)

	refs, err = f.ledger.ContentRefs(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, refs.Current)

	r = f.commit(owner, model.ActionRetire, model.RetireArgs{DatasetID: id, NetworkID: testNetwork})
	require.Equal(t, model.ReceiptSuccess, r.Status, r.Error)
	refs, err = f.ledger.ContentRefs(ctx, next)
	require.NoError(t, err)
	assert.Empty(t, refs.Current)

	_, err = f.ledger.ContentRefs(ctx, "not-a-cid")
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))
}

func TestTransferOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner, bob, carol := newSigner(t), newSigner(t), newSigner(t)
	registerPublic(f, owner, dsID("ds"))
	f.commit(owner, model.ActionGrant, model.GrantArgs{DatasetID: dsID("ds"), Level: model.LevelAdmin, NetworkID: testNetwork, Principal: bob.Address()})
	f.commit(owner, model.ActionGrant, model.GrantArgs{DatasetID: dsID("ds"), Level: model.LevelRead, NetworkID: testNetwork, Principal: carol.Address()})

	_, err := f.send(bob, model.ActionTransferOwner, model.TransferOwnerArgs{DatasetID: dsID("ds"), NetworkID: testNetwork, NewOwner: bob.Address()})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err), "admin that is not the owner")

	_, err = f.send(carol, model.ActionTransferOwner, model.TransferOwnerArgs{DatasetID: dsID("ds"), NetworkID: testNetwork, NewOwner: carol.Address()})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	r := f.commit(owner, model.ActionTransferOwner, model.TransferOwnerArgs{DatasetID: dsID("ds"), NetworkID: testNetwork, NewOwner: bob.Address()})
	require.Equal(t, model.ReceiptSuccess, r.Status, r.Error)
	assert.Equal(t, []string{"OwnerTransferred"}, eventNames(t, r))

	ds, err := f.ledger.Dataset(ctx, dsID("ds"))
	require.NoError(t, err)
	assert.Equal(t, bob.Address(), ds.Owner)

	level, err := f.ledger.Access(ctx, dsID("ds"), owner.Address())
	require.NoError(t, err)
	assert.Equal(t, model.LevelAdmin, level, "previous owner keeps ADMIN")

	ids, err := f.ledger.DatasetsByOwner(ctx, owner.Address())
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = f.ledger.DatasetsByOwner(ctx, bob.Address())
	require.NoError(t, err)
	assert.Equal(t, []string{dsID("ds")}, ids)
}

func TestRetireIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner, bob := newSigner(t), newSigner(t)
	registerPublic(f, owner, dsID("ds"))
	f.commit(owner, model.ActionGrant, model.GrantArgs{DatasetID: dsID("ds"), Level: model.LevelAdmin, NetworkID: testNetwork, Principal: bob.Address()})

	_, err := f.send(bob, model.ActionRetire, model.RetireArgs{DatasetID: dsID("ds"), NetworkID: testNetwork})
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	r := f.commit(owner, model.ActionRetire, model.RetireArgs{DatasetID: dsID("ds"), NetworkID: testNetwork})
	require.Equal(t, model.ReceiptSuccess, r.Status, r.Error)

	ds, err := f.ledger.Dataset(ctx, dsID("ds"))
	require.NoError(t, err)
	assert.True(t, ds.Retired)

	_, err = f.ledger.Access(ctx, dsID("ds"), owner.Address())
	assert.Equal(t, apperr.KindGone, apperr.KindOf(err))
	_, err = f.ledger.AccessList(ctx, dsID("ds"))
	assert.Equal(t, apperr.KindGone, apperr.KindOf(err))

	_, err = f.send(owner, model.ActionGrant, model.GrantArgs{DatasetID: dsID("ds"), Level: model.LevelRead, NetworkID: testNetwork, Principal: bob.Address()})
	assert.Equal(t, apperr.KindGone, apperr.KindOf(err))

	_, err = f.send(owner, model.ActionRegisterDataset, model.RegisterDatasetArgs{
		ContentID: ds.ContentID, DatasetID: dsID("ds"), Metadata: testMetadata("again"), NetworkID: testNetwork, IsPublic: true,
	})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err), "retired ids are not reusable")
}

func TestRegisterKey(t *testing.T) {
	f := newFixture(t)
	alice, bob := newSigner(t), newSigner(t)

	_, err := f.send(alice, model.ActionRegisterKey, model.RegisterKeyArgs{NetworkID: testNetwork, PublicKey: bob.PublicKey()})
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))

	r := f.commit(alice, model.ActionRegisterKey, model.RegisterKeyArgs{NetworkID: testNetwork, PublicKey: alice.PublicKey()})
	require.Equal(t, model.ReceiptSuccess, r.Status, r.Error)
	assert.Equal(t, []string{"KeyRegistered"}, eventNames(t, r))

	_, err = f.ledger.PublicKey(context.Background(), bob.Address())
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestPoolFullIsBusy(t *testing.T) {
	f := newFixtureOn(t, keyValStore.NewMemoryStore(), Config{MaxPending: 1})
	a, b := newSigner(t), newSigner(t)
	_, err := f.send(a, model.ActionRegisterKey, model.RegisterKeyArgs{NetworkID: testNetwork, PublicKey: a.PublicKey()})
	require.NoError(t, err)
	_, err = f.send(b, model.ActionRegisterKey, model.RegisterKeyArgs{NetworkID: testNetwork, PublicKey: b.PublicKey()})
	assert.Equal(t, apperr.KindBusy, apperr.KindOf(err))
}

func TestRelayerCoSignature(t *testing.T) {
	relayer, other, user := newSigner(t), newSigner(t), newSigner(t)
	f := newFixtureOn(t, keyValStore.NewMemoryStore(), Config{Relayers: []model.Address{relayer.Address()}})
	ctx := context.Background()
	args := model.RegisterKeyArgs{NetworkID: testNetwork, PublicKey: user.PublicKey()}

	tx := f.tx(user, model.ActionRegisterKey, args)
	require.NoError(t, tx.CoSign(relayer))
	_, err := f.ledger.SendTransaction(ctx, tx)
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	tx2 := f.tx(user, model.ActionRegisterKey, args)
	require.NoError(t, tx2.CoSign(other))
	_, err = f.ledger.SendTransaction(ctx, tx2)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	tx3 := f.tx(user, model.ActionRegisterKey, args)
	require.NoError(t, tx3.CoSign(relayer))
	tx3.RelayerSignature[3] ^= 0x01
	_, err = f.ledger.SendTransaction(ctx, tx3)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t)
	owner, bob := newSigner(t), newSigner(t)
	registerPublic(f, owner, dsID("ds"))
	f.commit(owner, model.ActionGrant, model.GrantArgs{DatasetID: dsID("ds"), Level: model.LevelRead, NetworkID: testNetwork, Principal: bob.Address()})

	var buf bytes.Buffer
	exported, err := Export(f.kv, &buf)
	require.NoError(t, err)
	require.Greater(t, exported, 0)

	restored := keyValStore.NewMemoryStore()
	imported, err := Import(restored, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, exported, imported)

	g := newFixtureOn(t, restored, Config{})
	level, err := g.ledger.Access(context.Background(), dsID("ds"), bob.Address())
	require.NoError(t, err)
	assert.Equal(t, model.LevelRead, level)
	head, err := g.ledger.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head)

	_, err = Import(restored, bytes.NewReader(buf.Bytes()))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = Import(keyValStore.NewMemoryStore(), bytes.NewReader([]byte("not a snapshot")))
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))
}

func TestBadgerBackedLedger(t *testing.T) {
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{InMemory: true, Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	f := newFixtureOn(t, kv, Config{})
	owner, bob := newSigner(t), newSigner(t)
	key, err := sealcrypt.GenerateContentKey()
	require.NoError(t, err)
	r := registerEncrypted(f, owner, dsID("enc"), key, map[*auth.KeySigner]model.AccessLevel{bob: model.LevelModify})
	require.Equal(t, model.ReceiptSuccess, r.Status, r.Error)

	entries, err := f.ledger.AccessList(context.Background(), dsID("enc"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.NoError(t, kv.Clean())
}

func TestClientAgainstServer(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(NewServer(f.ledger))
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, srv.Client())
	ctx := context.Background()
	owner, bob := newSigner(t), newSigner(t)

	h, err := client.SendTransaction(ctx, f.tx(owner, model.ActionRegisterDataset, model.RegisterDatasetArgs{
		ContentID: dsID("via http"),
		DatasetID: dsID("via http"),
		Metadata:  testMetadata("x"),
		NetworkID: testNetwork,
	}))
	require.NoError(t, err)

	_, err = client.Receipt(ctx, h)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err), "not mined yet")

	f.mine()
	r, err := client.Receipt(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, model.ReceiptSuccess, r.Status)

	head, err := client.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head)

	ds, err := client.Dataset(ctx, dsID("via http"))
	require.NoError(t, err)
	assert.Equal(t, owner.Address(), ds.Owner)

	level, err := client.Access(ctx, dsID("via http"), owner.Address())
	require.NoError(t, err)
	assert.Equal(t, model.LevelAdmin, level)

	level, err = client.Access(ctx, dsID("via http"), bob.Address())
	require.NoError(t, err)
	assert.Equal(t, model.LevelNone, level)

	entries, err := client.AccessList(ctx, dsID("via http"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	ids, err := client.DatasetsByOwner(ctx, owner.Address())
	require.NoError(t, err)
	assert.Equal(t, []string{dsID("via http")}, ids)

	pub, err := client.PublicKey(ctx, owner.Address())
	require.NoError(t, err)
	assert.Equal(t, owner.PublicKey(), pub)

	refs, err := client.ContentRefs(ctx, dsID("via http"))
	require.NoError(t, err)
	assert.Equal(t, []string{dsID("via http")}, refs.Current)

	tx, err := client.Transaction(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, model.ActionRegisterDataset, tx.Request.Action)

	b, err := client.Block(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{h}, b.TxHashes)

	_, err = client.Dataset(ctx, "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = client.SendTransaction(ctx, f.tx(bob, model.ActionRetire, model.RetireArgs{DatasetID: dsID("via http"), NetworkID: testNetwork}))
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}
