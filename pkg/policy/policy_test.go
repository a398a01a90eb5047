package policy

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/model"
)

var (
	owner = common.HexToAddress("0xaa")
	admin = common.HexToAddress("0xab")
	bob   = common.HexToAddress("0xbb")
	carol = common.HexToAddress("0xcc")
)

func dataset(mut ...func(*model.Dataset)) *model.Dataset { // A
	ds := &model.Dataset{ID: "d1", Owner: owner, IsEncrypted: true}
	for _, m := range mut {
		m(ds)
	}
	return ds
}

func TestEffectiveOwnerIsAlwaysAdmin( // A
	t *testing.T,
) {
	ds := dataset()
	assert.Equal(t, model.LevelAdmin, Effective(ds, owner, model.LevelNone))
	assert.Equal(t, model.LevelRead, Effective(ds, bob, model.LevelRead))
	assert.Equal(t, model.LevelNone, Effective(nil, owner, model.LevelNone))
}

func TestCheckTransitionTable( // A
	t *testing.T,
) {
	public := func(ds *model.Dataset) { ds.IsPublic = true }
	plain := func(ds *model.Dataset) { ds.IsEncrypted = false }

	cases := []struct {
		name string
		op   Op
		ds   *model.Dataset
		req  Request
		want apperr.Kind
		ok   bool
	}{
		{"read by reader", OpReadContent, dataset(), Request{Caller: bob, Stored: model.LevelRead}, 0, true},
		{"read by stranger", OpReadContent, dataset(), Request{Caller: bob}, apperr.KindForbidden, false},
		{"read public by stranger", OpReadContent, dataset(public), Request{Caller: bob}, 0, true},
		{"key by reader", OpReadKey, dataset(), Request{Caller: bob, Stored: model.LevelRead}, 0, true},
		{"key on public encrypted by stranger", OpReadKey, dataset(public), Request{Caller: bob}, apperr.KindForbidden, false},
		{"key on unencrypted", OpReadKey, dataset(plain), Request{Caller: owner}, apperr.KindNotFound, false},
		{"metadata by modifier", OpUpdateMetadata, dataset(), Request{Caller: bob, Stored: model.LevelModify}, 0, true},
		{"metadata by reader", OpUpdateMetadata, dataset(), Request{Caller: bob, Stored: model.LevelRead}, apperr.KindForbidden, false},
		{"grant by owner", OpGrant, dataset(), Request{Caller: owner, Target: bob, Level: model.LevelRead}, 0, true},
		{"grant by admin", OpGrant, dataset(), Request{Caller: admin, Stored: model.LevelAdmin, Target: bob, Level: model.LevelModify}, 0, true},
		{"grant by modifier", OpGrant, dataset(), Request{Caller: bob, Stored: model.LevelModify, Target: carol, Level: model.LevelRead}, apperr.KindForbidden, false},
		{"grant NONE", OpGrant, dataset(), Request{Caller: owner, Target: bob, Level: model.LevelNone}, apperr.KindBadRequest, false},
		{"grant to owner", OpGrant, dataset(), Request{Caller: admin, Stored: model.LevelAdmin, Target: owner, Level: model.LevelRead}, apperr.KindBadRequest, false},
		{"revoke by owner", OpRevoke, dataset(), Request{Caller: owner, Target: bob}, 0, true},
		{"revoke owner", OpRevoke, dataset(), Request{Caller: admin, Stored: model.LevelAdmin, Target: owner}, apperr.KindForbidden, false},
		{"revoke self", OpRevoke, dataset(), Request{Caller: admin, Stored: model.LevelAdmin, Target: admin}, apperr.KindForbidden, false},
		{"revoke by reader", OpRevoke, dataset(), Request{Caller: bob, Stored: model.LevelRead, Target: carol}, apperr.KindForbidden, false},
		{"rekey by admin", OpRekey, dataset(), Request{Caller: admin, Stored: model.LevelAdmin}, 0, true},
		{"rekey by modifier", OpRekey, dataset(), Request{Caller: bob, Stored: model.LevelModify}, apperr.KindForbidden, false},
		{"list access by reader", OpListAccess, dataset(), Request{Caller: bob, Stored: model.LevelRead}, apperr.KindForbidden, false},
		{"transfer by owner", OpTransferOwner, dataset(), Request{Caller: owner, Target: bob}, 0, true},
		{"transfer by admin non-owner", OpTransferOwner, dataset(), Request{Caller: admin, Stored: model.LevelAdmin, Target: bob}, apperr.KindConflict, false},
		{"transfer by reader", OpTransferOwner, dataset(), Request{Caller: bob, Stored: model.LevelRead, Target: carol}, apperr.KindForbidden, false},
		{"transfer to self", OpTransferOwner, dataset(), Request{Caller: owner, Target: owner}, apperr.KindBadRequest, false},
		{"retire by owner", OpRetire, dataset(), Request{Caller: owner}, 0, true},
		{"retire by admin", OpRetire, dataset(), Request{Caller: admin, Stored: model.LevelAdmin}, apperr.KindForbidden, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) { // A
			req := tc.req
			req.Dataset = tc.ds
			err := Check(tc.op, req)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.Equal(t, tc.want, apperr.KindOf(err))
		})
	}
}

func TestCheckRetiredIsGoneForEveryOp( // A
	t *testing.T,
) {
	ds := dataset(func(ds *model.Dataset) { ds.Retired = true })
	for op := OpReadContent; op <= OpListAccess; op++ {
		err := Check(op, Request{Dataset: ds, Caller: owner})
		assert.ErrorIs(t, err, apperr.ErrGone, op.String())
	}
}

func TestCheckMissingDataset( // A
	t *testing.T,
) {
	err := Check(OpReadContent, Request{Caller: owner})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestValidateACL( // A
	t *testing.T,
) {
	ds := dataset()
	assert.NoError(t, ValidateACL(ds, model.ACL{bob: model.LevelRead, carol: model.LevelNone}))
	assert.ErrorIs(t, ValidateACL(ds, model.ACL{owner: model.LevelRead}), apperr.ErrBadRequest)
	assert.ErrorIs(t, ValidateACL(ds, model.ACL{{}: model.LevelRead}), apperr.ErrBadRequest)
}

func TestOpFor( // A
	t *testing.T,
) {
	op, ok := OpFor(model.ActionGrant)
	assert.True(t, ok)
	assert.Equal(t, OpGrant, op)
	_, ok = OpFor(model.ActionRegisterDataset)
	assert.False(t, ok)
}
