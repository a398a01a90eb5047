package auth

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/model"
	"github.com/synergy-labs/envelope/pkg/sealcrypt"
)

func mustSigner(t testing.TB) *KeySigner { // A
	t.Helper()
	s, err := GenerateKey()
	require.NoError(t, err)
	return s
}

func TestCanonicalJSONSortsKeysAndDropsWhitespace(t *testing.T) { // A
	a, err := CanonicalJSON(json.RawMessage(`{ "b": 1, "a": {"z": "<x>", "y": [1, 2.50]} }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":[1,2.50],"z":"<x>"},"b":1}`, string(a))

	b, err := CanonicalJSON(map[string]any{"b": 1, "a": map[string]any{"y": []any{1, json.Number("2.50")}, "z": "<x>"}})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestMessageLayout(t *testing.T) { // A
	r, err := NewRequest(model.ActionGrant, map[string]any{"level": 1, "dataset_id": "d"}, 1700000000)
	require.NoError(t, err)
	msg, err := r.Message()
	require.NoError(t, err)
	assert.Equal(t, `synergy:v1:grant:{"dataset_id":"d","level":1}:1700000000`, string(msg))
}

func TestTimestampTruncatesToSeconds(t *testing.T) { // A
	assert.Equal(t, int64(12), Timestamp(time.UnixMilli(12_999)))
}

func TestSignVerifyProperty(t *testing.T) { // A
	s := mustSigner(t)
	other := mustSigner(t)
	rapid.Check(t, func(rt *rapid.T) {
		msg := rapid.SliceOf(rapid.Byte()).Draw(rt, "msg")
		sig, err := Sign(s.priv, msg)
		require.NoError(rt, err)
		require.Len(rt, sig, SignatureSize)
		assert.True(rt, Verify(s.Address(), msg, sig))
		assert.False(rt, Verify(other.Address(), msg, sig))

		if len(msg) > 0 {
			flipped := append([]byte(nil), msg...)
			flipped[rapid.IntRange(0, len(msg)-1).Draw(rt, "i")] ^= 0x01
			assert.False(rt, Verify(s.Address(), flipped, sig))
		}
	})
}

func TestVerifyRejectsHighS(t *testing.T) { // A
	s := mustSigner(t)
	msg := []byte("hello")
	sig, err := Sign(s.priv, msg)
	require.NoError(t, err)

	n := crypto.S256().Params().N
	sVal := new(big.Int).SetBytes(sig[32:64])
	high := new(big.Int).Sub(n, sVal)
	malleable := append([]byte(nil), sig...)
	high.FillBytes(malleable[32:64])
	malleable[64] ^= 1

	assert.False(t, Verify(s.Address(), msg, malleable))
	assert.True(t, Verify(s.Address(), msg, sig))
}

func TestVerifyRejectsMalformedSignature(t *testing.T) { // A
	s := mustSigner(t)
	assert.False(t, Verify(s.Address(), []byte("x"), make([]byte, 10)))
	assert.False(t, Verify(s.Address(), []byte("x"), make([]byte, SignatureSize)))
}

func TestVerifyRequestReturnsPublicKey(t *testing.T) { // A
	s := mustSigner(t)
	sr, err := SignAction(s, model.ActionRetire, model.RetireArgs{DatasetID: "d", NetworkID: "n"}, time.Now())
	require.NoError(t, err)

	pub, err := VerifyRequest(sr)
	require.NoError(t, err)
	assert.Equal(t, s.PublicKey(), crypto.FromECDSAPub(pub))

	sr.Address = mustSigner(t).Address()
	_, err = VerifyRequest(sr)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestSignedRequestSurvivesJSONRoundTrip(t *testing.T) { // A
	s := mustSigner(t)
	sr, err := SignAction(s, model.ActionRevoke, model.RevokeArgs{
		DatasetID: "d", NetworkID: "n", Principal: s.Address(),
	}, time.Now())
	require.NoError(t, err)

	blob, err := json.Marshal(sr)
	require.NoError(t, err)
	var back SignedRequest
	require.NoError(t, json.Unmarshal(blob, &back))
	_, err = VerifyRequest(back)
	require.NoError(t, err)

	h1, err := sr.Hash()
	require.NoError(t, err)
	h2, err := back.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestVerifierWindowAndReplay(t *testing.T) { // A
	base := time.Unix(1_700_000_000, 0)
	clk := &fakeClock{now: base}
	v := NewVerifier(120*time.Second, clk, nil)
	s := mustSigner(t)
	ctx := context.Background()

	sr, err := SignAction(s, model.ActionRetire, model.RetireArgs{DatasetID: "d", NetworkID: "n"}, base)
	require.NoError(t, err)

	_, err = v.Verify(ctx, sr)
	require.NoError(t, err)

	_, err = v.Verify(ctx, sr)
	require.ErrorIs(t, err, ErrReplay)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))

	_, err = v.VerifyRead(sr)
	require.NoError(t, err, "reads are not deduplicated")

	clk.Set(base.Add(121 * time.Second))
	_, err = v.VerifyRead(sr)
	require.ErrorIs(t, err, ErrStale)

	clk.Set(base.Add(-121 * time.Second))
	_, err = v.VerifyRead(sr)
	require.ErrorIs(t, err, ErrStale)

	clk.Set(base.Add(120 * time.Second))
	_, err = v.VerifyRead(sr)
	require.NoError(t, err)
}

func TestRecoveryByteHasOneEncoding(t *testing.T) { // A
	s := mustSigner(t)
	msg := []byte("hello")
	sig, err := Sign(s.priv, msg)
	require.NoError(t, err)
	require.Contains(t, []byte{27, 28}, sig[64])

	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	assert.False(t, Verify(s.Address(), msg, raw), "0/1 recovery byte")

	raw[64] += 2
	assert.False(t, Verify(s.Address(), msg, raw))
	assert.True(t, Verify(s.Address(), msg, sig))
}

func TestVerifierRejectsReencodedSignature(t *testing.T) { // A
	base := time.Unix(1_700_000_000, 0)
	v := NewVerifier(120*time.Second, &fakeClock{now: base}, nil)
	s := mustSigner(t)
	ctx := context.Background()

	sr, err := SignAction(s, model.ActionRetire, model.RetireArgs{DatasetID: "d", NetworkID: "n"}, base)
	require.NoError(t, err)
	_, err = v.Verify(ctx, sr)
	require.NoError(t, err)

	again := sr
	again.Signature = append([]byte(nil), sr.Signature...)
	again.Signature[64] -= 27
	_, err = v.Verify(ctx, again)
	require.ErrorIs(t, err, ErrBadSignature)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestKeySignerHexRoundTripAndUnwrap(t *testing.T) { // A
	s := mustSigner(t)
	back, err := KeySignerFromHex(s.HexKey())
	require.NoError(t, err)
	assert.Equal(t, s.Address(), back.Address())

	key, err := sealcrypt.GenerateContentKey()
	require.NoError(t, err)
	wrapped, err := sealcrypt.WrapKey(key, s.PublicKey())
	require.NoError(t, err)
	got, err := back.UnwrapKey(wrapped)
	require.NoError(t, err)
	assert.Equal(t, key, got)
}
