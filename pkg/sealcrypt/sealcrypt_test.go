package sealcrypt

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testKey(t testing.TB) ContentKey {
	t.Helper()
	k, err := GenerateContentKey()
	require.NoError(t, err)
	return k
}

func randomBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b) //nolint:gosec
	return b
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 3*SegmentSize+17).Draw(rt, "n")
		seed := rapid.Int64().Draw(rt, "seed")
		plaintext := randomBytes(seed, n)

		k, err := GenerateContentKey()
		if err != nil {
			rt.Fatal(err)
		}
		ct, err := Encrypt(k, plaintext)
		if err != nil {
			rt.Fatal(err)
		}
		got, err := Decrypt(k, ct)
		if err != nil {
			rt.Fatalf("decrypt: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			rt.Fatalf("round trip mismatch for %d bytes", n)
		}
	})
}

func TestEmptyPlaintextProducesCiphertext(t *testing.T) {
	k := testKey(t)
	ct, err := Encrypt(k, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, ct)

	got, err := Decrypt(k, ct)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSegmentBoundaries(t *testing.T) {
	k := testKey(t)
	for _, n := range []int{SegmentSize - 1, SegmentSize, SegmentSize + 1, 2 * SegmentSize} {
		plaintext := randomBytes(int64(n), n)
		ct, err := Encrypt(k, plaintext)
		require.NoError(t, err)
		got, err := Decrypt(k, ct)
		require.NoError(t, err, "size %d", n)
		assert.Equal(t, plaintext, got, "size %d", n)
	}
}

func TestNoncesDifferAcrossEncryptions(t *testing.T) {
	k := testKey(t)
	a, err := Encrypt(k, []byte("same bytes"))
	require.NoError(t, err)
	b, err := Encrypt(k, []byte("same bytes"))
	require.NoError(t, err)
	assert.NotEqual(t, a[:headerSize], b[:headerSize])
	assert.NotEqual(t, a, b)
}

func TestTamperingIsDetected(t *testing.T) {
	k := testKey(t)
	plaintext := randomBytes(7, SegmentSize+100)
	ct, err := Encrypt(k, plaintext)
	require.NoError(t, err)

	rapid.Check(t, func(rt *rapid.T) {
		i := rapid.IntRange(0, len(ct)-1).Draw(rt, "index")
		flip := rapid.ByteRange(1, 255).Draw(rt, "flip")
		tampered := bytes.Clone(ct)
		tampered[i] ^= flip
		if _, err := Decrypt(k, tampered); err == nil {
			rt.Fatalf("tampering at byte %d went unnoticed", i)
		}
	})
}

func TestTruncationIsDetected(t *testing.T) {
	k := testKey(t)
	ct, err := Encrypt(k, randomBytes(3, 2*SegmentSize+5))
	require.NoError(t, err)

	// Dropping the whole final segment leaves a well-formed prefix.
	firstTwo := headerSize + 2*(4+SegmentSize+16)
	_, err = Decrypt(k, ct[:firstTwo])
	assert.ErrorIs(t, err, ErrBadKey)

	_, err = Decrypt(k, ct[:headerSize])
	assert.ErrorIs(t, err, ErrBadKey)

	_, err = Decrypt(k, ct[:3])
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestWrongKeyFailsWithBadKey(t *testing.T) {
	ct, err := Encrypt(testKey(t), []byte("hello"))
	require.NoError(t, err)
	_, err = Decrypt(testKey(t), ct)
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestWrapUnwrap(t *testing.T) {
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	k := testKey(t)

	for _, pub := range [][]byte{
		crypto.FromECDSAPub(&priv.PublicKey),
		crypto.CompressPubkey(&priv.PublicKey),
	} {
		wrapped, err := WrapKey(k, pub)
		require.NoError(t, err)
		got, err := UnwrapKey(wrapped, priv)
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
}

func TestUnwrapWithOtherKeyFails(t *testing.T) {
	alice, err := crypto.GenerateKey()
	require.NoError(t, err)
	mallory, err := crypto.GenerateKey()
	require.NoError(t, err)

	wrapped, err := WrapKey(testKey(t), crypto.FromECDSAPub(&alice.PublicKey))
	require.NoError(t, err)

	_, err = UnwrapKey(wrapped, mallory)
	assert.ErrorIs(t, err, ErrBadKey)

	wrapped[len(wrapped)-1] ^= 1
	_, err = UnwrapKey(wrapped, alice)
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestWrapRejectsMalformedRecipient(t *testing.T) {
	k := testKey(t)
	_, err := WrapKey(k, []byte{0x04, 1, 2, 3})
	assert.ErrorIs(t, err, ErrBadRecipient)

	bogus := make([]byte, 65)
	bogus[0] = 0x04
	_, err = WrapKey(k, bogus)
	assert.ErrorIs(t, err, ErrBadRecipient)
}

func TestHashIsStableAndParses(t *testing.T) {
	// sha2-256("hello") as a raw CIDv1.
	const want = "bafkreibm6jg3ux5qumhcn2b3flc3tyu6dmlb4xa7u5bf44yegnrjhc4yeq"
	assert.Equal(t, want, Hash([]byte("hello")))

	got, err := ParseContentID(want)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	digest, err := ContentDigest(want)
	require.NoError(t, err)
	assert.Len(t, digest, 32)
}

func TestParseContentIDRejectsOtherShapes(t *testing.T) {
	for _, s := range []string{
		"",
		"not-a-cid",
		// CIDv0 (dag-pb) of an empty directory.
		"QmUNLLsPACCz1vLxQVkXqqLX5R1X345qqfHbsf67hvA3Nn",
	} {
		_, err := ParseContentID(s)
		assert.ErrorIs(t, err, ErrBadContentID, s)
	}
}
