package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synergy-labs/envelope/pkg/apperr"
	"github.com/synergy-labs/envelope/pkg/keyValStore"
	"github.com/synergy-labs/envelope/pkg/retry"
	"github.com/synergy-labs/envelope/pkg/sealcrypt"
)

// fakeKubo answers the three RPC calls the store makes.
type fakeKubo struct {
	mu     sync.Mutex
	blocks map[string][]byte
	pinned map[string]bool
}

func newFakeKubo() *fakeKubo {
	return &fakeKubo{blocks: map[string][]byte{}, pinned: map[string]bool{}}
}

func (f *fakeKubo) fail(w http.ResponseWriter, msg string) {
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(kuboError{Message: msg, Type: "error"})
}

func (f *fakeKubo) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	arg := r.URL.Query().Get("arg")
	switch r.URL.Path {
	case "/api/v0/block/put":
		file, _, err := r.FormFile("file")
		if err != nil {
			f.fail(w, err.Error())
			return
		}
		data, _ := io.ReadAll(file)
		if r.URL.Query().Get("cid-codec") != "raw" {
			f.fail(w, "expected raw codec")
			return
		}
		if len(data) > 1<<20 && r.URL.Query().Get("allow-big-block") != "true" {
			f.fail(w, "produced block is over 1MiB: big blocks can't be exchanged with other peers")
			return
		}
		id := sealcrypt.Hash(data)
		f.blocks[id] = data
		f.pinned[id] = r.URL.Query().Get("pin") == "true"
		_ = json.NewEncoder(w).Encode(blockPutResponse{Key: id, Size: len(data)})
	case "/api/v0/block/get":
		data, ok := f.blocks[arg]
		if !ok {
			f.fail(w, "block was not found locally (offline): ipld: could not find "+arg)
			return
		}
		_, _ = w.Write(data)
	case "/api/v0/pin/rm":
		if !f.pinned[arg] {
			f.fail(w, "not pinned or pinned indirectly")
			return
		}
		f.pinned[arg] = false
		_ = json.NewEncoder(w).Encode(map[string][]string{"Pins": {arg}})
	default:
		http.NotFound(w, r)
	}
}

// fakeS3 keeps objects in a map.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	srv := httptest.NewServer(newFakeKubo())
	t.Cleanup(srv.Close)
	badger, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{InMemory: true, Logger: logrus.New()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = badger.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"badger": NewLocal(badger),
		"kubo":   NewKubo(srv.URL),
		"s3":     NewS3WithClient(&fakeS3{objects: map[string][]byte{}}, "bucket", "blobs/"),
	}
}

func TestStoreContract(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("sealed dataset bytes")

			id, err := s.Put(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, sealcrypt.Hash(data), id)

			again, err := s.Put(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, id, again, "put is idempotent")

			got, err := s.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, data, got)

			empty, err := s.Put(ctx, []byte{})
			require.NoError(t, err)
			got, err = s.Get(ctx, empty)
			require.NoError(t, err)
			assert.Empty(t, got)

			_, err = s.Get(ctx, sealcrypt.Hash([]byte("never stored")))
			assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)

			_, err = s.Get(ctx, "not-a-cid")
			assert.True(t, errors.Is(err, apperr.ErrBadRequest))

			assert.NoError(t, s.Unpin(ctx, id))
			assert.NoError(t, s.Unpin(ctx, id), "unpin twice is fine")
		})
	}
}

func TestLocalDetectsCorruption(t *testing.T) {
	kv := keyValStore.NewMemoryStore()
	s := NewLocal(kv)
	ctx := context.Background()
	id, err := s.Put(ctx, []byte("original"))
	require.NoError(t, err)

	require.NoError(t, kv.Update(func(txn keyValStore.Txn) error {
		return txn.Set(localKey(id), []byte("tampered"))
	}))
	_, err = s.Get(ctx, id)
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
}

func TestKuboNodeFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"Message":"context deadline exceeded","Code":0,"Type":"error"}`))
	}))
	defer srv.Close()
	k := NewKubo(srv.URL)

	_, err := k.Get(context.Background(), sealcrypt.Hash([]byte("x")))
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
	_, err = k.Put(context.Background(), []byte("x"))
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
}

func TestKuboStoresBlocksOverOneMiB(t *testing.T) {
	srv := httptest.NewServer(newFakeKubo())
	defer srv.Close()
	k := NewKubo(srv.URL)
	ctx := context.Background()

	data := bytes.Repeat([]byte("0123456789abcdef"), (3<<20)/16)
	id, err := k.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, sealcrypt.Hash(data), id)

	got, err := k.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestKuboUnreachableIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewKubo(url).Get(context.Background(), sealcrypt.Hash([]byte("x")))
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
}

// flaky fails the first n calls of each operation with Unavailable.
type flaky struct {
	Store
	failures int32
	calls    atomic.Int32
	err      error
}

func (f *flaky) Get(ctx context.Context, id string) ([]byte, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, f.err
	}
	return f.Store.Get(ctx, id)
}

func fastPolicy() retry.Policy {
	return retry.Policy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxTries: 4}
}

func TestRetryingRecoversFromTransientFailure(t *testing.T) {
	mem := NewMemory()
	id, err := mem.Put(context.Background(), []byte("payload"))
	require.NoError(t, err)

	f := &flaky{Store: mem, failures: 2, err: apperr.New(apperr.KindUnavailable, "node restarting")}
	r := NewRetrying(f, fastPolicy(), logrus.New())
	got, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
	assert.Equal(t, int32(3), f.calls.Load())
}

func TestRetryingGivesUpAtCap(t *testing.T) {
	f := &flaky{Store: NewMemory(), failures: 100, err: apperr.New(apperr.KindUnavailable, "down")}
	r := NewRetrying(f, fastPolicy(), logrus.New())
	_, err := r.Get(context.Background(), sealcrypt.Hash([]byte("x")))
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
	assert.Equal(t, int32(4), f.calls.Load())
}

func TestRetryingDoesNotRetryNotFound(t *testing.T) {
	f := &flaky{Store: NewMemory()}
	r := NewRetrying(f, fastPolicy(), logrus.New())
	_, err := r.Get(context.Background(), sealcrypt.Hash([]byte("absent")))
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestPutRejectsOversizedObjects(t *testing.T) {
	big := bytes.Repeat([]byte{0}, MaxObjectSize+1)
	_, err := NewMemory().Put(context.Background(), big)
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))
	assert.True(t, strings.Contains(err.Error(), "exceeds limit"))
}
