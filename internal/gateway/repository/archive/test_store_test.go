package archive

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewDiskStore(t.TempDir())

	require.NoError(t, s.Put(ctx, "exec-1", "n1/exec-1_a.png", []byte("png")))
	require.NoError(t, s.Put(ctx, "exec-1", "/n2/exec-1_b.mp4", []byte("mp4")))

	raw, err := s.Get(ctx, "exec-1", "n1/exec-1_a.png")
	require.NoError(t, err)
	assert.Equal(t, "png", string(raw))

	list, err := s.List(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"n1/exec-1_a.png", "n2/exec-1_b.mp4"}, list)

	_, err = s.Get(ctx, "exec-1", "n1/missing.png")
	assert.ErrorIs(t, err, ErrNotFound)

	empty, err := s.List(ctx, "exec-2")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDiskStoreRejectsEscapes(t *testing.T) {
	ctx := context.Background()
	s := NewDiskStore(t.TempDir())
	assert.Error(t, s.Put(ctx, "../x", "a.png", nil))
	assert.Error(t, s.Put(ctx, "exec-1", "../../a.png", nil))
	assert.Error(t, s.Put(ctx, "", "a.png", nil))
	assert.Error(t, s.Put(ctx, "exec-1", " ", nil))
}

func TestNewS3StoreValidatesConfig(t *testing.T) {
	_, err := NewS3Store(S3Config{})
	assert.Error(t, err)
	_, err = NewS3Store(S3Config{Endpoint: "minio:9000", Bucket: "b"})
	assert.Error(t, err)
	_, err = NewS3Store(S3Config{Endpoint: "minio:9000", AccessKey: "a", SecretKey: "s"})
	assert.Error(t, err)

	s, err := NewS3Store(S3Config{Endpoint: "minio:9000", AccessKey: "a", SecretKey: "s", Bucket: "chains"})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", s.region)
}

type fakeOrigin struct {
	mu        sync.Mutex
	data      map[string][]byte
	listCalls int
	urlCalls  int
	failPut   bool
}

func newFakeOrigin() *fakeOrigin { return &fakeOrigin{data: map[string][]byte{}} }

func (f *fakeOrigin) Put(_ context.Context, executionID, path string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut {
		return fmt.Errorf("put failed")
	}
	f.data[executionID+"/"+path] = content
	return nil
}

func (f *fakeOrigin) Get(_ context.Context, executionID, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.data[executionID+"/"+path]
	if !ok {
		return nil, ErrNotFound
	}
	return raw, nil
}

func (f *fakeOrigin) GetURL(_ context.Context, executionID, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urlCalls++
	return "https://s3.local/" + executionID + "/" + path + fmt.Sprintf("?sig=%d", f.urlCalls), nil
}

func (f *fakeOrigin) List(_ context.Context, executionID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	out := []string{}
	prefix := executionID + "/"
	for k := range f.data {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k[len(prefix):])
		}
	}
	return out, nil
}

func TestCachedStoreCachesURLsAndLists(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin()
	s := NewCachedStore(origin, CacheConfig{ListTTL: time.Minute, URLTTL: time.Minute})

	require.NoError(t, s.Put(ctx, "exec-1", "n1/a.png", []byte("a")))

	u1, err := s.GetURL(ctx, "exec-1", "n1/a.png")
	require.NoError(t, err)
	u2, err := s.GetURL(ctx, "exec-1", "n1/a.png")
	require.NoError(t, err)
	assert.Equal(t, u1, u2)
	assert.Equal(t, 1, origin.urlCalls)

	_, err = s.List(ctx, "exec-1")
	require.NoError(t, err)
	_, err = s.List(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 1, origin.listCalls)

	require.NoError(t, s.Put(ctx, "exec-1", "n1/b.png", []byte("b")))
	list, err := s.List(ctx, "exec-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, 2, origin.listCalls)

	m := s.Metrics()
	assert.Equal(t, uint64(1), m.URLHits)
	assert.Equal(t, uint64(1), m.ListHits)
}

func TestCachedStorePutFailureKeepsCache(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin()
	origin.failPut = true
	s := NewCachedStore(origin, DefaultCacheConfig())
	assert.Error(t, s.Put(ctx, "exec-1", "n1/a.png", []byte("a")))
}
