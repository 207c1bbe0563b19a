package storage

import (
	"bytes"
	"context"
	"encoding/xml"
	"hash/crc64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallel-histogram/pkg/config"
)

// fakeCOS serves the subset of the COS object API the store uses.
type fakeCOS struct {
	mu      sync.Mutex
	objects map[string][]byte
}

type listResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Name        string   `xml:"Name"`
	Prefix      string   `xml:"Prefix"`
	IsTruncated bool     `xml:"IsTruncated"`
	Contents    []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
}

func newFakeCOS(t *testing.T) (*fakeCOS, *COSStorage) {
	t.Helper()
	f := &fakeCOS{objects: map[string][]byte{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return f, newCOSStorage(u, "test-id", "test-key")
}

func (f *fakeCOS) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	return b, ok
}

func (f *fakeCOS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(r.URL.Path, "/")
	if key == "" && r.Method == http.MethodGet {
		prefix := r.URL.Query().Get("prefix")
		res := listResult{Name: "bucket", Prefix: prefix}
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			res.Contents = append(res.Contents, struct {
				Key string `xml:"Key"`
			}{Key: k})
		}
		w.Header().Set("Content-Type", "application/xml")
		_ = xml.NewEncoder(w).Encode(res)
		return
	}

	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		sum := crc64.Checksum(body, crc64.MakeTable(crc64.ECMA))
		w.Header().Set("x-cos-hash-crc64ecma", strconv.FormatUint(sum, 10))
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				_, _ = io.WriteString(w, "<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>")
			}
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestCOSStorage_Objects(t *testing.T) {
	fake, storage := newFakeCOS(t)
	ctx := context.Background()

	require.NoError(t, storage.Upload(ctx, "runs/r1/hist1.txt", bytes.NewReader([]byte("6\n0\n2\n"))))
	stored, ok := fake.object("runs/r1/hist1.txt")
	require.True(t, ok)
	assert.Equal(t, "6\n0\n2\n", string(stored))

	rc, err := storage.Download(ctx, "runs/r1/hist1.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "6\n0\n2\n", string(data))

	ok, err = storage.Exists(ctx, "runs/r1/hist1.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = storage.Exists(ctx, "runs/r1/hist9.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = storage.Download(ctx, "runs/r1/hist9.txt")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	require.NoError(t, storage.Delete(ctx, "runs/r1/hist1.txt"))
	_, ok = fake.object("runs/r1/hist1.txt")
	assert.False(t, ok)
}

func TestCOSStorage_List(t *testing.T) {
	_, storage := newFakeCOS(t)
	ctx := context.Background()

	for _, k := range []string{"runs/r1/hist2.txt", "runs/r1/hist1.txt", "runs/r2/hist1.txt"} {
		require.NoError(t, storage.Upload(ctx, k, bytes.NewReader([]byte("1\n"))))
	}

	keys, err := storage.List(ctx, "runs/r1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"runs/r1/hist1.txt", "runs/r1/hist2.txt"}, keys)

	removed, err := DeletePrefix(ctx, storage, "runs/")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
}

func TestNewCOSStorage_Validation(t *testing.T) {
	_, err := NewCOSStorage(&COSConfig{Region: "ap-guangzhou", SecretID: "id", SecretKey: "key"})
	assert.ErrorContains(t, err, "bucket and region are required")

	_, err = NewCOSStorage(&COSConfig{Bucket: "b", Region: "ap-guangzhou"})
	assert.ErrorContains(t, err, "credentials are required")

	s, err := NewCOSStorage(&COSConfig{Bucket: "my-bucket", Region: "ap-guangzhou", SecretID: "id", SecretKey: "key"})
	require.NoError(t, err)
	assert.Equal(t, "https://my-bucket.cos.ap-guangzhou.myqcloud.com/runs/out.txt", s.GetURL("runs/out.txt"))
}

func TestNewStorage(t *testing.T) {
	s, err := NewStorage(&config.StorageConfig{Type: "local", LocalPath: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalStorage{}, s)

	s, err = NewStorage(&config.StorageConfig{
		Type: "cos", Bucket: "b", Region: "ap-guangzhou", SecretID: "id", SecretKey: "key",
	})
	require.NoError(t, err)
	assert.IsType(t, &COSStorage{}, s)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.StorageConfig
		want string
	}{
		{"NilConfig", nil, "storage config is nil"},
		{"InvalidStorageType", &config.StorageConfig{Type: "s3"}, "unsupported storage type"},
		{"COSMissingBucket", &config.StorageConfig{Type: "cos", Region: "r", SecretID: "i", SecretKey: "k"}, "COS bucket is required"},
		{"COSMissingRegion", &config.StorageConfig{Type: "cos", Bucket: "b", SecretID: "i", SecretKey: "k"}, "COS region is required"},
		{"COSMissingCredentials", &config.StorageConfig{Type: "cos", Bucket: "b", Region: "r"}, "COS credentials are required"},
		{"LocalMissingPath", &config.StorageConfig{Type: "local"}, "local storage path is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, ValidateConfig(&config.StorageConfig{Type: "local", LocalPath: "/tmp/storage"}))
}
