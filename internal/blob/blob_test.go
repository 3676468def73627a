package blob

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/localizer/presence/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvatarKey(t *testing.T) {
	assert.Equal(t, "profile_images/u1.jpg", AvatarKey("u1"))
}

func TestCleanKey(t *testing.T) {
	tests := []struct {
		key string
		ok  bool
	}{
		{"profile_images/u1.jpg", true},
		{"a.bin", true},
		{"", false},
		{"/etc/passwd", false},
		{"../secret", false},
		{"a/../../b", false},
		{"a//b", false},
		{`a\b`, false},
	}
	for _, tt := range tests {
		_, err := CleanKey(tt.key)
		if tt.ok {
			assert.NoError(t, err, tt.key)
		} else {
			assert.ErrorIs(t, err, ErrInvalidKey, tt.key)
		}
	}
}

func TestFSStore_PutGet(t *testing.T) {
	root := t.TempDir()
	s, err := NewFSStore(root)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Get(ctx, AvatarKey("u1"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, AvatarKey("u1"), []byte("jpeg")))
	data, err := s.Get(ctx, AvatarKey("u1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)

	_, err = os.Stat(filepath.Join(root, "profile_images", "u1.jpg"))
	assert.NoError(t, err)

	require.NoError(t, s.Put(ctx, AvatarKey("u1"), []byte("jpeg2")))
	data, err = s.Get(ctx, AvatarKey("u1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg2"), data)
}

func TestFSStore_RejectsEscapingKey(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	err = s.Put(context.Background(), "../x", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func newServedStore(t *testing.T, apiKey string) (*FSStore, *HTTPStore) {
	t.Helper()
	fs, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	mux := http.NewServeMux()
	mux.Handle("/blobs/", http.StripPrefix("/blobs", NewHandler(fs, apiKey, nil)))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fs, NewHTTPStore(srv.URL+"/blobs/", apiKey)
}

func TestNewHTTPStore_TrimsTrailingSlash(t *testing.T) {
	c := NewHTTPStore("http://example.com/blobs/", "secret")
	assert.Equal(t, "http://example.com/blobs", c.baseURL)
}

func TestHTTPStore_PutRejectsOversized(t *testing.T) {
	err := NewHTTPStore("http://127.0.0.1:1", "").Put(context.Background(), "a.bin", make([]byte, maxBlobSize+1))
	assert.ErrorContains(t, err, "exceeds")
}

func TestHTTPStore_RoundTrip(t *testing.T) {
	fs, c := newServedStore(t, "secret")
	ctx := context.Background()

	require.NoError(t, c.Healthcheck(ctx))

	_, err := c.Get(ctx, AvatarKey("u1"))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Put(ctx, AvatarKey("u1"), []byte{0xff, 0xd8, 0xff}))

	data, err := c.Get(ctx, AvatarKey("u1"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, data)

	local, err := fs.Get(ctx, AvatarKey("u1"))
	require.NoError(t, err)
	assert.Equal(t, data, local)
}

func TestHTTPStore_WrongSecret(t *testing.T) {
	_, good := newServedStore(t, "secret")
	bad := NewHTTPStore(good.baseURL, "nope")

	err := bad.Put(context.Background(), AvatarKey("u1"), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestHandler_UnknownMethodAndUnauthenticatedPut(t *testing.T) {
	fs, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	srv := httptest.NewServer(NewHandler(fs, "k", nil))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/a.bin", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err = http.NewRequest(http.MethodDelete, srv.URL+"/a.bin", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHTTPStore_HealthcheckFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewHTTPStore(srv.URL, "").Healthcheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPStore_Unreachable(t *testing.T) {
	c := NewHTTPStore("http://127.0.0.1:1", "")
	_, err := c.Get(context.Background(), AvatarKey("u1"))
	require.Error(t, err)
}

func TestNew(t *testing.T) {
	s, err := New(config.BlobConfig{Type: "fs", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FSStore{}, s)

	s, err = New(config.BlobConfig{Type: "http", URL: "http://x"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPStore{}, s)

	_, err = New(config.BlobConfig{Type: "s3"})
	assert.EqualError(t, err, "unknown blob type: s3")
}
