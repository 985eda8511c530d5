package images

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/asierdev/annovault/internal/auth/capability"
)

func newTestHandler(t *testing.T) (*Handler, *capability.Service, string) {
	t.Helper()

	root := t.TempDir()
	caps := capability.NewService([]byte("image-secret"))
	h := NewHandler(caps, NewDirStore(root), zap.NewNop())
	return h, caps, root
}

func writeImage(t *testing.T, root, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(root, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, name), data, 0o644))
}

func get(h *Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/images/"+token, nil)
	rec := httptest.NewRecorder()
	h.Serve(rec, req)
	return rec
}

func TestServeImage(t *testing.T) {
	h, caps, root := newTestHandler(t)
	writeImage(t, root, "projects/7/scan.png", []byte("png-bytes"))

	token, err := caps.Issue("projects/7/scan.png")
	require.NoError(t, err)

	rec := get(h, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png-bytes", rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store, must-revalidate, private", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "9", rec.Header().Get("Content-Length"))
}

func TestServeRejectsBadTokens(t *testing.T) {
	h, caps, root := newTestHandler(t)
	writeImage(t, root, "scan.png", []byte("png-bytes"))

	valid, err := caps.Issue("scan.png")
	require.NoError(t, err)

	foreign := capability.NewService([]byte("other-secret"))
	forged, err := foreign.Issue("scan.png")
	require.NoError(t, err)

	expiredCaps := capability.NewServiceWithClock([]byte("image-secret"),
		func() time.Time { return time.Now().Add(-2 * capability.TTL) })
	expired, err := expiredCaps.Issue("scan.png")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"wrong secret", forged, http.StatusForbidden},
		{"expired", expired, http.StatusForbidden},
		{"not base64", "!!!", http.StatusForbidden},
		{"empty", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(h, tt.token)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	// sanity: the honest token still works
	rec := get(h, valid)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServeMissingObject(t *testing.T) {
	h, caps, _ := newTestHandler(t)

	token, err := caps.Issue("does/not/exist.png")
	require.NoError(t, err)

	rec := get(h, token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGrantIssuesWorkingToken(t *testing.T) {
	h, _, root := newTestHandler(t)
	writeImage(t, root, "a.jpg", []byte("jpeg"))

	body, _ := json.Marshal(GrantRequest{Key: "a.jpg"})
	req := httptest.NewRequest(http.MethodPost, "/images/grant", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Grant(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var res GrantResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.True(t, res.ExpiresAt.After(time.Now()))
	assert.Equal(t, "/images/"+res.Token, res.URL)

	fetched := get(h, res.Token)
	assert.Equal(t, http.StatusOK, fetched.Code)
	assert.Equal(t, "jpeg", fetched.Body.String())
}

func TestGrantRejectsEmptyKey(t *testing.T) {
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/images/grant", bytes.NewBufferString(`{"key":""}`))
	rec := httptest.NewRecorder()
	h.Grant(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDirStoreRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	store := NewDirStore(filepath.Join(root, "objects"))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "objects"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.txt"), []byte("s"), 0o644))

	for _, key := range []string{"../secret.txt", "..", "/etc/passwd", "."} {
		_, err := store.Get(context.Background(), key)
		assert.ErrorIs(t, err, ErrObjectNotFound, key)
	}
}
