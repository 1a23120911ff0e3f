package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownload(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("hello world"))
	}))
	defer server.Close()

	m := New().MaxParallel(2).WithAuthToken("secret")
	target := filepath.Join(t.TempDir(), "out.txt")

	var lastDownloaded int64
	var sawEOF bool
	err := m.Download(context.Background(), server.URL+"/file", target, func(downloaded, total int64, eof bool) {
		lastDownloaded = downloaded
		sawEOF = sawEOF || eof
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.True(t, sawEOF)
	assert.Equal(t, int64(len("hello world")), lastDownloaded)

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))

	err = m.Download(context.Background(), server.URL+"/missing", target, nil)
	require.Error(t, err)
}

func TestFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"no"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	m := New()
	body, err := m.Fetch(context.Background(), server.URL+"/ok")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	_, err = m.Fetch(context.Background(), server.URL+"/fail")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestDownloadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := New().MaxParallel(1)
	m.semaphore = make(chan struct{}, 1)
	m.semaphore <- struct{}{} // Occupy the only slot.
	err := m.Download(ctx, "http://127.0.0.1:1/none", filepath.Join(t.TempDir(), "x"), nil)
	require.ErrorIs(t, err, context.Canceled)
}
