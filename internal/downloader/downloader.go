// Package downloader implements a download manager that limits the number of parallel downloads,
// optionally authenticates with a bearer token, and reports progress.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ProgressCallback is called as a download progresses.
// downloadedBytes is the total downloaded so far; totalBytes is -1 if unknown.
// It is called with eof=true once at the end of a successful download.
type ProgressCallback func(downloadedBytes, totalBytes int64, eof bool)

// Manager handles downloads, limiting the number of parallel ones.
// A Manager is safe for concurrent use.
type Manager struct {
	client      *http.Client
	maxParallel int
	authToken   string
	userAgent   string

	mu        sync.Mutex
	semaphore chan struct{}
}

// New creates a Manager with default settings: at most 20 parallel downloads and http.DefaultClient.
func New() *Manager {
	return &Manager{
		client:      http.DefaultClient,
		maxParallel: 20,
		userAgent:   "go-fillmask/1.0",
	}
}

// MaxParallel sets the maximum number of parallel downloads. Values <= 0 are ignored.
// It returns itself, to allow cascading configuration calls.
func (m *Manager) MaxParallel(n int) *Manager {
	if n > 0 {
		m.maxParallel = n
	}
	return m
}

// WithAuthToken sets the bearer token sent with each request. An empty token disables authentication.
func (m *Manager) WithAuthToken(token string) *Manager {
	m.authToken = token
	return m
}

// WithClient sets the http.Client used for the downloads.
func (m *Manager) WithClient(client *http.Client) *Manager {
	m.client = client
	return m
}

func (m *Manager) acquire(ctx context.Context) error {
	m.mu.Lock()
	if m.semaphore == nil {
		m.semaphore = make(chan struct{}, m.maxParallel)
	}
	sem := m.semaphore
	m.mu.Unlock()
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() {
	<-m.semaphore
}

// newRequest builds a GET request with the configured headers.
func (m *Manager) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create request for %q", url)
	}
	if m.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.authToken)
	}
	req.Header.Set("User-Agent", m.userAgent)
	return req, nil
}

// Download url into filePath, which is created or truncated.
// progressCallback may be nil.
func (m *Manager) Download(ctx context.Context, url, filePath string, progressCallback ProgressCallback) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	req, err := m.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to download %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("failed to download %q: %s", url, resp.Status)
	}

	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	w := &progressWriter{w: f, total: resp.ContentLength, callback: progressCallback}
	_, copyErr := io.Copy(w, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		return errors.Wrapf(copyErr, "while downloading %q", url)
	}
	if closeErr != nil {
		return errors.Wrapf(closeErr, "failed to close %q", filePath)
	}
	if progressCallback != nil {
		progressCallback(w.downloaded, w.total, true)
	}
	klog.V(2).Infof("downloaded %q (%d bytes)", url, w.downloaded)
	return nil
}

// Fetch issues a GET to url and returns the response body, which is expected to be small
// (API responses).
func (m *Manager) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := m.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read response from %q", url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("request to %q failed: %s", url, statusMessage(resp.Status, body))
	}
	return body, nil
}

func statusMessage(status string, body []byte) string {
	const maxLen = 200
	if len(body) == 0 {
		return status
	}
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	return fmt.Sprintf("%s: %s", status, body)
}

type progressWriter struct {
	w          io.Writer
	downloaded int64
	total      int64
	callback   ProgressCallback
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.downloaded += int64(n)
	if pw.callback != nil {
		pw.callback(pw.downloaded, pw.total, false)
	}
	return n, err
}
