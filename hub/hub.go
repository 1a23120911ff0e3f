// Package hub gives access to model repositories hosted on the HuggingFace Hub, with a local
// cache shared across processes, and to local directories holding models in the same layout.
//
// Example:
//
//	repo := hub.New("distilbert-base-uncased").WithAuth(os.Getenv("HF_TOKEN"))
//	configPath, err := repo.DownloadFile("config.json")
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gomlx/go-fillmask/internal/downloader"
	"github.com/gomlx/go-fillmask/internal/files"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DefaultEndpoint of the HuggingFace Hub. It can be overwritten with HF_ENDPOINT.
	DefaultEndpoint = "https://huggingface.co"

	// DefaultDirCreationPerm is used when creating new cache subdirectories.
	DefaultDirCreationPerm = os.FileMode(0755)

	// DefaultMaxParallelDownload is the default number of files downloaded in parallel by DownloadFiles.
	DefaultMaxParallelDownload = 10
)

// DefaultCacheDir returns the cache directory following the HuggingFace conventions:
// HF_HUB_CACHE, then HF_HOME/hub, then ~/.cache/huggingface/hub.
func DefaultCacheDir() string {
	if dir := os.Getenv("HF_HUB_CACHE"); dir != "" {
		return files.ReplaceTildeInDir(dir)
	}
	if dir := os.Getenv("HF_HOME"); dir != "" {
		return filepath.Join(files.ReplaceTildeInDir(dir), "hub")
	}
	return files.ReplaceTildeInDir("~/.cache/huggingface/hub")
}

// Repo is a model repository on the HuggingFace Hub.
//
// Create it with New, and configure it with the With* methods before the first use.
type Repo struct {
	// ID of the repository, e.g.: "bert-base-uncased" or "prajjwal1/bert-tiny".
	ID string

	// MaxParallelDownload is the number of files downloaded in parallel by DownloadFiles.
	MaxParallelDownload int

	revision  string
	authToken string
	cacheDir  string
	endpoint  string

	mu              sync.Mutex
	dmOnce          sync.Once
	downloadManager *downloader.Manager
	info            *RepoInfo
}

// RepoInfo is the subset of the Hub API model information used to list and cache files.
type RepoInfo struct {
	ID       string    `json:"id"`
	SHA      string    `json:"sha"`
	Siblings []Sibling `json:"siblings"`
}

// Sibling is a file in the repository.
type Sibling struct {
	Name string `json:"rfilename"`
}

// New creates a Repo for the given model id, using the "main" revision, the default cache
// directory and, if set, the HF_TOKEN environment variable for authentication.
func New(id string) *Repo {
	endpoint := DefaultEndpoint
	if envEndpoint := os.Getenv("HF_ENDPOINT"); envEndpoint != "" {
		endpoint = envEndpoint
	}
	return &Repo{
		ID:                  id,
		MaxParallelDownload: DefaultMaxParallelDownload,
		revision:            "main",
		authToken:           os.Getenv("HF_TOKEN"),
		cacheDir:            DefaultCacheDir(),
		endpoint:            strings.TrimSuffix(endpoint, "/"),
	}
}

// WithAuth sets the token used to access private or gated repositories.
// An empty token keeps the one read from the environment.
func (r *Repo) WithAuth(authToken string) *Repo {
	if authToken != "" {
		r.authToken = authToken
	}
	return r
}

// WithRevision selects a branch, tag or commit. Default is "main".
func (r *Repo) WithRevision(revision string) *Repo {
	if revision != "" {
		r.revision = revision
	}
	return r
}

// WithCacheDir sets the directory where downloaded files are stored.
func (r *Repo) WithCacheDir(cacheDir string) *Repo {
	if cacheDir != "" {
		r.cacheDir = files.ReplaceTildeInDir(cacheDir)
	}
	return r
}

// WithEndpoint changes the Hub endpoint, e.g. for a mirror.
func (r *Repo) WithEndpoint(endpoint string) *Repo {
	if endpoint != "" {
		r.endpoint = strings.TrimSuffix(endpoint, "/")
	}
	return r
}

// String implements fmt.Stringer.
func (r *Repo) String() string {
	return fmt.Sprintf("hub.Repo(%s@%s)", r.ID, r.revision)
}

// repoCacheDir is where all files of this repo are stored.
func (r *Repo) repoCacheDir() string {
	return path.Join(r.cacheDir, "models--"+strings.ReplaceAll(r.ID, "/", "--"))
}

func (r *Repo) infoCachePath() string {
	return path.Join(r.repoCacheDir(), "info", strings.ReplaceAll(r.revision, "/", "--")+".json")
}

// Info returns the repository information, fetching it from the Hub on the first call.
//
// If the Hub can't be reached, it falls back to the last successfully fetched information
// stored in the cache, so previously downloaded models keep working offline.
func (r *Repo) Info() (*RepoInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info != nil {
		return r.info, nil
	}

	url := fmt.Sprintf("%s/api/models/%s/revision/%s", r.endpoint, r.ID, r.revision)
	body, fetchErr := r.getDownloadManager().Fetch(context.Background(), url)
	if fetchErr != nil {
		cached, err := os.ReadFile(r.infoCachePath())
		if err != nil {
			return nil, errors.WithMessagef(fetchErr, "failed to get info for %s", r)
		}
		klog.Warningf("Using cached info for %s, Hub unreachable: %v", r, fetchErr)
		body = cached
	} else {
		if err := os.MkdirAll(path.Dir(r.infoCachePath()), DefaultDirCreationPerm); err == nil {
			if err := os.WriteFile(r.infoCachePath(), body, 0644); err != nil {
				klog.Warningf("Failed to cache info for %s: %v", r, err)
			}
		}
	}

	var info RepoInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, errors.Wrapf(err, "failed to parse info for %s", r)
	}
	if info.SHA == "" {
		info.SHA = r.revision
	}
	r.info = &info
	return r.info, nil
}

// IterFileNames iterates over the file names in the repository.
func (r *Repo) IterFileNames() func(yield func(string, error) bool) {
	return func(yield func(string, error) bool) {
		info, err := r.Info()
		if err != nil {
			yield("", err)
			return
		}
		for _, sibling := range info.Siblings {
			if !yield(sibling.Name, nil) {
				return
			}
		}
	}
}

// HasFile returns whether the repository has the given file.
// Errors fetching the repository info are logged and reported as false.
func (r *Repo) HasFile(fileName string) bool {
	for name, err := range r.IterFileNames() {
		if err != nil {
			klog.Warningf("HasFile(%q): %v", fileName, err)
			return false
		}
		if name == fileName {
			return true
		}
	}
	return false
}

// fileURL returns the URL to download fileName.
func (r *Repo) fileURL(fileName string) string {
	return fmt.Sprintf("%s/%s/resolve/%s/%s", r.endpoint, r.ID, r.revision, fileName)
}

// DownloadFile downloads (if not yet in cache) fileName and returns its local path.
func (r *Repo) DownloadFile(fileName string) (string, error) {
	paths, err := r.DownloadFiles(fileName)
	if err != nil {
		return "", err
	}
	return paths[0], nil
}

// DownloadFiles downloads (if not yet in cache) the given files in parallel, and returns their
// local paths in the same order.
func (r *Repo) DownloadFiles(fileNames ...string) ([]string, error) {
	info, err := r.Info()
	if err != nil {
		return nil, err
	}
	snapshotDir := path.Join(r.repoCacheDir(), "snapshots", info.SHA)
	ctx := context.Background()

	localPaths := make([]string, len(fileNames))
	errs := make([]error, len(fileNames))
	var wg sync.WaitGroup
	for ii, fileName := range fileNames {
		if strings.Contains(fileName, "..") {
			return nil, errors.Errorf("invalid file name %q", fileName)
		}
		localPaths[ii] = path.Join(snapshotDir, fileName)
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lastReported int64
			progress := func(downloaded, total int64, eof bool) {
				if klog.V(1).Enabled() && (eof || downloaded-lastReported > 64<<20) {
					lastReported = downloaded
					klog.Infof("%s: %s %d/%d bytes", r, fileName, downloaded, total)
				}
			}
			errs[ii] = r.lockedDownload(ctx, r.fileURL(fileName), localPaths[ii], false, progress)
		}()
	}
	wg.Wait()
	for ii, err := range errs {
		if err != nil {
			return nil, errors.WithMessagef(err, "while downloading %q from %s", fileNames[ii], r)
		}
	}
	return localPaths, nil
}
