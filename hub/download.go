package hub

import (
	"context"
	"os"
	"path"

	"github.com/gomlx/go-fillmask/internal/downloader"
	"github.com/gomlx/go-fillmask/internal/files"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// getDownloadManager returns the downloader.Manager for this Repo, creating it on first use.
func (r *Repo) getDownloadManager() *downloader.Manager {
	r.dmOnce.Do(func() {
		r.downloadManager = downloader.New().MaxParallel(r.MaxParallelDownload).WithAuthToken(r.authToken)
	})
	return r.downloadManager
}

// lockedDownload url to the given filePath.
//
// If filePath exits and forceDownload is false, it is assumed to already have been correctly downloaded,
// and it will return immediately.
//
// It downloads the file to filePath+".downloading" and then atomically moves it to filePath.
// A filePath+".lock" file coordinates multiple processes (or goroutines) downloading the same file.
func (r *Repo) lockedDownload(ctx context.Context, url, filePath string, forceDownload bool, progressCallback downloader.ProgressCallback) error {
	if files.Exists(filePath) {
		if !forceDownload {
			return nil
		}
		if err := os.Remove(filePath); err != nil {
			return errors.Wrapf(err, "failed to remove %q while force-downloading %q", filePath, url)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(path.Dir(filePath), DefaultDirCreationPerm); err != nil {
		return errors.Wrapf(err, "failed to create directory for file %q", filePath)
	}

	lockPath := filePath + ".lock"
	err := files.WithLock(lockPath, func() error {
		if files.Exists(filePath) {
			// Some concurrent process (or goroutine) already downloaded the file.
			return nil
		}
		tmpPath := filePath + ".downloading"
		if err := r.getDownloadManager().Download(ctx, url, tmpPath, progressCallback); err != nil {
			if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
				klog.Errorf("Failed removing temporary file %q: %v", tmpPath, rmErr)
			}
			return errors.WithMessagef(err, "while downloading %q to %q", url, tmpPath)
		}
		if err := os.Rename(tmpPath, filePath); err != nil {
			return errors.Wrapf(err, "failed to move downloaded file %q to %q", tmpPath, filePath)
		}

		// File exists now, so the lock file is no longer needed.
		if err := os.Remove(lockPath); err != nil {
			klog.Warningf("error removing lock file %q: %+v", lockPath, err)
		}
		return nil
	})
	return errors.WithMessagef(err, "while locking %q to download %q", lockPath, url)
}
