package hub

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// LocalDir is a directory on the local filesystem with the same layout as a Hub repository
// (config.json, tokenizer.json, model.safetensors, ...). It implements the same file access
// methods as Repo, so models saved locally and models in the Hub are loaded the same way.
type LocalDir string

// String implements fmt.Stringer.
func (d LocalDir) String() string {
	return string(d)
}

// IterFileNames iterates over the regular files in the directory tree, with paths relative to it.
func (d LocalDir) IterFileNames() func(yield func(string, error) bool) {
	return func(yield func(string, error) bool) {
		root := string(d)
		err := filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			hidden := strings.HasPrefix(entry.Name(), ".") && p != root
			if entry.IsDir() {
				if hidden {
					return filepath.SkipDir
				}
				return nil
			}
			if hidden {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			if !yield(filepath.ToSlash(rel), nil) {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			yield("", errors.Wrapf(err, "failed to list %q", root))
		}
	}
}

// HasFile returns whether fileName exists in the directory.
func (d LocalDir) HasFile(fileName string) bool {
	info, err := os.Stat(filepath.Join(string(d), filepath.FromSlash(fileName)))
	return err == nil && !info.IsDir()
}

// DownloadFile returns the path to fileName. Nothing is downloaded, but the name is kept so
// LocalDir and Repo are interchangeable.
func (d LocalDir) DownloadFile(fileName string) (string, error) {
	if !d.HasFile(fileName) {
		return "", errors.Errorf("file %q not found in %q", fileName, string(d))
	}
	return filepath.Join(string(d), filepath.FromSlash(fileName)), nil
}

// Source is the file access shared by Repo and LocalDir.
type Source interface {
	IterFileNames() func(yield func(string, error) bool)
	HasFile(fileName string) bool
	DownloadFile(fileName string) (string, error)
}

// FileExists returns whether the source lists fileName. Unlike Source.HasFile, errors listing the
// files (for instance, fetching the repository info) are returned.
func FileExists(src Source, fileName string) (bool, error) {
	for name, err := range src.IterFileNames() {
		if err != nil {
			return false, errors.WithMessagef(err, "failed to look for %q in %v", fileName, src)
		}
		if name == fileName {
			return true, nil
		}
	}
	return false, nil
}

// Compile time assert that both Repo and LocalDir implement Source.
var (
	_ Source = (*Repo)(nil)
	_ Source = LocalDir("")
)
