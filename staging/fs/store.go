// Package fs implements a staging.Store over a filesystem, for URLs of the
// form "file:///path/to/staging/". It's intended for local development and
// for durable stores which bulk-load from local files, such as SQLite.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.spoilers.dev/core/staging"
)

// StoreQueryArgs contains fields that are parsed from the query arguments
// of a file:// staging store URL.
type StoreQueryArgs struct {
	// Perm is the octal permission of created directories. Defaults to 0750.
	Perm string
}

type store struct {
	fs      afero.Fs
	root    string
	dirPerm os.FileMode
}

// New creates a new filesystem Store rooted at the URL path of the OS filesystem.
func New(ep *url.URL) (staging.Store, error) {
	return NewWithFs(afero.NewOsFs())(ep)
}

// NewWithFs returns a Constructor of Stores over the given afero.Fs.
func NewWithFs(base afero.Fs) staging.Constructor {
	return func(ep *url.URL) (staging.Store, error) {
		var args StoreQueryArgs
		if err := staging.ParseStoreArgs(ep, &args); err != nil {
			return nil, err
		}
		var perm = os.FileMode(0750)
		if args.Perm != "" {
			var p, err = strconv.ParseUint(args.Perm, 8, 32)
			if err != nil {
				return nil, fmt.Errorf("parsing Perm: %w", err)
			}
			perm = os.FileMode(p)
		}
		return &store{
			fs:      afero.NewBasePathFs(base, ep.Path),
			root:    ep.Path,
			dirPerm: perm,
		}, nil
	}
}

func (s *store) Provider() string { return "fs" }

// URL returns the file:// address of the path.
func (s *store) URL(path string) string { return "file://" + s.root + path }

func (s *store) Exists(_ context.Context, path string) (bool, error) {
	if _, err := s.fs.Stat(filepath.FromSlash(path)); errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

func (s *store) Get(_ context.Context, path string) (io.ReadCloser, error) {
	return s.fs.Open(filepath.FromSlash(path))
}

func (s *store) Put(_ context.Context, path string, content io.ReaderAt, contentLength int64, _ string) error {
	var fsPath = filepath.FromSlash(path)
	if err := s.fs.MkdirAll(filepath.Dir(fsPath), s.dirPerm); err != nil {
		return err
	}

	// Write to a temporary file which is renamed into place on completion,
	// so that a partial object is never observed at |path|.
	var f, err = afero.TempFile(s.fs, filepath.Dir(fsPath), ".partial-"+filepath.Base(fsPath))
	if err != nil {
		return err
	}
	defer func(name string) {
		if rmErr := s.fs.Remove(name); rmErr != nil && !os.IsNotExist(rmErr) {
			log.WithFields(log.Fields{"err": rmErr, "path": path}).
				Warn("failed to cleanup temp file")
		}
	}(f.Name())

	// io.Copy only needs io.Reader, so we use io.NewSectionReader to adapt io.ReaderAt
	_, err = io.Copy(f, io.NewSectionReader(content, 0, contentLength))

	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = s.fs.Rename(f.Name(), fsPath)
	}
	return err
}

func (s *store) List(_ context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	var dir = filepath.FromSlash(prefix)
	if dir == "" {
		dir = string(filepath.Separator)
	}
	if _, err := s.fs.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return afero.Walk(s.fs, dir, func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		} else if info.IsDir() || strings.HasPrefix(info.Name(), ".partial-") {
			return nil
		}
		rel, err := filepath.Rel(dir, name)
		if err != nil {
			return err
		}
		return callback(filepath.ToSlash(rel), info.ModTime())
	})
}

func (s *store) Remove(_ context.Context, path string) error {
	return s.fs.Remove(filepath.FromSlash(path))
}

func (s *store) IsAuthError(err error) bool {
	return err != nil && errors.Is(err, os.ErrPermission)
}
