// Package gcs implements a staging.Store over Google Cloud Storage, for URLs
// of the form "gs://bucket/prefix/".
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	log "github.com/sirupsen/logrus"
	"go.spoilers.dev/core/staging"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// StoreQueryArgs contains fields that are parsed from the query arguments
// of a gs:// staging store URL.
type StoreQueryArgs struct {
	// Endpoint of the GCS service. If empty, the default service is used.
	Endpoint string
}

type store struct {
	bucket string
	prefix string
	client *storage.Client
}

// New creates a new GCS Store from the provided URL.
func New(ep *url.URL) (staging.Store, error) {
	var args StoreQueryArgs
	if err := staging.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}
	var bucket, prefix = ep.Host, strings.TrimPrefix(ep.Path, "/")
	var ctx = context.Background()

	var opts []option.ClientOption
	if args.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(args.Endpoint), option.WithoutAuthentication())
	} else {
		var creds, err = google.FindDefaultCredentials(ctx, storage.ScopeReadWrite)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithTokenSource(creds.TokenSource))

		log.WithFields(log.Fields{
			"bucket":    bucket,
			"ProjectID": creds.ProjectID,
		}).Info("constructed new GCS client")
	}

	var client, err = storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &store{bucket: bucket, prefix: prefix, client: client}, nil
}

func (s *store) Provider() string { return "gcs" }

// URL returns the gs:// address of the path.
func (s *store) URL(path string) string {
	return "gs://" + s.bucket + "/" + s.prefix + path
}

func (s *store) Exists(ctx context.Context, path string) (exists bool, err error) {
	_, err = s.object(path).Attrs(ctx)
	if err == nil {
		exists = true
	} else if errors.Is(err, storage.ErrObjectNotExist) {
		err = nil
	}
	return exists, err
}

func (s *store) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	// Read stored bytes as-is, rather than transcoding gzip content.
	var r, err = s.object(path).ReadCompressed(true).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("staged object %s: %w", s.URL(path), os.ErrNotExist)
	} else if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *store) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wc = s.object(path).NewWriter(ctx)

	wc.ContentType = "text/csv"
	if contentEncoding != "" {
		wc.ContentEncoding = contentEncoding
	}
	// io.Copy only needs io.Reader, so we use io.NewSectionReader to adapt io.ReaderAt
	if _, err := io.Copy(wc, io.NewSectionReader(content, 0, contentLength)); err != nil {
		return err
	}
	return wc.Close()
}

func (s *store) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	prefix = s.prefix + prefix
	var (
		it  = s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
		obj *storage.ObjectAttrs
		err error
	)
	for obj, err = it.Next(); err == nil; obj, err = it.Next() {
		if strings.HasSuffix(obj.Name, "/") {
			continue // Ignore directory-like objects
		}
		if err := callback(strings.TrimPrefix(obj.Name, prefix), obj.Updated); err != nil {
			return err
		}
	}
	if err == iterator.Done {
		err = nil
	}
	return err
}

func (s *store) Remove(ctx context.Context, path string) error {
	return s.object(path).Delete(ctx)
}

func (s *store) IsAuthError(err error) bool {
	if err == nil {
		return false
	} else if errors.Is(err, storage.ErrBucketNotExist) {
		return true
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch gErr.Code {
		case http.StatusForbidden:
			return true
		case http.StatusNotFound:
			// Only bucket-level 404s are authorization failures.
			return strings.Contains(gErr.Message, "bucket")
		}
	}
	return false
}

func (s *store) object(path string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + path)
}
