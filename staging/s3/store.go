// Package s3 implements a staging.Store over AWS S3, or an S3-compatible
// service, for URLs of the form "s3://bucket/prefix/?region=us-east-1".
// Objects staged here may be bulk-loaded by a Redshift COPY.
package s3

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

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	log "github.com/sirupsen/logrus"
	"go.spoilers.dev/core/staging"
)

// StoreQueryArgs are parsed from the query arguments of an s3:// URL.
type StoreQueryArgs struct {
	// Profile of the shared credentials file. If empty, default credentials are used.
	Profile string
	// Endpoint of an S3-compatible service. If empty, AWS S3 is used.
	Endpoint string
	// Region of the bucket. If empty, the region of Profile is used.
	// A COPY from a bucket outside the cluster's region must name it.
	Region string
	// SSE is the server-side encryption of staged objects (eg "AES256" or "aws:kms").
	SSE string
	// SSEKMSKeyId is the KMS key of "aws:kms" encryption.
	SSEKMSKeyId string
}

type store struct {
	bucket string
	prefix string
	args   StoreQueryArgs
	client *s3.S3
}

// New builds an S3 Store of the URL.
func New(ep *url.URL) (staging.Store, error) {
	var args StoreQueryArgs
	if err := staging.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}
	// staging.ParseURL has verified that the path ends in '/'.
	var bucket, prefix = ep.Host, strings.TrimPrefix(ep.Path, "/")

	var sess, err = newSession(args)
	if err != nil {
		return nil, err
	}
	creds, err := sess.Config.Credentials.Get()
	if err != nil {
		return nil, fmt.Errorf("fetching AWS credentials of profile %q: %w", args.Profile, err)
	}

	// Key IDs are logged. Secrets never are.
	log.WithFields(log.Fields{
		"bucket":   bucket,
		"prefix":   prefix,
		"endpoint": args.Endpoint,
		"profile":  args.Profile,
		"region":   aws.StringValue(sess.Config.Region),
		"keyID":    creds.AccessKeyID,
		"provider": creds.ProviderName,
	}).Info("opened S3 staging store")

	return &store{bucket: bucket, prefix: prefix, args: args, client: s3.New(sess)}, nil
}

func newSession(args StoreQueryArgs) (*session.Session, error) {
	var cfg = aws.NewConfig().WithCredentialsChainVerboseErrors(true)

	if args.Region != "" {
		cfg = cfg.WithRegion(args.Region)
	}
	if args.Endpoint != "" {
		// Bucket-named virtual hosts don't work with explicit endpoints.
		cfg = cfg.WithEndpoint(args.Endpoint).WithS3ForcePathStyle(true)
	} else {
		// Staged objects are read back as stored, rather than transparently
		// decompressed by the default http.Transport.
		cfg = cfg.WithHTTPClient(&http.Client{
			Transport: &http.Transport{DisableCompression: true},
		})
	}

	var sess, err = session.NewSessionWithOptions(session.Options{
		Config:            *cfg,
		Profile:           args.Profile,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("building S3 session: %w", err)
	} else if aws.StringValue(sess.Config.Region) == "" {
		// The SDK fails every request without a region, even with an Endpoint.
		return nil, fmt.Errorf("missing AWS region of profile %q", args.Profile)
	}
	return sess, nil
}

func (s *store) Provider() string { return "s3" }

// URL returns the s3:// address of the path, as referenced by a COPY.
func (s *store) URL(path string) string { return "s3://" + s.bucket + "/" + s.key(path) }

func (s *store) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	var in = s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(path)),
		Body:        io.NewSectionReader(content, 0, contentLength),
		ContentType: aws.String("text/csv"),
	}
	if contentEncoding != "" {
		in.ContentEncoding = aws.String(contentEncoding)
	}
	if s.args.SSE != "" {
		in.ServerSideEncryption = aws.String(s.args.SSE)
	}
	if s.args.SSEKMSKeyId != "" {
		in.SSEKMSKeyId = aws.String(s.args.SSEKMSKeyId)
	}
	var _, err = s.client.PutObjectWithContext(ctx, &in)
	return err
}

func (s *store) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	var resp, err = s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("staged object %s: %w", s.URL(path), os.ErrNotExist)
	} else if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s *store) Exists(ctx context.Context, path string) (bool, error) {
	var _, err = s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if isNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *store) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	prefix = s.key(prefix)

	var cbErr error
	var err = s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			var key = aws.StringValue(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue // Directory placeholder.
			}
			if cbErr = callback(strings.TrimPrefix(key, prefix), aws.TimeValue(obj.LastModified)); cbErr != nil {
				return false
			}
		}
		return true
	})
	if cbErr != nil {
		return cbErr
	}
	return err
}

func (s *store) Remove(ctx context.Context, path string) error {
	var _, err = s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	return err
}

func (s *store) IsAuthError(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusForbidden {
		return true
	}
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		switch awsErr.Code() {
		case s3.ErrCodeNoSuchBucket, s3ErrCodeAccessDenied:
			return true
		}
	}
	return false
}

func (s *store) key(path string) string { return s.prefix + path }

func isNotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return reqErr.Code() != s3.ErrCodeNoSuchBucket
	}
	var awsErr awserr.Error
	return errors.As(err, &awsErr) && awsErr.Code() == s3.ErrCodeNoSuchKey
}

// Error code of a denied request, which the SDK doesn't define.
const s3ErrCodeAccessDenied = "AccessDenied"
