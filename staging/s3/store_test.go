package s3

import (
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/require"
)

func TestS3StoreIsAuthError(t *testing.T) {
	var s = &store{}

	for _, tc := range []struct {
		name     string
		err      error
		expected bool
	}{
		{"no such bucket", awserr.New(s3.ErrCodeNoSuchBucket, "The specified bucket does not exist", nil), true},
		{"access denied", awserr.New(s3ErrCodeAccessDenied, "Access Denied", nil), true},
		{"forbidden", awserr.NewRequestFailure(awserr.New("Forbidden", "Forbidden", nil), http.StatusForbidden, "request-id"), true},
		{"bad access key", awserr.New("InvalidAccessKeyId", "The AWS Access Key Id you provided does not exist", nil), false},
		{"generic", errors.New("connection timeout"), false},
		{"nil", nil, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, s.IsAuthError(tc.err))
		})
	}
}

func TestS3StoreURL(t *testing.T) {
	var s = &store{bucket: "my-bucket", prefix: "staging/"}
	require.Equal(t, "s3", s.Provider())
	require.Equal(t, "s3://my-bucket/staging/log_level_warning/obj.csv.gz", s.URL("log_level_warning/obj.csv.gz"))
}

func TestS3StoreRejectsUnknownArgs(t *testing.T) {
	var ep, _ = url.Parse("s3://my-bucket/staging/?bogus=1")
	var _, err = New(ep)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parsing store URL arguments")
}

func TestS3StoreIsNotFound(t *testing.T) {
	require.True(t, isNotFound(awserr.New(s3.ErrCodeNoSuchKey, "The specified key does not exist.", nil)))
	require.True(t, isNotFound(awserr.NewRequestFailure(awserr.New("NotFound", "Not Found", nil), http.StatusNotFound, "request-id")))
	require.False(t, isNotFound(awserr.NewRequestFailure(awserr.New(s3.ErrCodeNoSuchBucket, "no bucket", nil), http.StatusNotFound, "request-id")))
	require.False(t, isNotFound(errors.New("connection reset")))
	require.False(t, isNotFound(nil))
}
