package gcs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestGCSStoreIsAuthError(t *testing.T) {
	var s = &store{}

	for _, tc := range []struct {
		name     string
		err      error
		expected bool
	}{
		{"bucket not exist", storage.ErrBucketNotExist, true},
		{"wrapped bucket not exist", fmt.Errorf("put: %w", storage.ErrBucketNotExist), true},
		{"forbidden", &googleapi.Error{Code: http.StatusForbidden, Message: "denied"}, true},
		{"bucket 404", &googleapi.Error{Code: http.StatusNotFound, Message: "The specified bucket does not exist."}, true},
		{"object 404", &googleapi.Error{Code: http.StatusNotFound, Message: "No such object"}, false},
		{"unauthorized", &googleapi.Error{Code: http.StatusUnauthorized, Message: "bad token"}, false},
		{"object not exist", storage.ErrObjectNotExist, false},
		{"generic", errors.New("connection reset"), false},
		{"nil", nil, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, s.IsAuthError(tc.err))
		})
	}
}

func TestGCSStoreURL(t *testing.T) {
	var s = &store{bucket: "my-bucket", prefix: "staging/"}
	require.Equal(t, "gcs", s.Provider())
	require.Equal(t, "gs://my-bucket/staging/res/obj.csv", s.URL("res/obj.csv"))
}
