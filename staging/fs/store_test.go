package fs

import (
	"context"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	var ctx = context.Background()
	var mem = afero.NewMemMapFs()

	_, err := NewWithFs(mem)(mustParseURL("file:///staging/?invalid=param"))
	require.Error(t, err)
	_, err = NewWithFs(mem)(mustParseURL("file:///staging/?Perm=999"))
	require.EqualError(t, err, `parsing Perm: strconv.ParseUint: parsing "999": invalid syntax`)

	s, err := NewWithFs(mem)(mustParseURL("file:///staging/?Perm=0700"))
	require.NoError(t, err)
	require.Equal(t, "fs", s.Provider())
	require.Equal(t, "file:///staging/res/obj.csv", s.URL("res/obj.csv"))

	exists, err := s.Exists(ctx, "res/obj.csv")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, s.Put(ctx, "res/a/obj.csv", strings.NewReader("a,b\n"), 4, ""))
	require.NoError(t, s.Put(ctx, "res/b/obj.csv.gz", strings.NewReader("zipped"), 6, "gzip"))

	// Content is stored under the URL root of the base filesystem.
	b, err := afero.ReadFile(mem, "/staging/res/a/obj.csv")
	require.NoError(t, err)
	require.Equal(t, "a,b\n", string(b))

	exists, err = s.Exists(ctx, "res/a/obj.csv")
	require.NoError(t, err)
	require.True(t, exists)

	rc, err := s.Get(ctx, "res/b/obj.csv.gz")
	require.NoError(t, err)
	b, err = io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "zipped", string(b))

	_, err = s.Get(ctx, "res/missing")
	require.ErrorIs(t, err, os.ErrNotExist)

	var paths []string
	require.NoError(t, s.List(ctx, "res/", func(path string, _ time.Time) error {
		paths = append(paths, path)
		return nil
	}))
	sort.Strings(paths)
	require.Equal(t, []string{"a/obj.csv", "b/obj.csv.gz"}, paths)

	// Listing a missing prefix is not an error.
	require.NoError(t, s.List(ctx, "other/", func(string, time.Time) error {
		t.Fatal("not called")
		return nil
	}))

	require.NoError(t, s.Remove(ctx, "res/a/obj.csv"))
	exists, err = s.Exists(ctx, "res/a/obj.csv")
	require.NoError(t, err)
	require.False(t, exists)

	require.True(t, s.IsAuthError(os.ErrPermission))
	require.False(t, s.IsAuthError(os.ErrNotExist))
	require.False(t, s.IsAuthError(nil))
}

func mustParseURL(s string) *url.URL {
	var u, err = url.Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}
