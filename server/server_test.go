package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"go.spoilers.dev/core/task"
)

func TestServeAndGracefulStop(t *testing.T) {
	var srv, err = New("127.0.0.1", "")
	require.NoError(t, err)

	srv.HTTPMux = http.NewServeMux()
	srv.HTTPServer.Handler = srv.HTTPMux
	srv.HTTPMux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})

	var tg = task.NewGroup(context.Background())
	srv.QueueTasks(tg)
	tg.GoRun()

	resp, err := http.Get(srv.Endpoint() + "/ping")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, "pong", string(body))

	tg.Cancel()
	require.NoError(t, tg.Wait())
	require.Error(t, srv.Ctx.Err())

	_, err = http.Get(srv.Endpoint() + "/ping")
	require.Error(t, err)
}

func TestBindFailure(t *testing.T) {
	var srv, err = New("127.0.0.1", "")
	require.NoError(t, err)
	defer srv.RawListener.Close()

	var port = strconv.Itoa(srv.RawListener.Addr().(*net.TCPAddr).Port)
	_, err = New("127.0.0.1", port)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to bind service address")
}

func TestBuildTLSConfig(t *testing.T) {
	var cfg, err = BuildTLSConfig("", "", "")
	require.NoError(t, err)
	require.Empty(t, cfg.Certificates)
	require.Nil(t, cfg.RootCAs)

	var dir = t.TempDir()
	var ca = filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(ca, []byte("not a certificate"), 0600))

	_, err = BuildTLSConfig("", "", ca)
	require.EqualError(t, err, "no certificates found in trusted CA ("+ca+")")

	_, err = BuildTLSConfig("", "", filepath.Join(dir, "missing.pem"))
	require.Error(t, err)
	_, err = BuildTLSConfig(filepath.Join(dir, "missing.crt"), filepath.Join(dir, "missing.key"), "")
	require.Error(t, err)
}
