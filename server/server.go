// Package server provides a bound HTTP server which is served and gracefully
// stopped as tasks of a task.Group.
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.spoilers.dev/core/task"
)

// DefaultShutdownTimeout bounds the graceful drain of in-flight requests.
const DefaultShutdownTimeout = 15 * time.Second

// Server is an HTTP server of a bound TCP socket.
type Server struct {
	// RawListener is the bound TCP listener of the Server.
	RawListener *net.TCPListener
	// HTTPMux is the http.ServeMux which is served by the Server.
	HTTPMux *http.ServeMux
	// HTTPServer serves HTTPMux over RawListener.
	HTTPServer *http.Server
	// ShutdownTimeout bounds the graceful shutdown of the Server.
	ShutdownTimeout time.Duration
	// Ctx is cancelled when the Server begins to shut down.
	Ctx context.Context

	cancel context.CancelFunc
}

// New builds and returns a Server of the given TCP network interface |iface|
// and |port|. |port| may be empty, in which case a random free port is assigned.
func New(iface string, port string) (*Server, error) {
	if port == "" {
		port = "0"
	}
	var addr = net.JoinHostPort(iface, port)

	var raw, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to bind service address (%s)", addr)
	}
	var ctx, cancel = context.WithCancel(context.Background())

	var srv = &Server{
		RawListener:     raw.(*net.TCPListener),
		HTTPMux:         http.DefaultServeMux,
		ShutdownTimeout: DefaultShutdownTimeout,
		Ctx:             ctx,
		cancel:          cancel,
	}
	srv.HTTPServer = &http.Server{
		Handler:           srv.HTTPMux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return srv, nil
}

// Endpoint of the Server.
func (s *Server) Endpoint() string {
	return "http://" + s.RawListener.Addr().String()
}

// QueueTasks serving the HTTP server onto the task.Group. When the Group is
// cancelled, the Server stops accepting connections and waits up to its
// ShutdownTimeout for in-flight requests to complete.
func (s *Server) QueueTasks(tg *task.Group) {
	tg.Queue("http.Serve", func() error {
		var err = s.HTTPServer.Serve(keepAliveListener{s.RawListener})
		if err == http.ErrServerClosed {
			return nil // Swallow error after Shutdown.
		}
		return err
	})
	tg.Queue("http.Shutdown", func() error {
		<-tg.Context().Done() // Block until task.Group is cancelled.
		s.cancel()

		var ctx, cancel = context.WithTimeout(context.Background(), s.ShutdownTimeout)
		defer cancel()

		if err := s.HTTPServer.Shutdown(ctx); err != nil {
			log.WithField("err", err).Warn("failed to gracefully stop HTTP server")
			return s.HTTPServer.Close()
		}
		return nil
	})
}

// BuildTLSConfig returns a client tls.Config using the given certificate,
// key, and trusted CA files. Any of them may be empty.
func BuildTLSConfig(certPath, keyPath, trustedCAPath string) (*tls.Config, error) {
	var config = &tls.Config{MinVersion: tls.VersionTLS12}

	if certPath != "" || keyPath != "" {
		var cert, err = tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}
	if trustedCAPath != "" {
		var pem, err = os.ReadFile(trustedCAPath)
		if err != nil {
			return nil, fmt.Errorf("reading trusted CA: %w", err)
		}
		var pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in trusted CA (%s)", trustedCAPath)
		}
		config.RootCAs = pool
	}
	return config, nil
}

// keepAliveListener sets TCP keep-alive timeouts on accepted connections,
// so that dead peers are eventually reaped.
type keepAliveListener struct {
	*net.TCPListener
}

func (ln keepAliveListener) Accept() (net.Conn, error) {
	var tc, err = ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}
