// Package http runs the HTTP endpoints ringattn exposes alongside a
// benchmark, currently only Prometheus metrics.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-logr/logr"
)

// DefaultShutdownTimeout bounds graceful shutdown when Server.ShutdownTimeout
// is zero.
const DefaultShutdownTimeout = 5 * time.Second

// ErrShutdownTimeout is returned when in-flight requests outlive the
// shutdown timeout and the server is closed forcibly.
var ErrShutdownTimeout = errors.New("timed out waiting for graceful shutdown")

// Server serves Handler on Address until its context is cancelled.
type Server struct {
	Address string
	Handler http.Handler

	// ShutdownTimeout is how long in-flight scrapes may take to finish once
	// the context is done.
	ShutdownTimeout time.Duration
}

// Serve blocks until ctx is cancelled or the listener fails. On cancellation
// it shuts down gracefully, falling back to Close after ShutdownTimeout.
func (s Server) Serve(ctx context.Context, logger logr.Logger) error {
	server := http.Server{
		Addr:    s.Address,
		Handler: s.Handler,

		// Mitigate Slowloris attacks. 20 seconds follows Apache's recommended
		// 20-40; a Prometheus scrape sends only a handful of headers.
		// https://en.wikipedia.org/wiki/Slowloris_(computer_security)
		ReadHeaderTimeout: 20 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", s.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errChan:
		return err
	}

	timeout := s.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	logger.Info("shutting down", "address", s.Address, "timeout", timeout)

	//nolint:contextcheck // ctx is already done; shutdown gets its own deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		server.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrShutdownTimeout
		}
		return err
	}
	return nil
}
