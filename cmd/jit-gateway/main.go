// Command jit-gateway serves the access request flows over HTTP to callers
// holding a signed bearer token, and streams lifecycle events to live
// subscribers over WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/app"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/config"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/jit"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/metrics"
)

const shutdownTimeout = 10 * time.Second

// Testable variables for main()
var (
	osExit     = os.Exit
	loadConfig = config.Load
	buildApp   = app.Build
	listen     = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "jit-gateway: %v\n", err)
		osExit(1)
	}
}

// run serves until ctx is cancelled or the listener fails.
func run(ctx context.Context, stderr io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateForGateway(); err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, app.Options{Stream: true, LogOutput: stderr})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	s := NewServer(a, metrics.NewRegistry())
	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	if cfg.Gateway.ReconcileEvery > 0 {
		go s.reconcileLoop(loopCtx, cfg.Gateway.ReconcileEvery)
	}

	server := &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.Log.Info().Str("addr", server.Addr).Msg("jit-gateway listening")

	errCh := make(chan error, 1)
	go func() { errCh <- listen(server) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		s.Log.Info().Msg("jit-gateway stopped")
		return nil
	}
}

func (s *Server) reconcileLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	s.refreshLiabilities(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshLiabilities(ctx)
		}
	}
}

// refreshLiabilities expires stale pending requests and publishes how many
// grants are waiting on a manual revocation.
func (s *Server) refreshLiabilities(ctx context.Context) {
	res, err := s.Service.Reconcile(ctx, jit.ReconcileOptions{Expire: true})
	s.Metrics.ObserveReport("reconcile", res.Report)
	if err != nil {
		s.Log.Warn().Err(err).Msg("reconcile failed")
		return
	}
	s.Metrics.SetOpenLiabilities(len(res.OpenLiabilities) + len(res.Orphans))
	if n := res.NeedRevocation(); n > 0 {
		s.Log.Warn().Int("grants", n).Msg("grants need to be revoked")
	}
}
