package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/app/apptest"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/config"
)

func withRunDeps(t *testing.T, cfg config.Config, serve func(*http.Server) error) *config.Config {
	t.Helper()
	f := apptest.New(t, cfg)
	var got config.Config
	origLoad, origBuild, origListen := loadConfig, buildApp, listen
	loadConfig = func() (config.Config, error) { return cfg, nil }
	buildApp = f.Builder(&got)
	listen = serve
	t.Cleanup(func() { loadConfig, buildApp, listen = origLoad, origBuild, origListen })
	return &got
}

func TestRunReturnsWhenServerCloses(t *testing.T) {
	var addr string
	got := withRunDeps(t, gatewayConfig(), func(srv *http.Server) error {
		addr = srv.Addr
		if srv.Handler == nil || srv.ReadHeaderTimeout == 0 {
			t.Error("server not configured")
		}
		return http.ErrServerClosed
	})

	if err := run(context.Background(), &bytes.Buffer{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if addr != "127.0.0.1:0" || got.Gateway.JWTSecret != testSecret {
		t.Fatalf("unexpected server addr %q or config %+v", addr, got.Gateway)
	}
}

func TestRunPropagatesListenError(t *testing.T) {
	boom := errors.New("address in use")
	withRunDeps(t, gatewayConfig(), func(*http.Server) error { return boom })

	if err := run(context.Background(), &bytes.Buffer{}); !errors.Is(err, boom) {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	cfg := gatewayConfig()
	cfg.Gateway.ReconcileEvery = time.Hour
	withRunDeps(t, cfg, func(*http.Server) error {
		<-release
		return http.ErrServerClosed
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, &bytes.Buffer{}) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRunRequiresGatewayConfig(t *testing.T) {
	cfg := gatewayConfig()
	cfg.Gateway.JWTSecret = ""
	called := false
	withRunDeps(t, cfg, func(*http.Server) error {
		called = true
		return nil
	})

	err := run(context.Background(), &bytes.Buffer{})
	if !errors.Is(err, config.ErrMissing) {
		t.Fatalf("expected missing secret, got %v", err)
	}
	if called {
		t.Fatal("server must not start without a signing secret")
	}
}

func TestMainExitsOnError(t *testing.T) {
	origLoad, origExit := loadConfig, osExit
	t.Cleanup(func() { loadConfig, osExit = origLoad, origExit })
	loadConfig = func() (config.Config, error) { return config.Config{}, errors.New("bad config") }
	code := 0
	osExit = func(c int) { code = c }

	main()
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
}
