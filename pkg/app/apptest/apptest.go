// Package apptest builds an app.App backed by miniredis and the jittest
// fakes, for testing the binaries end to end.
package apptest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/accessfsm"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/app"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/config"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/events"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/jit"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/jit/jittest"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/store"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/stream"
)

type Fixture struct {
	App       *app.App
	Redis     *miniredis.Miniredis
	Generator *jittest.Generator
	Validator *jittest.Validator
	Grants    *jittest.Grants
	Scheduler *jittest.Scheduler
	Notifier  *jittest.Notifier
	Approvals *jittest.Approvals
	Events    *events.Recorder
}

// New wires a fixture for cfg. Zero Requests settings get test defaults and
// the app always carries a stream hub.
func New(t *testing.T, cfg config.Config) *Fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if cfg.Requests.IDPrefix == "" {
		cfg.Requests.IDPrefix = "jit-"
	}
	if cfg.Requests.CallTimeout <= 0 {
		cfg.Requests.CallTimeout = time.Second
	}
	f := &Fixture{
		Redis:     mr,
		Generator: &jittest.Generator{},
		Validator: &jittest.Validator{},
		Grants:    &jittest.Grants{},
		Scheduler: &jittest.Scheduler{},
		Notifier:  &jittest.Notifier{},
		Approvals: &jittest.Approvals{},
		Events:    &events.Recorder{},
	}
	hub := stream.NewHub()
	requests := store.NewRequests(client, cfg.Requests.IDPrefix, time.Hour)
	svc := jit.New(jit.Deps{
		Store:     requests,
		Generator: f.Generator,
		Validator: f.Validator,
		Grants:    f.Grants,
		Scheduler: f.Scheduler,
		Notifier:  f.Notifier,
		Approvals: f.Approvals,
		Events:    events.Multi{f.Events, hub},
	}, jit.Options{
		Policy:      accessfsm.ApprovalPolicy{AllowList: cfg.Approval.Approvers, EnforceSoD: cfg.Approval.EnforceSoD},
		IDPrefix:    cfg.Requests.IDPrefix,
		CallTimeout: cfg.Requests.CallTimeout,
	})
	f.App = &app.App{
		Config:      cfg,
		Log:         zerolog.Nop(),
		Service:     svc,
		Redis:       client,
		Requests:    requests,
		Idempotency: store.NewIdempotency(client, time.Minute),
		Hub:         hub,
	}
	return f
}

// Builder returns a replacement for app.Build that hands out the fixture's
// app and records the config it was asked to build.
func (f *Fixture) Builder(got *config.Config) func(context.Context, config.Config, app.Options) (*app.App, error) {
	return func(_ context.Context, cfg config.Config, _ app.Options) (*app.App, error) {
		if got != nil {
			*got = cfg
		}
		return f.App, nil
	}
}
