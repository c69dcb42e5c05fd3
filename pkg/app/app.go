// Package app builds the access request service and its integrations from a
// loaded Config. Every binary goes through Build so the tools share one
// wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/accessfsm"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/audit"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/config"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/events"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/grants"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/jit"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/logging"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/notify"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/policygen"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/scheduler"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/store"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/stream"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/telemetry"
)

// Testable variables for Build.
var (
	initTelemetry = telemetry.Init
	openRedis     = store.NewRedis
	openAudit     = store.NewPostgresPool
	newIAMClient  = grants.NewIAMClient
	newKafka      = events.NewKafkaPublisher
)

type Options struct {
	// Stream attaches a live event hub as an additional sink.
	Stream bool
	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

type App struct {
	Config      config.Config
	Log         zerolog.Logger
	Service     *jit.Service
	Redis       *redis.Client
	Requests    *store.Requests
	Idempotency *store.Idempotency
	Hub         *stream.Hub

	closers []func(context.Context) error
}

// Build connects to Redis (required), and to Kafka and the audit database
// when they are configured.
func Build(ctx context.Context, cfg config.Config, opts Options) (a *App, err error) {
	log := logging.New(cfg.Log.Level, cfg.Log.Format, opts.LogOutput)
	a = &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
			a = nil
		}
	}()

	shutdown, err := initTelemetry(ctx, cfg.Telemetry, log)
	if err != nil {
		return a, fmt.Errorf("otel: %w", err)
	}
	a.onClose(shutdown)
	httpClient := telemetry.InstrumentClient(nil, cfg.Requests.CallTimeout)

	a.Redis, err = openRedis(ctx, cfg.Redis)
	if err != nil {
		return a, fmt.Errorf("redis: %w", err)
	}
	a.onClose(func(context.Context) error { return a.Redis.Close() })
	a.Requests = store.NewRequests(a.Redis, cfg.Requests.IDPrefix, cfg.Requests.RecordGrace,
		store.WithLogger(logging.Component(log, "store")))
	a.Idempotency = store.NewIdempotency(a.Redis, cfg.Gateway.IdempotencyTTL)

	iamClient, err := newIAMClient(ctx, cfg.AWS.Region, httpClient)
	if err != nil {
		return a, err
	}

	var (
		generator policygen.Generator = policygen.DemoGenerator{}
		validator policygen.Validator = policygen.StructuralValidator{}
	)
	if !cfg.LLM.Demo {
		client := policygen.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.Endpoint, httpClient)
		generator = policygen.NewLLMGenerator(client, cfg.LLM.Model, logging.Component(log, "policygen"))
		validator = policygen.NewIAMValidator(iamClient, logging.Component(log, "policygen"))
	}

	sink, err := a.buildSinks(ctx, cfg, opts, log)
	if err != nil {
		return a, err
	}

	slackClient := notify.NewSlackClient(cfg.Slack.Token, cfg.Slack.APIURL, httpClient)
	a.Service = jit.New(jit.Deps{
		Store:     a.Requests,
		Generator: generator,
		Validator: validator,
		Grants:    grants.NewManager(iamClient, cfg.AWS.AttachRole, logging.Component(log, "grants")),
		Scheduler: scheduler.New(httpClient, cfg, logging.Component(log, "scheduler")),
		Notifier:  notify.NewSlack(slackClient, logging.Component(log, "notify")),
		Approvals: notify.NewWebhook(httpClient, cfg, logging.Component(log, "webhook")),
		Events:    sink,
	}, jit.Options{
		Policy: accessfsm.ApprovalPolicy{
			AllowList:  cfg.Approval.Approvers,
			EnforceSoD: cfg.Approval.EnforceSoD,
		},
		IDPrefix:    cfg.Requests.IDPrefix,
		CallTimeout: cfg.Requests.CallTimeout,
		Log:         logging.Component(log, "jit"),
	})
	return a, nil
}

func (a *App) buildSinks(ctx context.Context, cfg config.Config, opts Options, log zerolog.Logger) (events.Sink, error) {
	sinks := events.Multi{}
	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := newKafka(cfg.Kafka)
		if err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		a.onClose(func(context.Context) error { return pub.Close() })
		sinks = append(sinks, pub)
	}

	pool, err := openAudit(ctx, cfg.Audit)
	switch {
	case errors.Is(err, store.ErrAuditDisabled):
		log.Debug().Msg("audit trail disabled")
	case err != nil:
		return nil, fmt.Errorf("audit db: %w", err)
	default:
		a.onClose(func(context.Context) error { pool.Close(); return nil })
		w := &audit.Writer{DB: pool, HashSalt: []byte(cfg.Audit.HashSalt), Redact: cfg.Audit.Redact}
		if err := w.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		sinks = append(sinks, w)
	}

	if opts.Stream {
		a.Hub = stream.NewHub()
		sinks = append(sinks, a.Hub)
	}
	return sinks, nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases everything Build opened, newest first.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
