// Package jit implements the access request flows: submission, decision,
// revocation and reconciliation. Every external call runs under the
// configured per-call timeout and its result is recorded in an
// outcome.Report.
package jit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/accessfsm"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/events"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/grants"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/models"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/notify"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/policygen"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/scheduler"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/telemetry"
)

var (
	ErrRequestNotFound = errors.New("access request not found")
	ErrRequestExpired  = errors.New("access request expired before a decision")
	ErrNotGranted      = errors.New("access request has no active grant")
)

const defaultCallTimeout = 15 * time.Second

type RequestStore interface {
	Put(ctx context.Context, req models.AccessRequest) error
	Get(ctx context.Context, id string) (models.AccessRequest, error)
	Transition(ctx context.Context, id string, from models.Status, mutate func(*models.AccessRequest) error) (models.AccessRequest, error)
	Delete(ctx context.Context, id string) error
	Scan(ctx context.Context, fn func(id string, req models.AccessRequest, err error) error) error
	PutOrphan(ctx context.Context, g models.OrphanedGrant) error
	GetOrphan(ctx context.Context, id string) (models.OrphanedGrant, error)
	DeleteOrphan(ctx context.Context, id string) error
	ScanOrphans(ctx context.Context, fn func(id string, g models.OrphanedGrant, err error) error) error
}

type GrantManager interface {
	Create(ctx context.Context, req models.AccessRequest) (grants.Grant, error)
	Revoke(ctx context.Context, policyARN string) error
}

type RevocationScheduler interface {
	ScheduleRevocation(ctx context.Context, rev scheduler.Revocation) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, channel, thread, text string) error
	NotifyDecision(ctx context.Context, d notify.Decision) error
}

type ApprovalChannel interface {
	RequestApproval(ctx context.Context, req models.AccessRequest, prompt string) error
}

// Deps are the collaborators of a Service. Events may be nil.
type Deps struct {
	Store     RequestStore
	Generator policygen.Generator
	Validator policygen.Validator
	Grants    GrantManager
	Scheduler RevocationScheduler
	Notifier  Notifier
	Approvals ApprovalChannel
	Events    events.Sink
}

type Options struct {
	Policy      accessfsm.ApprovalPolicy
	IDPrefix    string
	CallTimeout time.Duration
	Log         zerolog.Logger
	Now         func() time.Time
	NewID       func() string
}

type Service struct {
	Deps
	policy      accessfsm.ApprovalPolicy
	callTimeout time.Duration
	log         zerolog.Logger
	now         func() time.Time
	newID       func() string
	tracer      oteltrace.Tracer
}

func New(deps Deps, opts Options) *Service {
	s := &Service{
		Deps:        deps,
		policy:      opts.Policy,
		callTimeout: opts.CallTimeout,
		log:         opts.Log,
		now:         opts.Now,
		newID:       opts.NewID,
		tracer:      telemetry.Tracer("jit"),
	}
	if s.callTimeout <= 0 {
		s.callTimeout = defaultCallTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		prefix := opts.IDPrefix
		s.newID = func() string { return prefix + uuid.NewString() }
	}
	if s.Events == nil {
		s.Events = events.Nop{}
	}
	return s
}

// call runs fn under the per-call timeout.
func (s *Service) call(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return fn(cctx)
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	err := s.call(ctx, func(ctx context.Context) error {
		return s.Events.Publish(ctx, ev)
	})
	if err != nil {
		s.log.Warn().Err(err).Str("request_id", ev.RequestID).Str("event", string(ev.Type)).Msg("lifecycle event not published")
	}
}

func (s *Service) startSpan(ctx context.Context, name, requestID string) (context.Context, oteltrace.Span) {
	if requestID == "" {
		return s.tracer.Start(ctx, name)
	}
	return s.tracer.Start(ctx, name, oteltrace.WithAttributes(requestAttr(requestID)))
}

func requestAttr(id string) attribute.KeyValue {
	return attribute.String("jit.request_id", id)
}

func endSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
