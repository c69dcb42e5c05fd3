package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/accessfsm"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/app"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/auth"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/config"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/grants"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/httpx"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/jit"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/logging"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/metrics"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/models"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/notify"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/outcome"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/policygen"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/ratelimit"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/scheduler"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/store"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/stream"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/telemetry"
)

const (
	// inflight marks an idempotency key whose submission has not finished.
	inflight          = "-"
	maxIdempotencyKey = 255

	roleRevoker = "revoker"
	roleAuditor = "auditor"
)

type Server struct {
	Service     *jit.Service
	Requests    jit.RequestStore
	Idempotency *store.Idempotency
	Hub         *stream.Hub
	Redis       *redis.Client
	Metrics     *metrics.Registry
	Limiter     ratelimit.Limiter
	Policy      accessfsm.ApprovalPolicy
	Gateway     config.Gateway
	Log         zerolog.Logger
	Now         func() time.Time
}

func NewServer(a *app.App, reg *metrics.Registry) *Server {
	return &Server{
		Service:     a.Service,
		Requests:    a.Requests,
		Idempotency: a.Idempotency,
		Hub:         a.Hub,
		Redis:       a.Redis,
		Metrics:     reg,
		Limiter:     ratelimit.NewRedis(a.Redis, a.Config.Gateway.RateWindow, logging.Component(a.Log, "ratelimit")),
		Policy: accessfsm.ApprovalPolicy{
			AllowList:  a.Config.Approval.Approvers,
			EnforceSoD: a.Config.Approval.EnforceSoD,
		},
		Gateway: a.Config.Gateway,
		Log:     logging.Component(a.Log, "gateway"),
		Now:     time.Now,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httpx.CORS(s.Gateway.CORSOrigins))
	r.Use(httpx.SecurityHeaders)
	r.Use(s.Metrics.Middleware)
	r.Use(telemetry.HTTPMiddleware("jit-gateway"))
	r.Use(httpx.LimitBody(s.Gateway.MaxBodyBytes))
	r.Get("/healthz", s.healthz)

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		s.Gateway.JWTSecret,
		auth.WithIssuer(s.Gateway.Issuer),
		auth.WithAudience(s.Gateway.Audience),
		auth.WithClock(s.Now),
	))
	authRouter.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	authRouter.Post("/v1/requests", s.rateLimited(s.submit))
	authRouter.Get("/v1/requests/{id}", s.getRequest)
	authRouter.Post("/v1/requests/{id}/decision", s.rateLimited(s.decide))
	authRouter.Post("/v1/requests/{id}/revoke", s.withRoles(s.rateLimited(s.revoke), roleRevoker))
	authRouter.Get("/v1/stream", s.stream)
	r.Mount("/", authRouter)
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Redis.Ping(ctx).Err(); err != nil {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "service": "jit-gateway"})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "jit-gateway"})
}

type submitRequest struct {
	Purpose             string `json:"purpose"`
	TTL                 string `json:"ttl"`
	PermissionSetName   string `json:"permission_set_name"`
	PolicyDescription   string `json:"policy_description"`
	PolicyName          string `json:"policy_name"`
	NotificationChannel string `json:"notification_channel,omitempty"`
	NotificationThread  string `json:"notification_thread,omitempty"`
}

type submitResponse struct {
	Request      models.AccessRequest `json:"request"`
	TTLDefaulted bool                 `json:"ttl_defaulted,omitempty"`
	Replayed     bool                 `json:"replayed,omitempty"`
	Warnings     []string             `json:"warnings,omitempty"`
}

type decideResponse struct {
	Request  models.AccessRequest `json:"request"`
	Summary  string               `json:"summary"`
	NoOp     bool                 `json:"no_op,omitempty"`
	Warnings []string             `json:"warnings,omitempty"`
}

type revokeResponse struct {
	RequestID string   `json:"request_id"`
	PolicyARN string   `json:"policy_arn"`
	Warnings  []string `json:"warnings,omitempty"`
}

type errorResponse struct {
	Error    string                `json:"error"`
	Request  *models.AccessRequest `json:"request,omitempty"`
	Warnings []string              `json:"warnings,omitempty"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var body submitRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(body.Purpose) == "" || strings.TrimSpace(body.PolicyDescription) == "" {
		httpx.Error(w, http.StatusBadRequest, "purpose and policy_description are required")
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(key) > maxIdempotencyKey {
		httpx.Error(w, http.StatusBadRequest, "idempotency key too long")
		return
	}
	if key != "" {
		key = strings.ToLower(p.Subject) + ":" + key
		existing, claimed, err := s.Idempotency.Claim(r.Context(), key, inflight)
		if err != nil {
			s.writeError(w, err, nil, nil)
			return
		}
		if !claimed {
			s.replay(w, r, existing)
			return
		}
	}

	res, err := s.Service.Submit(r.Context(), jit.SubmitInput{
		RequesterEmail:      p.Subject,
		Purpose:             body.Purpose,
		TTL:                 body.TTL,
		PermissionSetName:   body.PermissionSetName,
		PolicyDescription:   body.PolicyDescription,
		PolicyName:          body.PolicyName,
		NotificationChannel: body.NotificationChannel,
		NotificationThread:  body.NotificationThread,
	})
	s.Metrics.ObserveReport("submit", res.Report)
	if key != "" {
		s.settleClaim(r.Context(), key, res.Request.RequestID)
	}
	if err != nil {
		s.writeError(w, err, stored(res.Request), warnings(res.Report))
		return
	}
	w.Header().Set("Location", "/v1/requests/"+res.Request.RequestID)
	httpx.WriteJSON(w, http.StatusCreated, submitResponse{
		Request:      res.Request,
		TTLDefaulted: res.TTLDefaulted,
		Warnings:     warnings(res.Report),
	})
}

// settleClaim points the key at the stored request, or frees it when nothing
// was stored so the caller may retry.
func (s *Server) settleClaim(ctx context.Context, key, requestID string) {
	ctx = context.WithoutCancel(ctx)
	var err error
	if requestID != "" {
		err = s.Idempotency.Complete(ctx, key, requestID)
	} else {
		err = s.Idempotency.Release(ctx, key)
	}
	if err != nil {
		s.Log.Warn().Err(err).Str("request_id", requestID).Msg("idempotency key not settled")
	}
}

func (s *Server) replay(w http.ResponseWriter, r *http.Request, requestID string) {
	if requestID == inflight {
		httpx.Error(w, http.StatusConflict, "a submission with this idempotency key is in progress")
		return
	}
	req, err := s.Requests.Get(r.Context(), requestID)
	if err != nil {
		s.writeError(w, err, nil, nil)
		return
	}
	w.Header().Set("Idempotent-Replayed", "true")
	httpx.WriteJSON(w, http.StatusOK, submitResponse{Request: req, Replayed: true})
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	req, err := s.Requests.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, nil, nil)
		return
	}
	if !strings.EqualFold(req.RequesterEmail, p.Subject) && !s.privileged(p) {
		httpx.Error(w, http.StatusForbidden, "forbidden")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, req)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var body struct {
		Action string `json:"action"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.Service.Decide(r.Context(), jit.DecideInput{
		RequestID: chi.URLParam(r, "id"),
		Action:    body.Action,
		Approver:  p.Subject,
	})
	s.Metrics.ObserveReport("decide", res.Report)
	if !res.NoOp && (res.Request.Status == models.StatusApproved || res.Request.Status == models.StatusRejected) {
		s.Metrics.IncDecision(string(res.Request.Status))
	}
	if err != nil {
		s.writeError(w, err, stored(res.Request), warnings(res.Report))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, decideResponse{
		Request:  res.Request,
		Summary:  res.Summary(),
		NoOp:     res.NoOp,
		Warnings: warnings(res.Report),
	})
}

func (s *Server) revoke(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	res, err := s.Service.Revoke(r.Context(), id, principal(r).Subject)
	s.Metrics.ObserveReport("revoke", res.Report)
	if err != nil {
		s.writeError(w, err, stored(res.Request), warnings(res.Report))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, revokeResponse{
		RequestID: id,
		PolicyARN: res.PolicyARN,
		Warnings:  warnings(res.Report),
	})
}

// stream sends lifecycle events over a WebSocket. Callers who are neither
// approvers nor auditors only see events for their own requests.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	f := stream.Filter{RequestID: strings.TrimSpace(r.URL.Query().Get("request_id"))}
	if !s.privileged(p) {
		f.Requester = p.Subject
	}
	s.Hub.ServeWS(w, r, f, s.Gateway.StreamOrigins)
}

func (s *Server) privileged(p auth.Principal) bool {
	return p.HasRole(roleAuditor) || accessfsm.ApproverAllowed(p.Subject, s.Policy) == nil
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		for _, role := range roles {
			if p.HasRole(role) {
				h(w, r)
				return
			}
		}
		httpx.Error(w, http.StatusForbidden, "forbidden")
	}
}

// rateLimited caps mutating calls per principal. A zero limit disables it.
func (s *Server) rateLimited(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Limiter == nil || s.Gateway.RateLimit <= 0 {
			h(w, r)
			return
		}
		key := "principal:" + strings.ToLower(principal(r).Subject)
		d := s.Limiter.Allow(r.Context(), key, s.Gateway.RateLimit)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter(s.Now()).Seconds())))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		h(w, r)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error, req *models.AccessRequest, warns []string) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.Log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	} else if status >= 500 {
		s.Log.Warn().Err(err).Int("status", status).Msg("upstream failure")
	}
	httpx.WriteJSON(w, status, errorResponse{Error: msg, Request: req, Warnings: warns})
}

// statusFor maps a flow error to the HTTP status reported to the caller.
func statusFor(err error) int {
	switch {
	case errors.Is(err, httpx.ErrBadRequest),
		errors.Is(err, models.ErrValidation),
		errors.Is(err, accessfsm.ErrInvalidAction):
		return http.StatusBadRequest
	case errors.Is(err, accessfsm.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, jit.ErrRequestNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, jit.ErrNotGranted),
		errors.Is(err, accessfsm.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, jit.ErrRequestExpired):
		return http.StatusGone
	case errors.Is(err, policygen.ErrPolicyValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, policygen.ErrGeneration),
		errors.Is(err, grants.ErrGrantCreation),
		errors.Is(err, grants.ErrGrantRevocation),
		errors.Is(err, scheduler.ErrScheduling),
		errors.Is(err, notify.ErrWebhook),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

func stored(req models.AccessRequest) *models.AccessRequest {
	if req.RequestID == "" {
		return nil
	}
	return &req
}

func warnings(rep outcome.Report) []string {
	var out []string
	for _, soft := range rep.SoftFailures() {
		out = append(out, soft.String())
	}
	return out
}
