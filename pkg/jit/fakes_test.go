package jit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/accessfsm"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/events"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/jit/jittest"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/models"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	requester = "dev@example.com"
	approver  = "lead@example.com"
)

// untouchableStore fails the test on any store access.
type untouchableStore struct {
	t *testing.T
}

func (u untouchableStore) fail(op string) error {
	u.t.Errorf("unexpected store %s", op)
	return errors.New("store touched")
}

func (u untouchableStore) Put(context.Context, models.AccessRequest) error { return u.fail("put") }

func (u untouchableStore) Get(context.Context, string) (models.AccessRequest, error) {
	return models.AccessRequest{}, u.fail("get")
}

func (u untouchableStore) Transition(context.Context, string, models.Status, func(*models.AccessRequest) error) (models.AccessRequest, error) {
	return models.AccessRequest{}, u.fail("transition")
}

func (u untouchableStore) Delete(context.Context, string) error { return u.fail("delete") }

func (u untouchableStore) Scan(context.Context, func(string, models.AccessRequest, error) error) error {
	return u.fail("scan")
}

func (u untouchableStore) PutOrphan(context.Context, models.OrphanedGrant) error {
	return u.fail("put orphan")
}

func (u untouchableStore) GetOrphan(context.Context, string) (models.OrphanedGrant, error) {
	return models.OrphanedGrant{}, u.fail("get orphan")
}

func (u untouchableStore) DeleteOrphan(context.Context, string) error { return u.fail("delete orphan") }

func (u untouchableStore) ScanOrphans(context.Context, func(string, models.OrphanedGrant, error) error) error {
	return u.fail("scan orphans")
}

// racingStore lets another approver reject the request right before the
// first Transition call.
type racingStore struct {
	*store.Requests
	once sync.Once
}

func (r *racingStore) Transition(ctx context.Context, id string, from models.Status, mutate func(*models.AccessRequest) error) (models.AccessRequest, error) {
	r.once.Do(func() {
		_, _ = r.Requests.Transition(ctx, id, models.StatusPending, func(req *models.AccessRequest) error {
			req.Status = models.StatusRejected
			req.Decision = &models.Decision{DecidedBy: "ops@example.com", DecidedAt: testNow}
			return nil
		})
	})
	return r.Requests.Transition(ctx, id, from, mutate)
}

// unavailableTransitionStore loses its connection on every Transition.
type unavailableTransitionStore struct {
	*store.Requests
}

func (u unavailableTransitionStore) Transition(context.Context, string, models.Status, func(*models.AccessRequest) error) (models.AccessRequest, error) {
	return models.AccessRequest{}, fmt.Errorf("%w: connection reset", store.ErrUnavailable)
}

type harness struct {
	svc       *Service
	store     *store.Requests
	mr        *miniredis.Miniredis
	gen       *jittest.Generator
	validator *jittest.Validator
	grants    *jittest.Grants
	scheduler *jittest.Scheduler
	notifier  *jittest.Notifier
	approvals *jittest.Approvals
	events    *events.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		store:     store.NewRequests(client, "jit-", 24*time.Hour, store.WithClock(func() time.Time { return testNow })),
		mr:        mr,
		gen:       &jittest.Generator{},
		validator: &jittest.Validator{},
		grants:    &jittest.Grants{},
		scheduler: &jittest.Scheduler{},
		notifier:  &jittest.Notifier{},
		approvals: &jittest.Approvals{},
		events:    &events.Recorder{},
	}
	seq := 0
	h.svc = New(Deps{
		Store:     h.store,
		Generator: h.gen,
		Validator: h.validator,
		Grants:    h.grants,
		Scheduler: h.scheduler,
		Notifier:  h.notifier,
		Approvals: h.approvals,
		Events:    h.events,
	}, Options{
		Policy:      accessfsm.ApprovalPolicy{AllowList: []string{approver, "ops@example.com"}, EnforceSoD: true},
		IDPrefix:    "jit-",
		CallTimeout: time.Second,
		Log:         zerolog.Nop(),
		Now:         func() time.Time { return testNow },
		NewID: func() string {
			seq++
			return fmt.Sprintf("jit-%04d", seq)
		},
	})
	return h
}

func (h *harness) submit(t *testing.T, ttl string) models.AccessRequest {
	t.Helper()
	res, err := h.svc.Submit(context.Background(), SubmitInput{
		RequesterEmail:      requester,
		Purpose:             "debug prod",
		TTL:                 ttl,
		PermissionSetName:   "ReadOnly",
		PolicyDescription:   "read ec2 metadata",
		NotificationChannel: "C-REQ",
		NotificationThread:  "1700000000.000100",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return res.Request
}
