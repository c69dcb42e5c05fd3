package jit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/accessfsm"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/events"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/grants"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/models"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/notify"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/outcome"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/scheduler"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/store"
)

type DecideInput struct {
	RequestID string
	Action    string
	Approver  string
}

type DecideResult struct {
	Request models.AccessRequest
	Action  accessfsm.Action
	// NoOp is set when the request was already decided.
	NoOp   bool
	Grant  grants.Grant
	Report outcome.Report
}

// Summary is the line printed for the approver.
func (r DecideResult) Summary() string {
	switch {
	case r.NoOp:
		return fmt.Sprintf("Request %s was already %s; nothing to do.", r.Request.RequestID, r.Request.Status)
	case r.Request.Status == models.StatusApproved && r.Request.Decision != nil:
		d := r.Request.Decision
		if !d.RevocationScheduled {
			return fmt.Sprintf("Request %s approved. Policy %s created, but its removal is NOT scheduled; revoke it manually.", r.Request.RequestID, d.GrantedPolicyARN)
		}
		return fmt.Sprintf("Request %s approved. Policy %s created and scheduled for removal at %s.", r.Request.RequestID, d.GrantedPolicyARN, d.RevokeAt.UTC().Format(time.RFC3339))
	case r.Request.Status == models.StatusRejected:
		return fmt.Sprintf("Request %s rejected.", r.Request.RequestID)
	default:
		return fmt.Sprintf("Request %s is %s.", r.Request.RequestID, r.Request.Status)
	}
}

// Decide applies an approve or reject decision to a Pending request. The
// action and the approver are checked before the store is touched. A request
// that is no longer Pending is left alone and reported as a no-op.
func (s *Service) Decide(ctx context.Context, in DecideInput) (res DecideResult, err error) {
	ctx, span := s.startSpan(ctx, "jit.Decide", in.RequestID)
	defer func() { endSpan(span, err) }()
	rep := &res.Report

	action, err := accessfsm.ParseAction(in.Action)
	if err != nil {
		rep.Add(outcome.HardFail("action", err))
		return res, err
	}
	res.Action = action
	if err = accessfsm.ApproverAllowed(in.Approver, s.policy); err != nil {
		rep.Add(outcome.HardFail("authorize", err))
		return res, err
	}
	id := strings.TrimSpace(in.RequestID)
	if id == "" {
		err = fmt.Errorf("%w: request_id required", models.ErrValidation)
		rep.Add(outcome.HardFail("input", err))
		return res, err
	}

	req, err := s.load(ctx, id)
	if err != nil {
		rep.Add(outcome.HardFail("load", err))
		return res, err
	}
	res.Request = req
	if err = accessfsm.SeparationOfDuties(in.Approver, req.RequesterEmail, s.policy); err != nil {
		rep.Add(outcome.HardFail("authorize", err))
		return res, err
	}
	if accessfsm.IsTerminal(req.Status) {
		res.NoOp = true
		rep.Add(outcome.Ok("decide", "already "+string(req.Status)))
		s.log.Info().Str("request_id", id).Str("status", string(req.Status)).Msg("request already decided")
		return res, nil
	}

	now := s.now().UTC()
	if accessfsm.IsExpired(now, req.ExpiresAt) {
		if markErr := s.markExpired(ctx, req, now); markErr != nil {
			s.log.Warn().Err(markErr).Str("request_id", id).Msg("could not mark request expired")
		} else {
			res.Request.Status = models.StatusExpired
		}
		err = fmt.Errorf("%w: %s expired at %s", ErrRequestExpired, id, req.ExpiresAt.UTC().Format(time.RFC3339))
		rep.Add(outcome.HardFail("expire", err))
		return res, err
	}

	if action == accessfsm.ActionReject {
		err = s.reject(ctx, &res, in.Approver, now)
		return res, err
	}
	err = s.approve(ctx, &res, in.Approver, now)
	return res, err
}

func (s *Service) load(ctx context.Context, id string) (models.AccessRequest, error) {
	var req models.AccessRequest
	err := s.call(ctx, func(ctx context.Context) error {
		var getErr error
		req, getErr = s.Store.Get(ctx, id)
		return getErr
	})
	if errors.Is(err, store.ErrNotFound) {
		return req, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return req, err
}

// markExpired moves a stale Pending record to Expired.
func (s *Service) markExpired(ctx context.Context, req models.AccessRequest, now time.Time) error {
	err := s.call(ctx, func(ctx context.Context) error {
		_, txErr := s.Store.Transition(ctx, req.RequestID, models.StatusPending, func(r *models.AccessRequest) error {
			next, err := accessfsm.Transition(r.Status, models.StatusExpired)
			r.Status = next
			return err
		})
		return txErr
	})
	if err != nil {
		return err
	}
	ev := events.New(events.TypeExpired, req.RequestID, now)
	ev.Requester = req.RequesterEmail
	s.publish(ctx, ev)
	return nil
}

func (s *Service) reject(ctx context.Context, res *DecideResult, approver string, now time.Time) error {
	rep := &res.Report
	var updated models.AccessRequest
	err := s.call(ctx, func(ctx context.Context) error {
		var txErr error
		updated, txErr = s.Store.Transition(ctx, res.Request.RequestID, models.StatusPending, func(r *models.AccessRequest) error {
			next, err := accessfsm.Next(r.Status, accessfsm.ActionReject)
			if err != nil {
				return err
			}
			r.Status = next
			r.Decision = &models.Decision{DecidedBy: approver, DecidedAt: now}
			return nil
		})
		return txErr
	})
	if err != nil {
		rep.Add(outcome.HardFail("transition", err))
		return err
	}
	res.Request = updated
	rep.Add(outcome.Ok("transition", string(models.StatusRejected)))

	ev := events.New(events.TypeRejected, updated.RequestID, now)
	ev.Actor = approver
	ev.Requester = updated.RequesterEmail
	s.publish(ctx, ev)

	s.notifyDecision(ctx, rep, notify.Decision{Request: updated, Approver: approver})
	return nil
}

func (s *Service) approve(ctx context.Context, res *DecideResult, approver string, now time.Time) error {
	rep := &res.Report
	req := res.Request

	err := s.call(ctx, func(ctx context.Context) error {
		return s.Validator.Validate(ctx, req.PolicyDocument)
	})
	if err != nil {
		rep.Add(outcome.HardFail("validate", err))
		return err
	}
	rep.Add(outcome.Ok("validate", ""))

	var grant grants.Grant
	err = s.call(ctx, func(ctx context.Context) error {
		var createErr error
		grant, createErr = s.Grants.Create(ctx, req)
		return createErr
	})
	if err != nil {
		rep.Add(outcome.HardFail("grant", err))
		return err
	}
	res.Grant = grant
	rep.Add(outcome.Ok("grant", grant.PolicyARN))

	revokeAt, exact := accessfsm.RevocationTime(now, req.TTLMinutes)
	if !exact {
		s.log.Warn().Str("request_id", req.RequestID).Int("ttl_minutes", req.TTLMinutes).Msg("revocation time overflowed, using fallback window")
	}

	var updated models.AccessRequest
	err = s.call(ctx, func(ctx context.Context) error {
		var txErr error
		updated, txErr = s.Store.Transition(ctx, req.RequestID, models.StatusPending, func(r *models.AccessRequest) error {
			next, err := accessfsm.Next(r.Status, accessfsm.ActionApprove)
			if err != nil {
				return err
			}
			r.Status = next
			r.Decision = &models.Decision{
				DecidedBy:        approver,
				DecidedAt:        now,
				GrantedPolicyARN: grant.PolicyARN,
				RevokeAt:         revokeAt,
			}
			return nil
		})
		return txErr
	})
	if err != nil {
		err = fmt.Errorf("policy %s was created but request %s could not be marked approved: %w", grant.PolicyARN, req.RequestID, err)
		rep.Add(outcome.HardFail("transition", err))
		s.recordOrphan(ctx, res, approver, grant, revokeAt, now, err)
		return err
	}
	res.Request = updated
	rep.Add(outcome.Ok("transition", string(models.StatusApproved)))

	ev := events.New(events.TypeApproved, updated.RequestID, now)
	ev.Actor = approver
	ev.Requester = updated.RequesterEmail
	ev.PolicyARN = grant.PolicyARN
	ev.Attrs = map[string]string{"revoke_at": revokeAt.Format(time.RFC3339)}
	if fp, fpErr := updated.PolicyDocument.Fingerprint(); fpErr == nil {
		ev.Attrs["policy_sha256"] = fp
	}
	s.publish(ctx, ev)

	taskID, schedErr := s.schedule(ctx, rep, updated, grant, revokeAt)
	if schedErr != nil {
		ev := events.New(events.TypeScheduleFailed, updated.RequestID, now)
		ev.PolicyARN = grant.PolicyARN
		ev.Attrs = map[string]string{"error": schedErr.Error()}
		s.publish(ctx, ev)
	} else {
		s.recordSchedule(ctx, res, taskID)
	}

	s.notifyDecision(ctx, rep, notify.Decision{
		Request:        res.Request,
		Approved:       true,
		Approver:       approver,
		ScheduleFailed: schedErr != nil,
	})
	return schedErr
}

// schedule asks for the grant's removal at revokeAt. A failure is recorded
// as soft and still returned.
func (s *Service) schedule(ctx context.Context, rep *outcome.Report, req models.AccessRequest, grant grants.Grant, revokeAt time.Time) (string, error) {
	var taskID string
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		taskID, err = s.Scheduler.ScheduleRevocation(ctx, scheduler.Revocation{
			GrantRef:       grant.PolicyARN,
			At:             revokeAt,
			Description:    scheduler.TaskDescription(req.PolicyName, grant.PolicyARN, req.PermissionSetName, req.RequestID),
			RequesterEmail: req.RequesterEmail,
		})
		return err
	})
	if err != nil {
		err = fmt.Errorf("policy %s is active but its removal was not scheduled: %w", grant.PolicyARN, err)
		rep.Add(outcome.SoftFail("schedule", err))
		return "", err
	}
	rep.Add(outcome.Ok("schedule", taskID))
	return taskID, nil
}

// recordOrphan handles a grant whose request could not be marked approved.
// Its removal is still scheduled and the grant is stored apart from the
// request, where reconcile and revoke find it.
func (s *Service) recordOrphan(ctx context.Context, res *DecideResult, approver string, grant grants.Grant, revokeAt, now time.Time, cause error) {
	req := res.Request
	orphan := models.OrphanedGrant{
		RequestID:      req.RequestID,
		RequesterEmail: req.RequesterEmail,
		PolicyARN:      grant.PolicyARN,
		CreatedBy:      approver,
		CreatedAt:      now,
		RevokeAt:       revokeAt,
		Reason:         cause.Error(),
	}
	if taskID, err := s.schedule(ctx, &res.Report, req, grant, revokeAt); err == nil {
		orphan.RevocationTaskID = taskID
		orphan.RevocationScheduled = true
	}

	err := s.call(ctx, func(ctx context.Context) error {
		return s.Store.PutOrphan(ctx, orphan)
	})
	if err != nil {
		res.Report.Add(outcome.SoftFail("record_orphan", err))
		s.log.Error().Err(err).Str("request_id", req.RequestID).Str("policy_arn", grant.PolicyARN).
			Bool("revocation_scheduled", orphan.RevocationScheduled).Msg("orphaned grant not recorded; remove it manually")
	} else {
		res.Report.Add(outcome.Ok("record_orphan", grant.PolicyARN))
	}

	ev := events.New(events.TypeOrphanedGrant, req.RequestID, now)
	ev.Actor = approver
	ev.Requester = req.RequesterEmail
	ev.PolicyARN = grant.PolicyARN
	ev.Attrs = map[string]string{
		"revoke_at":            revokeAt.Format(time.RFC3339),
		"revocation_scheduled": strconv.FormatBool(orphan.RevocationScheduled),
	}
	s.publish(ctx, ev)
}

// recordSchedule persists the revocation task on the approved record. A
// failure here leaves revocation_scheduled=false, which reconcile reports.
func (s *Service) recordSchedule(ctx context.Context, res *DecideResult, taskID string) {
	err := s.call(ctx, func(ctx context.Context) error {
		updated, txErr := s.Store.Transition(ctx, res.Request.RequestID, models.StatusApproved, func(r *models.AccessRequest) error {
			if r.Decision == nil {
				return fmt.Errorf("%w: approved request has no decision", models.ErrValidation)
			}
			r.Decision.RevocationTaskID = taskID
			r.Decision.RevocationScheduled = true
			return nil
		})
		if txErr == nil {
			res.Request = updated
		}
		return txErr
	})
	if err != nil {
		res.Report.Add(outcome.SoftFail("record_schedule", err))
		s.log.Warn().Err(err).Str("request_id", res.Request.RequestID).Str("task_id", taskID).Msg("revocation scheduled but not recorded")
		return
	}
	res.Report.Add(outcome.Ok("record_schedule", taskID))
}

func (s *Service) notifyDecision(ctx context.Context, rep *outcome.Report, d notify.Decision) {
	err := s.call(ctx, func(ctx context.Context) error {
		return s.Notifier.NotifyDecision(ctx, d)
	})
	if err != nil {
		rep.Add(outcome.SoftFail("notify", err))
		s.log.Warn().Err(err).Str("request_id", d.Request.RequestID).Msg("decision notification failed")
		return
	}
	rep.Add(outcome.Ok("notify", strconv.FormatBool(d.Approved)))
}
