package jit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/events"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/models"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/outcome"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/store"
)

type RevokeResult struct {
	Request   models.AccessRequest
	PolicyARN string
	Report    outcome.Report
}

// Revoke removes the grant recorded on an approved request and then deletes
// the request record. It is what the scheduled revocation task runs. actor is
// recorded on the revocation event; callers authorize it.
func (s *Service) Revoke(ctx context.Context, requestID, actor string) (res RevokeResult, err error) {
	ctx, span := s.startSpan(ctx, "jit.Revoke", requestID)
	defer func() { endSpan(span, err) }()
	rep := &res.Report

	id := strings.TrimSpace(requestID)
	if id == "" {
		err = fmt.Errorf("%w: request_id required", models.ErrValidation)
		rep.Add(outcome.HardFail("input", err))
		return res, err
	}
	req, err := s.load(ctx, id)
	if err != nil && !errors.Is(err, ErrRequestNotFound) {
		rep.Add(outcome.HardFail("load", err))
		return res, err
	}
	res.Request = req
	arn := req.GrantedPolicyARN()
	if err != nil || req.Status != models.StatusApproved || arn == "" {
		orphan, orphanErr := s.loadOrphan(ctx, id)
		switch {
		case orphanErr == nil:
			return s.revokeOrphan(ctx, res, orphan, actor)
		case !errors.Is(orphanErr, store.ErrNotFound):
			rep.Add(outcome.HardFail("load", orphanErr))
			return res, orphanErr
		case err != nil:
			rep.Add(outcome.HardFail("load", err))
			return res, err
		}
		err = fmt.Errorf("%w: %s is %s", ErrNotGranted, id, req.Status)
		rep.Add(outcome.HardFail("load", err))
		return res, err
	}
	res.PolicyARN = arn

	err = s.call(ctx, func(ctx context.Context) error {
		return s.Grants.Revoke(ctx, arn)
	})
	if err != nil {
		rep.Add(outcome.HardFail("revoke", err))
		return res, err
	}
	rep.Add(outcome.Ok("revoke", arn))
	s.log.Info().Str("request_id", id).Str("policy_arn", arn).Str("actor", actor).Msg("grant revoked")

	ev := events.New(events.TypeRevoked, id, s.now())
	ev.Actor = actor
	ev.Requester = req.RequesterEmail
	ev.PolicyARN = arn
	s.publish(ctx, ev)

	text := fmt.Sprintf("<@%s>, the temporary access from request %s (%s) has been removed.", req.RequesterEmail, id, req.PolicyName)
	err = s.call(ctx, func(ctx context.Context) error {
		return s.Notifier.Notify(ctx, req.NotificationChannel, req.NotificationThread, text)
	})
	if err != nil {
		rep.Add(outcome.SoftFail("notify", err))
		s.log.Warn().Err(err).Str("request_id", id).Msg("revocation notification failed")
	} else {
		rep.Add(outcome.Ok("notify", ""))
	}

	err = s.call(ctx, func(ctx context.Context) error {
		return s.Store.Delete(ctx, id)
	})
	if err != nil {
		rep.Add(outcome.SoftFail("cleanup", err))
		s.log.Warn().Err(err).Str("request_id", id).Msg("request record not deleted; it will expire on its own")
	} else {
		rep.Add(outcome.Ok("cleanup", ""))
	}
	return res, nil
}

func (s *Service) loadOrphan(ctx context.Context, id string) (models.OrphanedGrant, error) {
	var orphan models.OrphanedGrant
	err := s.call(ctx, func(ctx context.Context) error {
		var getErr error
		orphan, getErr = s.Store.GetOrphan(ctx, id)
		return getErr
	})
	return orphan, err
}

// revokeOrphan removes a grant whose request never reached Approved. The
// request record, if any, is left to expire.
func (s *Service) revokeOrphan(ctx context.Context, res RevokeResult, orphan models.OrphanedGrant, actor string) (RevokeResult, error) {
	rep := &res.Report
	res.PolicyARN = orphan.PolicyARN
	err := s.call(ctx, func(ctx context.Context) error {
		return s.Grants.Revoke(ctx, orphan.PolicyARN)
	})
	if err != nil {
		rep.Add(outcome.HardFail("revoke", err))
		return res, err
	}
	rep.Add(outcome.Ok("revoke", orphan.PolicyARN))
	s.log.Info().Str("request_id", orphan.RequestID).Str("policy_arn", orphan.PolicyARN).Str("actor", actor).Msg("orphaned grant revoked")

	ev := events.New(events.TypeRevoked, orphan.RequestID, s.now())
	ev.Actor = actor
	ev.Requester = orphan.RequesterEmail
	ev.PolicyARN = orphan.PolicyARN
	ev.Attrs = map[string]string{"orphaned": "true"}
	s.publish(ctx, ev)

	err = s.call(ctx, func(ctx context.Context) error {
		return s.Store.DeleteOrphan(ctx, orphan.RequestID)
	})
	if err != nil {
		rep.Add(outcome.SoftFail("cleanup", err))
		s.log.Warn().Err(err).Str("request_id", orphan.RequestID).Msg("orphaned grant record not deleted")
	} else {
		rep.Add(outcome.Ok("cleanup", ""))
	}
	return res, nil
}
