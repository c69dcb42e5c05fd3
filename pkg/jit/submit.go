package jit

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/events"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/models"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/notify"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/outcome"
)

type SubmitInput struct {
	RequesterEmail      string
	Purpose             string
	TTL                 string
	PermissionSetName   string
	PolicyDescription   string
	PolicyName          string
	NotificationChannel string
	NotificationThread  string
}

type SubmitResult struct {
	Request      models.AccessRequest
	TTLDefaulted bool
	Report       outcome.Report
}

// Submit generates and validates a policy, stores a Pending request and asks
// the approval channel for a decision. Nothing is stored when the policy
// cannot be generated or validated. A failed approval webhook fails the call
// but leaves the stored request in place.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (res SubmitResult, err error) {
	ctx, span := s.startSpan(ctx, "jit.Submit", "")
	defer func() { endSpan(span, err) }()

	rep := &res.Report
	if strings.TrimSpace(in.RequesterEmail) == "" {
		err = fmt.Errorf("%w: requester identity missing", models.ErrValidation)
		rep.Add(outcome.HardFail("input", err))
		return res, err
	}

	ttl, ok := models.TimeFormat(in.TTL)
	if !ok {
		res.TTLDefaulted = true
		rep.Add(outcome.SoftFail("ttl", fmt.Errorf("%w: ttl %q not understood, using %d minutes", models.ErrValidation, in.TTL, ttl)))
		s.log.Warn().Str("ttl", in.TTL).Int("default_minutes", ttl).Msg("invalid ttl, using default")
	} else {
		rep.Add(outcome.Ok("ttl", strconv.Itoa(ttl)+" minutes"))
	}

	var policy models.PolicyDocument
	err = s.call(ctx, func(ctx context.Context) error {
		var genErr error
		policy, genErr = s.Generator.Generate(ctx, in.PolicyDescription)
		return genErr
	})
	if err != nil {
		rep.Add(outcome.HardFail("generate", err))
		return res, err
	}
	rep.Add(outcome.Ok("generate", fmt.Sprintf("%d actions", len(policy.Actions()))))

	err = s.call(ctx, func(ctx context.Context) error {
		return s.Validator.Validate(ctx, policy)
	})
	if err != nil {
		rep.Add(outcome.HardFail("validate", err))
		return res, err
	}
	rep.Add(outcome.Ok("validate", ""))

	req, err := models.NewAccessRequest(models.NewRequestParams{
		RequestID:           s.newID(),
		RequesterEmail:      in.RequesterEmail,
		Purpose:             in.Purpose,
		PermissionSetName:   in.PermissionSetName,
		PolicyName:          in.PolicyName,
		TTLMinutes:          ttl,
		Policy:              policy,
		NotificationChannel: in.NotificationChannel,
		NotificationThread:  in.NotificationThread,
	}, s.now())
	if err != nil {
		rep.Add(outcome.HardFail("build", err))
		return res, err
	}
	span.SetAttributes(requestAttr(req.RequestID))

	err = s.call(ctx, func(ctx context.Context) error {
		return s.Store.Put(ctx, req)
	})
	if err != nil {
		rep.Add(outcome.HardFail("store", err))
		return res, err
	}
	res.Request = req
	rep.Add(outcome.Ok("store", req.RequestID))
	s.log.Info().Str("request_id", req.RequestID).Str("requester", req.RequesterEmail).Int("ttl_minutes", req.TTLMinutes).Msg("access request stored")

	ev := events.New(events.TypeSubmitted, req.RequestID, req.RequestedAt)
	ev.Requester = req.RequesterEmail
	ev.Attrs = map[string]string{
		"purpose":        req.Purpose,
		"permission_set": req.PermissionSetName,
		"ttl_minutes":    strconv.Itoa(req.TTLMinutes),
	}
	if fp, fpErr := req.PolicyDocument.Fingerprint(); fpErr == nil {
		ev.Attrs["policy_sha256"] = fp
	}
	s.publish(ctx, ev)

	err = s.call(ctx, func(ctx context.Context) error {
		return s.Approvals.RequestApproval(ctx, req, notify.ApprovalPrompt(req))
	})
	if err != nil {
		err = fmt.Errorf("request %s was stored but the approval channel was not reached: %w", req.RequestID, err)
		rep.Add(outcome.HardFail("webhook", err))
		return res, err
	}
	rep.Add(outcome.Ok("webhook", ""))
	return res, nil
}
