package jit

import (
	"context"
	"errors"
	"fmt"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/accessfsm"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/models"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/outcome"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/store"
)

type ReconcileOptions struct {
	// Expire moves Pending requests past expires_at to Expired.
	Expire bool
}

type ReconcileResult struct {
	Scanned int
	// OpenLiabilities are approved grants whose removal was never scheduled.
	OpenLiabilities []models.AccessRequest
	// Overdue are approved grants whose revoke_at has passed while the record
	// still exists.
	Overdue []models.AccessRequest
	// Orphans are grants created for requests that never reached Approved.
	Orphans      []models.OrphanedGrant
	StalePending []models.AccessRequest
	Expired      []string
	Corrupt      []string
	Report       outcome.Report
}

// NeedRevocation counts grants an operator has to look at.
func (r ReconcileResult) NeedRevocation() int {
	return len(r.OpenLiabilities) + len(r.Overdue) + len(r.Orphans)
}

// Reconcile walks the store and reports records that need an operator.
func (s *Service) Reconcile(ctx context.Context, opts ReconcileOptions) (res ReconcileResult, err error) {
	ctx, span := s.startSpan(ctx, "jit.Reconcile", "")
	defer func() { endSpan(span, err) }()

	now := s.now().UTC()
	err = s.Store.Scan(ctx, func(id string, req models.AccessRequest, recErr error) error {
		res.Scanned++
		if recErr != nil {
			if errors.Is(recErr, store.ErrCorruption) {
				res.Corrupt = append(res.Corrupt, id)
				return nil
			}
			return recErr
		}
		switch req.Status {
		case models.StatusApproved:
			if req.OpenLiability() {
				res.OpenLiabilities = append(res.OpenLiabilities, req)
			} else if req.Decision != nil && !req.Decision.RevokeAt.IsZero() && now.After(req.Decision.RevokeAt) {
				res.Overdue = append(res.Overdue, req)
			}
		case models.StatusPending:
			if accessfsm.IsExpired(now, req.ExpiresAt) {
				res.StalePending = append(res.StalePending, req)
			}
		}
		return nil
	})
	if err != nil {
		res.Report.Add(outcome.HardFail("scan", err))
		return res, err
	}
	res.Report.Add(outcome.Ok("scan", fmt.Sprintf("%d records", res.Scanned)))

	err = s.Store.ScanOrphans(ctx, func(id string, g models.OrphanedGrant, recErr error) error {
		if recErr != nil {
			if errors.Is(recErr, store.ErrCorruption) {
				res.Corrupt = append(res.Corrupt, id)
				return nil
			}
			return recErr
		}
		res.Orphans = append(res.Orphans, g)
		return nil
	})
	if err != nil {
		res.Report.Add(outcome.HardFail("scan_orphans", err))
		return res, err
	}
	res.Report.Add(outcome.Ok("scan_orphans", fmt.Sprintf("%d orphaned grants", len(res.Orphans))))

	if opts.Expire {
		for _, req := range res.StalePending {
			if expErr := s.markExpired(ctx, req, now); expErr != nil {
				res.Report.Add(outcome.SoftFail("expire", fmt.Errorf("%s: %w", req.RequestID, expErr)))
				continue
			}
			res.Expired = append(res.Expired, req.RequestID)
		}
	}
	for _, req := range res.OpenLiabilities {
		s.log.Warn().Str("request_id", req.RequestID).Str("policy_arn", req.GrantedPolicyARN()).Msg("approved grant has no scheduled revocation")
	}
	for _, g := range res.Orphans {
		s.log.Warn().Str("request_id", g.RequestID).Str("policy_arn", g.PolicyARN).Bool("revocation_scheduled", g.RevocationScheduled).Msg("grant exists for a request that was never approved")
	}
	return res, nil
}
