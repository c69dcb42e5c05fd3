package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is written into every stored AccessRequest. Readers reject
// records written by a newer schema.
const SchemaVersion = 1

var ErrValidation = errors.New("validation error")

// Status is the lifecycle state of an AccessRequest.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// AccessRequest is the record shared between the submission and approval
// invocations. Only Status and Decision change after creation.
type AccessRequest struct {
	SchemaVersion       int            `json:"schema_version"`
	RequestID           string         `json:"request_id"`
	Status              Status         `json:"status"`
	RequesterEmail      string         `json:"requester_email"`
	Purpose             string         `json:"purpose"`
	PermissionSetName   string         `json:"permission_set_name"`
	PolicyName          string         `json:"policy_name"`
	TTLMinutes          int            `json:"ttl_minutes"`
	PolicyDocument      PolicyDocument `json:"policy_document"`
	RequestedAt         time.Time      `json:"requested_at"`
	ExpiresAt           time.Time      `json:"expires_at"`
	NotificationChannel string         `json:"notification_channel,omitempty"`
	NotificationThread  string         `json:"notification_thread,omitempty"`
	Decision            *Decision      `json:"decision,omitempty"`
}

// Decision captures who decided a request and, for approvals, the grant that
// was materialized. GrantedPolicyARN is kept even when scheduling the
// revocation failed so the grant can be reconciled later.
type Decision struct {
	DecidedBy           string    `json:"decided_by"`
	DecidedAt           time.Time `json:"decided_at"`
	GrantedPolicyARN    string    `json:"granted_policy_arn,omitempty"`
	RevokeAt            time.Time `json:"revoke_at"`
	RevocationTaskID    string    `json:"revocation_task_id,omitempty"`
	RevocationScheduled bool      `json:"revocation_scheduled"`
}

type NewRequestParams struct {
	RequestID           string
	RequesterEmail      string
	Purpose             string
	PermissionSetName   string
	PolicyName          string
	TTLMinutes          int
	Policy              PolicyDocument
	NotificationChannel string
	NotificationThread  string
}

// NewAccessRequest builds a Pending request. ExpiresAt is RequestedAt plus the TTL.
func NewAccessRequest(p NewRequestParams, now time.Time) (AccessRequest, error) {
	now = now.UTC()
	req := AccessRequest{
		SchemaVersion:       SchemaVersion,
		RequestID:           strings.TrimSpace(p.RequestID),
		Status:              StatusPending,
		RequesterEmail:      strings.TrimSpace(p.RequesterEmail),
		Purpose:             strings.TrimSpace(p.Purpose),
		PermissionSetName:   strings.TrimSpace(p.PermissionSetName),
		PolicyName:          SanitizePolicyName(p.PolicyName),
		TTLMinutes:          p.TTLMinutes,
		PolicyDocument:      p.Policy,
		RequestedAt:         now,
		NotificationChannel: p.NotificationChannel,
		NotificationThread:  p.NotificationThread,
	}
	if req.PolicyName == "" {
		req.PolicyName = SanitizePolicyName(req.RequestID)
	}
	if err := req.Validate(); err != nil {
		return AccessRequest{}, err
	}
	req.ExpiresAt = now.Add(req.TTL())
	return req, nil
}

func (r AccessRequest) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("%w: request_id required", ErrValidation)
	}
	if r.RequesterEmail == "" {
		return fmt.Errorf("%w: requester_email required", ErrValidation)
	}
	if r.TTLMinutes <= 0 || int64(r.TTLMinutes) > maxTTLMinutes {
		return fmt.Errorf("%w: ttl_minutes must be positive, got %d", ErrValidation, r.TTLMinutes)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, r.Status)
	}
	return r.PolicyDocument.Validate()
}

func (r AccessRequest) TTL() time.Duration {
	return time.Duration(r.TTLMinutes) * time.Minute
}

// GrantedPolicyARN returns the ARN recorded on approval, if any.
func (r AccessRequest) GrantedPolicyARN() string {
	if r.Decision == nil {
		return ""
	}
	return r.Decision.GrantedPolicyARN
}

// OpenLiability reports an approved grant whose revocation was never scheduled.
func (r AccessRequest) OpenLiability() bool {
	return r.Status == StatusApproved && r.Decision != nil && r.Decision.GrantedPolicyARN != "" && !r.Decision.RevocationScheduled
}

// OrphanedGrant is a grant created for a request that could not be marked
// approved afterwards. It is kept apart from the request record until the
// grant is revoked.
type OrphanedGrant struct {
	RequestID           string    `json:"request_id"`
	RequesterEmail      string    `json:"requester_email"`
	PolicyARN           string    `json:"policy_arn"`
	CreatedBy           string    `json:"created_by"`
	CreatedAt           time.Time `json:"created_at"`
	RevokeAt            time.Time `json:"revoke_at"`
	RevocationTaskID    string    `json:"revocation_task_id,omitempty"`
	RevocationScheduled bool      `json:"revocation_scheduled"`
	Reason              string    `json:"reason,omitempty"`
}

func (g OrphanedGrant) Validate() error {
	if strings.TrimSpace(g.RequestID) == "" || strings.TrimSpace(g.PolicyARN) == "" {
		return fmt.Errorf("%w: orphaned grant needs request_id and policy_arn", ErrValidation)
	}
	return nil
}

// SanitizePolicyName maps a free-text name onto the IAM policy name charset
// ([A-Za-z0-9+=,.@_-], at most 128 characters).
func SanitizePolicyName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case strings.ContainsRune("+=,.@_-", r):
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
		if b.Len() >= 128 {
			break
		}
	}
	return b.String()
}
