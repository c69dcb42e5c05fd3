package accessfsm

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/models"
)

var (
	ErrInvalidTransition = errors.New("invalid access request transition")
	ErrInvalidAction     = errors.New("invalid approval action")
	ErrUnauthorized      = errors.New("approver not authorized")
	ErrSoDViolation      = fmt.Errorf("%w: approver cannot decide their own request", ErrUnauthorized)
)

// FallbackRevocationWindow is used when now+ttl cannot be represented.
const FallbackRevocationWindow = time.Hour

type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// ParseAction normalizes the approver's decision. The past-tense spellings used
// by older callers are accepted as well.
func ParseAction(raw string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approve", "approved":
		return ActionApprove, nil
	case "reject", "rejected":
		return ActionReject, nil
	default:
		return "", fmt.Errorf("%w: %q (use approve or reject)", ErrInvalidAction, raw)
	}
}

func (a Action) PastTense() string {
	if a == ActionApprove {
		return "approved"
	}
	return "rejected"
}

func CanTransition(from, to models.Status) bool {
	if from != models.StatusPending {
		return false
	}
	return to == models.StatusApproved || to == models.StatusRejected || to == models.StatusExpired
}

func Transition(from, to models.Status) (models.Status, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}

func Next(from models.Status, action Action) (models.Status, error) {
	switch action {
	case ActionApprove:
		return Transition(from, models.StatusApproved)
	case ActionReject:
		return Transition(from, models.StatusRejected)
	default:
		return from, ErrInvalidTransition
	}
}

func IsTerminal(status models.Status) bool {
	switch status {
	case models.StatusApproved, models.StatusRejected, models.StatusExpired:
		return true
	default:
		return false
	}
}

// ApprovalPolicy is the single-approver rule set: an allow-list of identities
// and optional separation of duties between requester and approver.
type ApprovalPolicy struct {
	AllowList  []string
	EnforceSoD bool
}

// ApproverAllowed checks allow-list membership only; it needs no stored state.
func ApproverAllowed(approver string, policy ApprovalPolicy) error {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return fmt.Errorf("%w: approver identity missing", ErrUnauthorized)
	}
	for _, allowed := range policy.AllowList {
		if strings.EqualFold(strings.TrimSpace(allowed), approver) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not on the approver allow-list", ErrUnauthorized, approver)
}

// SeparationOfDuties rejects self-approval when the policy enforces it.
func SeparationOfDuties(approver, requester string, policy ApprovalPolicy) error {
	if !policy.EnforceSoD {
		return nil
	}
	if approver != "" && requester != "" && strings.EqualFold(strings.TrimSpace(approver), strings.TrimSpace(requester)) {
		return ErrSoDViolation
	}
	return nil
}

func IsExpired(now, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.UTC().After(expiresAt.UTC())
}

// RevocationTime returns now+ttl. When the TTL cannot be added without
// overflowing it returns now+FallbackRevocationWindow and false.
func RevocationTime(now time.Time, ttlMinutes int) (time.Time, bool) {
	now = now.UTC()
	if ttlMinutes <= 0 || int64(ttlMinutes) > math.MaxInt64/int64(time.Minute) {
		return now.Add(FallbackRevocationWindow), false
	}
	at := now.Add(time.Duration(ttlMinutes) * time.Minute)
	if !at.After(now) || at.Year() > 9999 {
		return now.Add(FallbackRevocationWindow), false
	}
	return at, true
}
