// Package jittest provides in-memory stand-ins for the integrations of a
// jit.Service. They record every call and return the configured error.
package jittest

import (
	"context"
	"fmt"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/grants"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/models"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/notify"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/policygen"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/scheduler"
)

// ARNPrefix prefixes every ARN handed out by Grants.
const ARNPrefix = "arn:aws:iam::123456789012:policy/jit/"

// Generator returns the demo policy.
type Generator struct {
	Err   error
	Calls int
}

func (f *Generator) Generate(ctx context.Context, description string) (models.PolicyDocument, error) {
	f.Calls++
	if f.Err != nil {
		return models.PolicyDocument{}, f.Err
	}
	return policygen.DemoPolicy(), nil
}

// Validator applies the structural checks only.
type Validator struct {
	Err   error
	Calls int
}

func (f *Validator) Validate(ctx context.Context, policy models.PolicyDocument) error {
	f.Calls++
	if f.Err != nil {
		return f.Err
	}
	return policygen.StructuralValidator{}.Validate(ctx, policy)
}

type Grants struct {
	CreateErr error
	RevokeErr error
	Created   []models.AccessRequest
	Revoked   []string
}

func (f *Grants) Create(ctx context.Context, req models.AccessRequest) (grants.Grant, error) {
	if f.CreateErr != nil {
		return grants.Grant{}, f.CreateErr
	}
	f.Created = append(f.Created, req)
	return grants.Grant{PolicyARN: ARNPrefix + req.PolicyName, PolicyName: req.PolicyName}, nil
}

func (f *Grants) Revoke(ctx context.Context, policyARN string) error {
	if f.RevokeErr != nil {
		return f.RevokeErr
	}
	f.Revoked = append(f.Revoked, policyARN)
	return nil
}

// Scheduler hands out task-1, task-2, ... in call order.
type Scheduler struct {
	Err   error
	Calls []scheduler.Revocation
}

func (f *Scheduler) ScheduleRevocation(ctx context.Context, rev scheduler.Revocation) (string, error) {
	f.Calls = append(f.Calls, rev)
	if f.Err != nil {
		return "", f.Err
	}
	return fmt.Sprintf("task-%d", len(f.Calls)), nil
}

type Note struct {
	Channel, Thread, Text string
}

type Notifier struct {
	Err       error
	Decisions []notify.Decision
	Notes     []Note
}

func (f *Notifier) Notify(ctx context.Context, channel, thread, text string) error {
	f.Notes = append(f.Notes, Note{channel, thread, text})
	return f.Err
}

func (f *Notifier) NotifyDecision(ctx context.Context, d notify.Decision) error {
	f.Decisions = append(f.Decisions, d)
	return f.Err
}

type Approvals struct {
	Err     error
	Prompts []string
}

func (f *Approvals) RequestApproval(ctx context.Context, req models.AccessRequest, prompt string) error {
	f.Prompts = append(f.Prompts, prompt)
	return f.Err
}
