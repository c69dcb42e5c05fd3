package grants

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/rs/zerolog"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/models"
)

type fakeIAM struct {
	createIn  *iam.CreatePolicyInput
	createErr error
	attachErr error
	deleteErr error
	listErr   error
	pages     []*iam.ListEntitiesForPolicyOutput

	creates  int
	attached []string
	deleted  []string
	detached []string
	listed   int
}

func (f *fakeIAM) CreatePolicy(ctx context.Context, in *iam.CreatePolicyInput, _ ...func(*iam.Options)) (*iam.CreatePolicyOutput, error) {
	f.creates++
	f.createIn = in
	if f.createErr != nil {
		return nil, f.createErr
	}
	arn := "arn:aws:iam::123456789012:policy/jit/" + aws.ToString(in.PolicyName)
	return &iam.CreatePolicyOutput{Policy: &types.Policy{Arn: aws.String(arn), PolicyName: in.PolicyName}}, nil
}

func (f *fakeIAM) DeletePolicy(ctx context.Context, in *iam.DeletePolicyInput, _ ...func(*iam.Options)) (*iam.DeletePolicyOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.PolicyArn))
	return &iam.DeletePolicyOutput{}, f.deleteErr
}

func (f *fakeIAM) AttachRolePolicy(ctx context.Context, in *iam.AttachRolePolicyInput, _ ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	f.attached = append(f.attached, aws.ToString(in.RoleName))
	return &iam.AttachRolePolicyOutput{}, f.attachErr
}

func (f *fakeIAM) ListEntitiesForPolicy(ctx context.Context, in *iam.ListEntitiesForPolicyInput, _ ...func(*iam.Options)) (*iam.ListEntitiesForPolicyOutput, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.listed >= len(f.pages) {
		return &iam.ListEntitiesForPolicyOutput{}, nil
	}
	page := f.pages[f.listed]
	f.listed++
	return page, nil
}

func (f *fakeIAM) DetachRolePolicy(ctx context.Context, in *iam.DetachRolePolicyInput, _ ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	f.detached = append(f.detached, "role/"+aws.ToString(in.RoleName))
	return &iam.DetachRolePolicyOutput{}, nil
}

func (f *fakeIAM) DetachUserPolicy(ctx context.Context, in *iam.DetachUserPolicyInput, _ ...func(*iam.Options)) (*iam.DetachUserPolicyOutput, error) {
	f.detached = append(f.detached, "user/"+aws.ToString(in.UserName))
	return &iam.DetachUserPolicyOutput{}, nil
}

func (f *fakeIAM) DetachGroupPolicy(ctx context.Context, in *iam.DetachGroupPolicyInput, _ ...func(*iam.Options)) (*iam.DetachGroupPolicyOutput, error) {
	f.detached = append(f.detached, "group/"+aws.ToString(in.GroupName))
	return &iam.DetachGroupPolicyOutput{}, nil
}

func approvedRequest(t *testing.T) models.AccessRequest {
	t.Helper()
	req, err := models.NewAccessRequest(models.NewRequestParams{
		RequestID:         "jit-1234",
		RequesterEmail:    "dev@example.com",
		Purpose:           "debug prod\tincident ✨",
		PermissionSetName: "ReadOnly",
		PolicyName:        "jit-1234",
		TTLMinutes:        120,
		Policy: models.PolicyDocument{
			Version:   "2012-10-17",
			Statement: models.Statements{{Effect: "Allow", Action: models.StringList{"ec2:DescribeTags"}, Resource: models.StringList{"*"}}},
		},
	}, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

func TestCreate(t *testing.T) {
	t.Parallel()

	api := &fakeIAM{}
	grant, err := NewManager(api, "", zerolog.Nop()).Create(context.Background(), approvedRequest(t))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if grant.PolicyARN != "arn:aws:iam::123456789012:policy/jit/jit-1234" || grant.PolicyName != "jit-1234" {
		t.Fatalf("unexpected grant %+v", grant)
	}
	in := api.createIn
	if aws.ToString(in.Path) != policyPath {
		t.Fatalf("unexpected path %q", aws.ToString(in.Path))
	}
	if !strings.Contains(aws.ToString(in.PolicyDocument), `"ec2:DescribeTags"`) {
		t.Fatalf("unexpected document %s", aws.ToString(in.PolicyDocument))
	}
	desc := aws.ToString(in.Description)
	if strings.ContainsAny(desc, "\t✨") || !strings.Contains(desc, "debug prod incident") {
		t.Fatalf("description not sanitized: %q", desc)
	}
	if len(in.Tags) != 3 || aws.ToString(in.Tags[0].Value) != "jit-1234" {
		t.Fatalf("unexpected tags %+v", in.Tags)
	}
	if len(api.attached) != 0 {
		t.Fatal("no role configured, nothing should be attached")
	}
}

func TestCreateFailuresAreNotRetried(t *testing.T) {
	t.Parallel()

	for name, createErr := range map[string]error{
		"already exists": &types.EntityAlreadyExistsException{Message: aws.String("exists")},
		"throttled":      errors.New("Throttling: rate exceeded"),
	} {
		api := &fakeIAM{createErr: createErr}
		_, err := NewManager(api, "", zerolog.Nop()).Create(context.Background(), approvedRequest(t))
		if !errors.Is(err, ErrGrantCreation) {
			t.Fatalf("%s: expected ErrGrantCreation, got %v", name, err)
		}
		if api.creates != 1 {
			t.Fatalf("%s: expected exactly one CreatePolicy call, got %d", name, api.creates)
		}
	}
}

func TestCreateAttachesRoleAndCleansUpOnFailure(t *testing.T) {
	t.Parallel()

	api := &fakeIAM{}
	if _, err := NewManager(api, "jit-break-glass", zerolog.Nop()).Create(context.Background(), approvedRequest(t)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(api.attached) != 1 || api.attached[0] != "jit-break-glass" {
		t.Fatalf("expected attach to role, got %v", api.attached)
	}

	api = &fakeIAM{attachErr: errors.New("AccessDenied")}
	_, err := NewManager(api, "jit-break-glass", zerolog.Nop()).Create(context.Background(), approvedRequest(t))
	if !errors.Is(err, ErrGrantCreation) {
		t.Fatalf("expected ErrGrantCreation, got %v", err)
	}
	if len(api.deleted) != 1 {
		t.Fatalf("expected unattached policy to be deleted, got %v", api.deleted)
	}
}

func TestRevoke(t *testing.T) {
	t.Parallel()

	api := &fakeIAM{pages: []*iam.ListEntitiesForPolicyOutput{
		{
			PolicyRoles: []types.PolicyRole{{RoleName: aws.String("r1")}},
			PolicyUsers: []types.PolicyUser{{UserName: aws.String("u1")}},
			IsTruncated: true,
			Marker:      aws.String("next"),
		},
		{PolicyGroups: []types.PolicyGroup{{GroupName: aws.String("g1")}}},
	}}
	arn := "arn:aws:iam::123456789012:policy/jit/jit-1234"
	if err := NewManager(api, "", zerolog.Nop()).Revoke(context.Background(), arn); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if strings.Join(api.detached, ",") != "role/r1,user/u1,group/g1" {
		t.Fatalf("unexpected detach order %v", api.detached)
	}
	if len(api.deleted) != 1 || api.deleted[0] != arn {
		t.Fatalf("expected policy deletion, got %v", api.deleted)
	}
}

func TestRevokeMissingPolicyAndErrors(t *testing.T) {
	t.Parallel()

	gone := &types.NoSuchEntityException{Message: aws.String("gone")}
	if err := NewManager(&fakeIAM{listErr: gone}, "", zerolog.Nop()).Revoke(context.Background(), "arn:x"); err != nil {
		t.Fatalf("missing policy should count as revoked, got %v", err)
	}
	if err := NewManager(&fakeIAM{deleteErr: gone}, "", zerolog.Nop()).Revoke(context.Background(), "arn:x"); err != nil {
		t.Fatalf("policy deleted concurrently should count as revoked, got %v", err)
	}
	if err := NewManager(&fakeIAM{listErr: errors.New("denied")}, "", zerolog.Nop()).Revoke(context.Background(), "arn:x"); !errors.Is(err, ErrGrantRevocation) {
		t.Fatalf("expected ErrGrantRevocation, got %v", err)
	}
	if err := NewManager(&fakeIAM{}, "", zerolog.Nop()).Revoke(context.Background(), " "); !errors.Is(err, ErrGrantRevocation) {
		t.Fatalf("expected empty ARN to fail, got %v", err)
	}
}

func TestDescriptionLimit(t *testing.T) {
	t.Parallel()

	req := approvedRequest(t)
	req.Purpose = strings.Repeat("a", 3*maxDescription)
	if got := len([]rune(description(req))); got != maxDescription {
		t.Fatalf("expected description capped at %d runes, got %d", maxDescription, got)
	}
}
