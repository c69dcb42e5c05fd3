package grants

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/rs/zerolog"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/models"
)

var (
	ErrGrantCreation   = errors.New("grant creation failed")
	ErrGrantRevocation = errors.New("grant revocation failed")
)

const (
	policyPath        = "/jit/"
	maxDescription    = 1000
	tagRequestID      = "jit:request-id"
	tagRequester      = "jit:requester"
	tagPermissionSet  = "jit:permission-set"
	maxTagValueLength = 256
)

// IAMAPI is the subset of the IAM client used to materialize and remove grants.
type IAMAPI interface {
	CreatePolicy(ctx context.Context, in *iam.CreatePolicyInput, optFns ...func(*iam.Options)) (*iam.CreatePolicyOutput, error)
	DeletePolicy(ctx context.Context, in *iam.DeletePolicyInput, optFns ...func(*iam.Options)) (*iam.DeletePolicyOutput, error)
	AttachRolePolicy(ctx context.Context, in *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	ListEntitiesForPolicy(ctx context.Context, in *iam.ListEntitiesForPolicyInput, optFns ...func(*iam.Options)) (*iam.ListEntitiesForPolicyOutput, error)
	DetachRolePolicy(ctx context.Context, in *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	DetachUserPolicy(ctx context.Context, in *iam.DetachUserPolicyInput, optFns ...func(*iam.Options)) (*iam.DetachUserPolicyOutput, error)
	DetachGroupPolicy(ctx context.Context, in *iam.DetachGroupPolicyInput, optFns ...func(*iam.Options)) (*iam.DetachGroupPolicyOutput, error)
}

type Grant struct {
	PolicyARN  string
	PolicyName string
}

// Manager creates the managed policy for an approved request and removes it
// when the grant is revoked. Creation is never retried.
type Manager struct {
	api        IAMAPI
	attachRole string
	log        zerolog.Logger
}

// NewManager returns a Manager. When attachRole is set the created policy is
// attached to that role.
func NewManager(api IAMAPI, attachRole string, log zerolog.Logger) *Manager {
	return &Manager{api: api, attachRole: strings.TrimSpace(attachRole), log: log}
}

// NewIAMClient loads the default AWS credential chain.
func NewIAMClient(ctx context.Context, region string, httpClient *http.Client) (*iam.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region = strings.TrimSpace(region); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if httpClient != nil {
		opts = append(opts, awsconfig.WithHTTPClient(httpClient))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return iam.NewFromConfig(cfg), nil
}

func (m *Manager) Create(ctx context.Context, req models.AccessRequest) (Grant, error) {
	doc, err := req.PolicyDocument.JSON()
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrGrantCreation, err)
	}
	name := req.PolicyName
	if name == "" {
		name = models.SanitizePolicyName(req.RequestID)
	}
	out, err := m.api.CreatePolicy(ctx, &iam.CreatePolicyInput{
		PolicyName:     aws.String(name),
		PolicyDocument: aws.String(doc),
		Path:           aws.String(policyPath),
		Description:    aws.String(description(req)),
		Tags: []types.Tag{
			tag(tagRequestID, req.RequestID),
			tag(tagRequester, req.RequesterEmail),
			tag(tagPermissionSet, req.PermissionSetName),
		},
	})
	if err != nil {
		var exists *types.EntityAlreadyExistsException
		if errors.As(err, &exists) {
			return Grant{}, fmt.Errorf("%w: policy %s already exists", ErrGrantCreation, name)
		}
		return Grant{}, fmt.Errorf("%w: create policy %s: %v", ErrGrantCreation, name, err)
	}
	if out == nil || out.Policy == nil || aws.ToString(out.Policy.Arn) == "" {
		return Grant{}, fmt.Errorf("%w: create policy %s returned no ARN", ErrGrantCreation, name)
	}
	grant := Grant{PolicyARN: aws.ToString(out.Policy.Arn), PolicyName: aws.ToString(out.Policy.PolicyName)}
	if grant.PolicyName == "" {
		grant.PolicyName = name
	}
	m.log.Info().Str("request_id", req.RequestID).Str("policy_arn", grant.PolicyARN).Msg("grant policy created")

	if m.attachRole == "" {
		return grant, nil
	}
	if _, err := m.api.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		PolicyArn: aws.String(grant.PolicyARN),
		RoleName:  aws.String(m.attachRole),
	}); err != nil {
		// the policy is not attached to anything yet, so removing it is safe
		if _, delErr := m.api.DeletePolicy(ctx, &iam.DeletePolicyInput{PolicyArn: aws.String(grant.PolicyARN)}); delErr != nil {
			return Grant{}, fmt.Errorf("%w: attach %s to role %s: %v (policy left in place: %v)", ErrGrantCreation, grant.PolicyARN, m.attachRole, err, delErr)
		}
		return Grant{}, fmt.Errorf("%w: attach %s to role %s: %v", ErrGrantCreation, grant.PolicyARN, m.attachRole, err)
	}
	m.log.Info().Str("policy_arn", grant.PolicyARN).Str("role", m.attachRole).Msg("grant attached")
	return grant, nil
}

// Revoke detaches the policy from every principal and deletes it. A policy
// that no longer exists counts as revoked.
func (m *Manager) Revoke(ctx context.Context, policyARN string) error {
	policyARN = strings.TrimSpace(policyARN)
	if policyARN == "" {
		return fmt.Errorf("%w: empty policy ARN", ErrGrantRevocation)
	}
	arn := aws.String(policyARN)
	var marker *string
	for {
		page, err := m.api.ListEntitiesForPolicy(ctx, &iam.ListEntitiesForPolicyInput{PolicyArn: arn, Marker: marker})
		if err != nil {
			if notFound(err) {
				m.log.Info().Str("policy_arn", policyARN).Msg("grant already removed")
				return nil
			}
			return fmt.Errorf("%w: list entities for %s: %v", ErrGrantRevocation, policyARN, err)
		}
		for _, r := range page.PolicyRoles {
			if _, err := m.api.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{PolicyArn: arn, RoleName: r.RoleName}); err != nil && !notFound(err) {
				return fmt.Errorf("%w: detach role %s: %v", ErrGrantRevocation, aws.ToString(r.RoleName), err)
			}
		}
		for _, u := range page.PolicyUsers {
			if _, err := m.api.DetachUserPolicy(ctx, &iam.DetachUserPolicyInput{PolicyArn: arn, UserName: u.UserName}); err != nil && !notFound(err) {
				return fmt.Errorf("%w: detach user %s: %v", ErrGrantRevocation, aws.ToString(u.UserName), err)
			}
		}
		for _, g := range page.PolicyGroups {
			if _, err := m.api.DetachGroupPolicy(ctx, &iam.DetachGroupPolicyInput{PolicyArn: arn, GroupName: g.GroupName}); err != nil && !notFound(err) {
				return fmt.Errorf("%w: detach group %s: %v", ErrGrantRevocation, aws.ToString(g.GroupName), err)
			}
		}
		if !page.IsTruncated || page.Marker == nil {
			break
		}
		marker = page.Marker
	}
	if _, err := m.api.DeletePolicy(ctx, &iam.DeletePolicyInput{PolicyArn: arn}); err != nil && !notFound(err) {
		return fmt.Errorf("%w: delete %s: %v", ErrGrantRevocation, policyARN, err)
	}
	m.log.Info().Str("policy_arn", policyARN).Msg("grant revoked")
	return nil
}

func notFound(err error) bool {
	var nse *types.NoSuchEntityException
	return errors.As(err, &nse)
}

func tag(key, value string) types.Tag {
	if r := []rune(strings.TrimSpace(value)); len(r) > maxTagValueLength {
		value = string(r[:maxTagValueLength])
	} else {
		value = string(r)
	}
	return types.Tag{Key: aws.String(key), Value: aws.String(value)}
}

// description keeps to the characters IAM accepts in policy descriptions.
func description(req models.AccessRequest) string {
	raw := fmt.Sprintf("JIT grant %s for %s: %s", req.RequestID, req.RequesterEmail, req.Purpose)
	var b strings.Builder
	n := 0
	for _, r := range raw {
		if n == maxDescription {
			break
		}
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			r = ' '
		case r < 0x20 || r > 0xFF:
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}
