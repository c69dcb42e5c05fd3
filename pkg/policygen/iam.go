package policygen

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/rs/zerolog"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/models"
)

// fallbackAction lets the simulator parse a policy that only names wildcards.
const fallbackAction = "sts:GetCallerIdentity"

// maxSimulatedActions stays under the SimulateCustomPolicy request limit.
const maxSimulatedActions = 100

type PolicySimulator interface {
	SimulateCustomPolicy(ctx context.Context, in *iam.SimulateCustomPolicyInput, optFns ...func(*iam.Options)) (*iam.SimulateCustomPolicyOutput, error)
}

// IAMValidator dry-runs the policy through SimulateCustomPolicy. Nothing is
// granted; a malformed document is rejected by the service.
type IAMValidator struct {
	sim PolicySimulator
	log zerolog.Logger
}

func NewIAMValidator(sim PolicySimulator, log zerolog.Logger) *IAMValidator {
	return &IAMValidator{sim: sim, log: log}
}

func (v *IAMValidator) Validate(ctx context.Context, policy models.PolicyDocument) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrPolicyValidation, err)
	}
	doc, err := policy.JSON()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPolicyValidation, err)
	}
	actions := simulatedActions(policy)
	out, err := v.sim.SimulateCustomPolicy(ctx, &iam.SimulateCustomPolicyInput{
		PolicyInputList: []string{doc},
		ActionNames:     actions,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPolicyValidation, err)
	}
	v.log.Debug().Int("actions", len(actions)).Int("results", len(out.EvaluationResults)).Msg("policy simulated")
	return nil
}

func simulatedActions(policy models.PolicyDocument) []string {
	out := []string{}
	for _, a := range policy.Actions() {
		if strings.ContainsAny(a, "*?") {
			continue
		}
		out = append(out, a)
		if len(out) == maxSimulatedActions {
			break
		}
	}
	if len(out) == 0 {
		out = append(out, fallbackAction)
	}
	return out
}
