// Command request_access submits a just-in-time access request: it drafts a
// policy from the description, stores the request and asks the approval
// channel for a decision.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/app"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/cli"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/config"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/jit"
	"github.com/degrasse-python/kubiya-teammate-tools/pkg/models"
)

// Testable variables for main()
var (
	osExit     = os.Exit
	osArgs     = os.Args
	loadConfig = config.Load
	buildApp   = app.Build
)

func main() {
	if err := run(context.Background(), osArgs[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "request_access: %v\n", err)
		osExit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := cli.NewFlagSet("request_access")
	purpose := fs.String("purpose", "", "why the access is needed")
	ttl := fs.String("ttl", "", "how long the access lasts: <n>m, <n>h or <n>d")
	permSet := fs.String("permission_set_name", "", "permission set the request belongs to")
	description := fs.String("policy_description", "", "plain-language description of the permissions")
	policyName := fs.String("policy_name", "", "name of the policy to create (defaults to the request id)")
	demo := fs.Bool("demo", false, "use the canned demo policy instead of the model")
	if err := fs.Parse(cli.JoinValues(args, "demo")); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	missing := []string{}
	for name, v := range map[string]string{
		"purpose":             *purpose,
		"ttl":                 *ttl,
		"permission_set_name": *permSet,
		"policy_description":  *description,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, "--"+name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: required flags missing: %s", models.ErrValidation, strings.Join(missing, ", "))
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.LLM.Demo = cfg.LLM.Demo || *demo
	if err := cfg.ValidateForSubmit(); err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, app.Options{LogOutput: stderr})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	res, err := a.Service.Submit(ctx, jit.SubmitInput{
		RequesterEmail:      cfg.Identity.UserEmail,
		Purpose:             *purpose,
		TTL:                 *ttl,
		PermissionSetName:   *permSet,
		PolicyDescription:   *description,
		PolicyName:          *policyName,
		NotificationChannel: cfg.Slack.ChannelID,
		NotificationThread:  cfg.Slack.ThreadTS,
	})
	if res.TTLDefaulted {
		fmt.Fprintf(stdout, "TTL %q was not understood; using %d minutes.\n", *ttl, res.Request.TTLMinutes)
	}
	if err != nil {
		return err
	}
	req := res.Request
	fmt.Fprintf(stdout, "Access request %s submitted for approval.\n", req.RequestID)
	fmt.Fprintf(stdout, "Policy %s (%d minutes) allows: %s\n", req.PolicyName, req.TTLMinutes, strings.Join(req.PolicyDocument.Actions(), ", "))
	fmt.Fprintf(stdout, "The request expires at %s if nobody decides.\n", req.ExpiresAt.Format("2006-01-02 15:04 MST"))
	return nil
}
