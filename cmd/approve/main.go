// Command approve applies an approver's decision to a pending access request.
// Approval creates the grant and schedules its removal; either way the
// requester is told in the original conversation.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
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
		fmt.Fprintf(os.Stderr, "approve: %v\n", err)
		osExit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := cli.NewFlagSet("approve")
	requestID := fs.String("request_id", "", "id of the access request")
	action := fs.String("approval_action", "", "approve or reject")
	if err := fs.Parse(cli.JoinValues(args)); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if strings.TrimSpace(*requestID) == "" || strings.TrimSpace(*action) == "" {
		return fmt.Errorf("%w: --request_id and --approval_action are required", models.ErrValidation)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateForApprove(); err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, app.Options{LogOutput: stderr})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	res, err := a.Service.Decide(ctx, jit.DecideInput{
		RequestID: *requestID,
		Action:    *action,
		Approver:  cfg.Identity.UserEmail,
	})
	if res.Request.RequestID != "" {
		fmt.Fprintln(stdout, res.Summary())
	}
	for _, soft := range res.Report.SoftFailures() {
		fmt.Fprintf(stdout, "warning: %s\n", soft)
	}
	return err
}
