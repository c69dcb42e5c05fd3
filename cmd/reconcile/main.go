// Command reconcile reports access requests that need an operator: grants
// whose removal was never scheduled, grants past their removal time, grants
// left behind by requests that never reached approved, and pending requests
// nobody decided in time.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

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
		fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		osExit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := cli.NewFlagSet("reconcile")
	expire := fs.Bool("expire", false, "move undecided requests past their expiry to expired")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, app.Options{LogOutput: stderr})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.Background()) }()

	res, err := a.Service.Reconcile(ctx, jit.ReconcileOptions{Expire: *expire})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Scanned %d requests.\n", res.Scanned)
	for _, req := range res.OpenLiabilities {
		fmt.Fprintf(stdout, "UNSCHEDULED  %s  policy %s has no scheduled removal (due %s)\n", req.RequestID, req.GrantedPolicyARN(), req.Decision.RevokeAt.UTC().Format(time.RFC3339))
	}
	for _, req := range res.Overdue {
		fmt.Fprintf(stdout, "OVERDUE      %s  policy %s was due for removal at %s\n", req.RequestID, req.GrantedPolicyARN(), req.Decision.RevokeAt.UTC().Format(time.RFC3339))
	}
	for _, g := range res.Orphans {
		fmt.Fprintf(stdout, "ORPHANED     %s  policy %s was created but the request was never approved (removal scheduled: %t)\n", g.RequestID, g.PolicyARN, g.RevocationScheduled)
	}
	for _, req := range res.StalePending {
		fmt.Fprintf(stdout, "STALE        %s  pending since %s\n", req.RequestID, req.RequestedAt.UTC().Format(time.RFC3339))
	}
	for _, id := range res.Expired {
		fmt.Fprintf(stdout, "EXPIRED      %s\n", id)
	}
	for _, key := range res.Corrupt {
		fmt.Fprintf(stdout, "CORRUPT      %s\n", key)
	}
	for _, soft := range res.Report.SoftFailures() {
		fmt.Fprintf(stdout, "warning: %s\n", soft)
	}
	if n := res.NeedRevocation(); n > 0 {
		fmt.Fprintf(stdout, "%d grant(s) need to be revoked: run revoke --request_id <id> for each.\n", n)
	}
	return nil
}
