// Command revoke removes the grant recorded on an approved access request.
// It is the task the revocation scheduler runs when a grant's time is up.
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
		fmt.Fprintf(os.Stderr, "revoke: %v\n", err)
		osExit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := cli.NewFlagSet("revoke")
	requestID := fs.String("request_id", "", "id of the approved access request")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if strings.TrimSpace(*requestID) == "" {
		return fmt.Errorf("%w: --request_id is required", models.ErrValidation)
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

	res, err := a.Service.Revoke(ctx, *requestID, cfg.Identity.UserEmail)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Policy %s from request %s removed.\n", res.PolicyARN, strings.TrimSpace(*requestID))
	for _, soft := range res.Report.SoftFailures() {
		fmt.Fprintf(stdout, "warning: %s\n", soft)
	}
	return nil
}
