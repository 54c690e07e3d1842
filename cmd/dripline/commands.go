package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"dripline/internal/app"
	"dripline/internal/storage"
	"dripline/internal/trigger"
)

var runReq trigger.Request

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Perform one delivery run and print its summary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			sum, err := a.RunOnce(ctx, runReq)
			if perr := printJSON(cmd, sum); perr != nil {
				return perr
			}
			return err
		})
	},
}

var enrollReq storage.Enrollment

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Register a contact into a scenario",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			rec, created, err := a.Enroll(ctx, enrollReq)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"recordId": rec.ID, "created": created, "status": rec.Status})
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import <catalog.yaml>",
	Short: "Load accounts, contacts, scenarios and enrollments from a catalog file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			res, err := a.Import(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// NewApp migrates on open.
		return withApp(cmd, func(context.Context, *app.App) error {
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		})
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runReq.ScenarioID, "scenario", "", "restrict to one scenario id")
	f.StringVar(&runReq.ContactID, "contact", "", "restrict to one contact id")
	f.StringVar(&runReq.ExternalIdentity, "external", "", "restrict to the contact with this external identity")
	f.StringVar(&runReq.Trigger, "trigger", "", `trigger type ("login_success" limits to recent rows)`)

	e := enrollCmd.Flags()
	e.StringVar(&enrollReq.ScenarioID, "scenario", "", "scenario id")
	e.StringVar(&enrollReq.ContactID, "contact", "", "contact id")
	e.StringVar(&enrollReq.Campaign, "campaign", "", "campaign label")
	e.StringVar(&enrollReq.Source, "source", "cli", "enrollment source")
	_ = enrollCmd.MarkFlagRequired("scenario")
	_ = enrollCmd.MarkFlagRequired("contact")
}
