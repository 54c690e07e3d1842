// Command dripline schedules and delivers drip-campaign messages.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dripline/internal/app"
	"dripline/internal/config"
)

var cfgPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "dripline",
	Short:         "Drip-campaign step scheduler and sender",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadDotEnv(".env")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./dripline.yaml", "path to config (json or yaml)")
	rootCmd.AddCommand(serveCmd, runCmd, enrollCmd, importCmd, migrateCmd)
}

// withApp builds a one-shot app for cmd, runs fn and tears it down.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a, err := app.NewApp(ctx, cfgPath, app.OneShot())
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if err := a.Stop(context.WithoutCancel(ctx), app.StopUnknown); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
