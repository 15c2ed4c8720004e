package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"palaver/client/internal/api"
	"palaver/client/internal/app"
	"palaver/client/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "palaver",
	Short:         "Palaver chat and roster client",
	Long:          "Terminal client for the Palaver service: chat threads, roster cards, and a shared local cache for guest and offline use.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// withApp builds the container for one command invocation and tears it down
// afterwards.
func withApp(run func(a *app.App, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := app.New(config.Load())
		if err != nil {
			return err
		}
		defer a.Close()
		return presentError(run(a, cmd, args))
	}
}

// presentError maps the client error taxonomy onto CLI-friendly messages:
// quota failures name the limit and the upgrade path, auth failures explain
// the silent fallback to guest mode.
func presentError(err error) error {
	if err == nil {
		return nil
	}
	var quota *api.QuotaError
	if errors.As(err, &quota) {
		return fmt.Errorf("plan limit reached (%s): %s — upgrade your plan to continue", quota.Code, quota.Message)
	}
	if errors.Is(err, api.ErrUnauthorized) {
		return errors.New("session expired; you are now in guest mode, run `palaver login` to sign back in")
	}
	return err
}
