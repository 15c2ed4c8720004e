package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"palaver/client/internal/app"
)

var loginToken string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an access token for authenticated mode",
	RunE: withApp(func(a *app.App, cmd *cobra.Command, args []string) error {
		token := strings.TrimSpace(loginToken)
		if token == "" {
			return fmt.Errorf("a token is required; pass it with --token")
		}
		if err := a.Session.SetToken(cmd.Context(), token); err != nil {
			return err
		}
		// The login event has already kicked off the roster sync.
		fmt.Println("logged in")
		return nil
	}),
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the stored token and local collections",
	RunE: withApp(func(a *app.App, cmd *cobra.Command, args []string) error {
		if err := a.Session.Logout(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("logged out")
		return nil
	}),
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the current session mode",
	RunE: withApp(func(a *app.App, cmd *cobra.Command, args []string) error {
		if a.Session.Authenticated() {
			fmt.Println("authenticated")
		} else {
			fmt.Println("guest")
		}
		return nil
	}),
}

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "bearer token issued by the Palaver service")
	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd)
}
