package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"palaver/client/internal/app"
	"palaver/client/internal/roster"
)

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Manage roster cards",
}

var rosterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List roster cards",
	RunE: withApp(func(a *app.App, cmd *cobra.Command, args []string) error {
		cards, err := a.Roster.Load(cmd.Context())
		if err != nil {
			return err
		}
		for _, card := range cards {
			fmt.Printf("%s\t%s\t%s\n", card.ID, card.Name, card.Bg)
		}
		return nil
	}),
}

var rosterAddBg string

var rosterAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a roster card",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(a *app.App, cmd *cobra.Command, args []string) error {
		cards, err := a.Roster.Load(cmd.Context())
		if err != nil {
			return err
		}
		cards = append(cards, roster.Card{Name: args[0], Bg: rosterAddBg})
		return a.Roster.Save(cmd.Context(), cards)
	}),
}

var rosterEditCmd = &cobra.Command{
	Use:   "edit <id> <name> [bg]",
	Short: "Update a roster card",
	Args:  cobra.RangeArgs(2, 3),
	RunE: withApp(func(a *app.App, cmd *cobra.Command, args []string) error {
		cards, err := a.Roster.Load(cmd.Context())
		if err != nil {
			return err
		}
		found := false
		for i := range cards {
			if cards[i].ID == args[0] {
				cards[i].Name = args[1]
				if len(args) == 3 {
					cards[i].Bg = args[2]
				}
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("no card with id %s", args[0])
		}
		return a.Roster.Save(cmd.Context(), cards)
	}),
}

var rosterRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a roster card",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(a *app.App, cmd *cobra.Command, args []string) error {
		return a.Roster.Delete(cmd.Context(), args[0])
	}),
}

var rosterSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull the authoritative roster from the server",
	RunE: withApp(func(a *app.App, cmd *cobra.Command, args []string) error {
		return a.Roster.SyncFromRemote(cmd.Context())
	}),
}

func init() {
	rosterAddCmd.Flags().StringVar(&rosterAddBg, "bg", "", "free-text background note")
	rosterCmd.AddCommand(rosterListCmd, rosterAddCmd, rosterEditCmd, rosterRmCmd, rosterSyncCmd)
	rootCmd.AddCommand(rosterCmd)
}
