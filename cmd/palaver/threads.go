package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"palaver/client/internal/app"
	"palaver/client/internal/export"
	"palaver/client/internal/threads"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Manage chat threads",
}

var threadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List threads, most recently updated first",
	RunE: withApp(func(a *app.App, cmd *cobra.Command, args []string) error {
		if err := a.Threads.LoadThreads(cmd.Context()); err != nil {
			return err
		}
		selected := a.Threads.SelectedID()
		for _, thread := range a.Threads.Threads() {
			marker := " "
			if thread.ID == selected {
				marker = "*"
			}
			fmt.Printf("%s %d\t%s\n", marker, thread.ID, thread.Title)
		}
		return nil
	}),
}

var threadsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create an empty thread",
	RunE: withApp(func(a *app.App, cmd *cobra.Command, args []string) error {
		thread, err := a.Threads.CreateThread(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("created thread %d\n", thread.ID)
		return nil
	}),
}

var threadsRenameCmd = &cobra.Command{
	Use:   "rename <id> <title>",
	Short: "Rename a thread",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(a *app.App, cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid thread id %q", args[0])
		}
		return a.Threads.Rename(cmd.Context(), id, args[1])
	}),
}

var threadsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a thread",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(a *app.App, cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid thread id %q", args[0])
		}
		return a.Threads.DeleteThread(cmd.Context(), id)
	}),
}

var sendThreadID int64

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a message, creating a thread when none is given",
	Args:  cobra.MinimumNArgs(1),
	RunE: withApp(func(a *app.App, cmd *cobra.Command, args []string) error {
		text := args[0]
		for _, arg := range args[1:] {
			text += " " + arg
		}
		reply, thread, err := a.Threads.SendMessage(cmd.Context(), sendThreadID, text)
		if err != nil {
			return err
		}
		fmt.Printf("[thread %d] %s\n", thread.ID, reply)
		return nil
	}),
}

var threadsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a thread's messages in order",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(a *app.App, cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid thread id %q", args[0])
		}
		messages, err := a.Threads.Messages(cmd.Context(), id)
		if err != nil {
			return err
		}
		for _, message := range messages {
			prefix := "you"
			if message.Role == threads.RoleAssistant {
				prefix = "palaver"
			}
			fmt.Printf("%s: %s\n", prefix, message.Content)
		}
		return nil
	}),
}

var exportFormat string

var threadsExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Write a thread transcript to a file",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(a *app.App, cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid thread id %q", args[0])
		}
		if err := a.Threads.LoadThreads(cmd.Context()); err != nil {
			return err
		}
		result, err := export.NewService(a.Threads).Export(cmd.Context(), id, export.Format(exportFormat))
		if err != nil {
			return err
		}
		if err := os.WriteFile(result.Filename, result.Data, 0o644); err != nil {
			return fmt.Errorf("write transcript: %w", err)
		}
		fmt.Printf("wrote %s\n", result.Filename)
		return nil
	}),
}

func init() {
	sendCmd.Flags().Int64Var(&sendThreadID, "thread", 0, "existing thread id; omit to start a new thread")
	threadsExportCmd.Flags().StringVar(&exportFormat, "format", string(export.FormatMarkdown), "transcript format: markdown or text")
	threadsCmd.AddCommand(threadsListCmd, threadsNewCmd, threadsRenameCmd, threadsDeleteCmd, threadsShowCmd, threadsExportCmd)
	rootCmd.AddCommand(threadsCmd, sendCmd)
}
