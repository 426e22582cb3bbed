package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/joss/ocbridge/internal/config"
	ocstrings "github.com/joss/ocbridge/internal/strings"
	"github.com/joss/ocbridge/internal/storage"
)

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List persisted conversation sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := config.Load()
			store, err := storage.New(env.DataDir)
			if err != nil {
				return fmt.Errorf("open snapshot store: %w", err)
			}
			defer store.Close()

			snaps, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Println("No persisted sessions.")
				return nil
			}

			bold := color.New(color.Bold)
			dim := color.New(color.Faint)
			for _, snap := range snaps {
				bold.Printf("%s", snap.ConversationID)
				fmt.Printf("  %s", ocstrings.Truncate(snap.ProjectPath, 48))
				if snap.AgentSessionID != "" {
					dim.Printf("  (%s)", snap.AgentSessionID)
				}
				fmt.Printf("  last active %s\n", snap.LastActivityAt.Local().Format(time.RFC822))
			}
			return nil
		},
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <conversation-id>",
		Short: "Delete the persisted record of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := config.Load()
			store, err := storage.New(env.DataDir)
			if err != nil {
				return fmt.Errorf("open snapshot store: %w", err)
			}
			defer store.Close()

			if err := store.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			color.Yellow("cleared %s", args[0])
			return nil
		},
	}
}
