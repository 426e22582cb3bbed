// Package main provides the ocbridge CLI entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "ocbridge",
		Short: "Bridge between a chat platform and a local coding-agent server",
		Long: `ocbridge relays chat conversations to a locally running coding-agent
server. Each chat conversation is bound to one agent session; the agent's
streaming output is folded into chat-sized notifications, and session
identity survives restarts through durable per-conversation snapshots.

Configuration comes from OCBRIDGE_* environment variables (agent server
URL, listen address, data directory, projects root, idle timeout).`,
	}

	rootCmd.AddCommand(
		serveCmd(),
		sessionsCmd(),
		clearCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ocbridge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ocbridge %s\n", version)
		},
	}
}
