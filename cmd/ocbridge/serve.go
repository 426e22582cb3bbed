package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/joss/ocbridge/internal/agent"
	"github.com/joss/ocbridge/internal/config"
	"github.com/joss/ocbridge/internal/server"
	"github.com/joss/ocbridge/internal/session"
	"github.com/joss/ocbridge/internal/storage"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge core and its control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := config.Load()

			store, err := storage.New(env.DataDir)
			if err != nil {
				return fmt.Errorf("open snapshot store: %w", err)
			}
			defer store.Close()

			client := agent.NewHTTPClient(env.AgentURL)
			manager := session.NewManager(client, store, session.ManagerConfig{
				DefaultProject: env.DefaultProject,
				ProjectsRoot:   env.ProjectsRoot,
				ProjectGlobs:   env.ProjectGlobs,
				IdleTimeout:    env.IdleTimeout,
				ReapInterval:   env.ReapInterval,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go manager.Run(ctx)

			color.Green("ocbridge %s", version)
			fmt.Printf("  agent server  %s\n", env.AgentURL)
			fmt.Printf("  control api   http://%s\n", env.ListenAddr)
			fmt.Printf("  snapshots     %s\n", env.DataDir)

			srv := server.New(manager, env.ListenAddr)
			err = srv.Start(ctx)

			// Persist every live session before exit so identity can be
			// restored on the next start.
			manager.Shutdown(context.Background())
			return err
		},
	}
}
