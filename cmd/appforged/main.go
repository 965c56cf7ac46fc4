package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"appforge/internal/config"
	"appforge/internal/server"
	"appforge/internal/version"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "appforged",
		Short:         "Sandbox orchestration and deployment service for generated web apps",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (env vars override)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			srv, err := server.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			go func() {
				<-cmd.Context().Done()
				srv.Close()
			}()

			return srv.Run()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			ver := version.Get()
			fmt.Printf("appforged %s", ver.Version)
			if ver.Commit != "" {
				fmt.Printf(" (%s)", ver.Commit)
			}
			if ver.BuildTime != "" {
				fmt.Printf(" built %s", ver.BuildTime)
			}
			fmt.Println()
		},
	}

	root.AddCommand(serve, versionCmd)
	return root
}
