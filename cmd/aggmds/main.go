package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/commonsmeta/aggmds/internal/app"
)

var (
	// Version is injected at build time
	Version = "dev"
	// Build is injected at build time
	Build = "unknown"
	// ProgramName is injected at build time
	ProgramName = "aggmds"
)

func main() {
	runMain(os.Args, os.Exit)
}

func runMain(args []string, exit func(int)) {
	if err := Execute(Version, Build, ProgramName, args[1:]); err != nil {
		exit(1)
	}
}

// Execute is the entry point for the CLI, extracted for testing
func Execute(version, build, programName string, args []string) error {
	rootCmd := &cobra.Command{
		Use:     programName,
		Short:   "Aggregate metadata service",
		Long:    "Aggregation pipeline and search index over external metadata catalogs",
		Version: version,
	}
	rootCmd.SetVersionTemplate(`{{.Version}}
`)

	populateCmd := &cobra.Command{
		Use:   "populate",
		Short: "Pull every configured source and publish a new index cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunPopulate(context.Background(), app.DefaultRunParams(), cmd.Flags(), version)
		},
	}
	app.RegisterCommonFlags(populateCmd.Flags())
	app.RegisterPopulateFlags(populateCmd.Flags())

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the query API over the live index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunServe(context.Background(), app.DefaultRunParams(), cmd.Flags(), version)
		},
	}
	app.RegisterCommonFlags(serveCmd.Flags())
	app.RegisterServeFlags(serveCmd.Flags())

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Probe the live index and print record counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunStatus(app.DefaultRunParams(), cmd.Flags(), version)
		},
	}
	app.RegisterCommonFlags(statusCmd.Flags())

	rootCmd.AddCommand(populateCmd, serveCmd, statusCmd)
	rootCmd.SetArgs(args)

	return rootCmd.Execute()
}
