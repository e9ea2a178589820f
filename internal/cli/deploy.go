package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/chainindexer/internal/core/manifest"
)

var deployCmd = &cobra.Command{
	Use:   "deploy [manifest...]",
	Short: "Register the schema and deployment of indexers without running them",
	Args:  cobra.MinimumNArgs(1),
	Run:   runDeploy,
}

func init() {
	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	svc := openService(ctx)
	defer closeService(svc)

	failed := false
	for _, path := range args {
		m, err := manifest.Load(path)
		if err != nil {
			slog.Error("Failed to load manifest", "path", path, "error", err)
			failed = true
			continue
		}
		handle, err := svc.Deploy(ctx, m)
		if err != nil {
			slog.Error("Failed to deploy", "indexer", m.UID(), "error", err)
			failed = true
			continue
		}
		state := "existing"
		if handle.Created {
			state = "created"
		}
		fmt.Printf("%s\tschema %s (%s)\n", m.UID(), handle.Version, state)
	}
	if failed {
		closeService(svc)
		os.Exit(1)
	}
}
