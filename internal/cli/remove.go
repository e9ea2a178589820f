package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:   "remove [namespace.identifier]",
	Short: "Delete an indexer's deployment record, cursor and halt history",
	Long:  `Remove keeps the entity tables: other indexers may share the namespace.`,
	Args:  cobra.ExactArgs(1),
	Run:   runRemove,
}

var stopCmd = &cobra.Command{
	Use:   "stop [namespace.identifier] [reason]",
	Short: "Ask a running indexer to stop at its next batch boundary",
	Args:  cobra.RangeArgs(1, 2),
	Run:   runStop,
}

func init() {
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(stopCmd)
}

func runRemove(cmd *cobra.Command, args []string) {
	ns, id, err := parseUID(args[0])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	ctx := context.Background()
	svc := openService(ctx)
	defer closeService(svc)

	if err := svc.Remove(ctx, ns, id); err != nil {
		slog.Error("Failed to remove indexer", "error", err)
		closeService(svc)
		os.Exit(1)
	}
	fmt.Printf("Removed %s.%s\n", ns, id)
}

func runStop(cmd *cobra.Command, args []string) {
	ns, id, err := parseUID(args[0])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	reason := "operator request"
	if len(args) == 2 {
		reason = args[1]
	}

	ctx := context.Background()
	svc := openService(ctx)
	defer closeService(svc)

	if err := svc.RequestStop(ctx, ns, id, reason); err != nil {
		slog.Error("Failed to request stop", "error", err)
		closeService(svc)
		os.Exit(1)
	}
	fmt.Printf("Stop requested for %s.%s\n", ns, id)
}
