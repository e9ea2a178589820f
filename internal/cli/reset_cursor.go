package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var resetCursorCmd = &cobra.Command{
	Use:   "reset-cursor [namespace.identifier] [height]",
	Short: "Move the cursor of an indexer to a given height and mark it running",
	Args:  cobra.ExactArgs(2),
	Run:   runResetCursor,
}

func init() {
	rootCmd.AddCommand(resetCursorCmd)
}

func runResetCursor(cmd *cobra.Command, args []string) {
	ns, id, err := parseUID(args[0])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	height, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Invalid block height: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	svc := openService(ctx)
	defer closeService(svc)

	if err := svc.ResetCursor(ctx, ns, id, height); err != nil {
		slog.Error("Failed to reset cursor", "error", err)
		closeService(svc)
		os.Exit(1)
	}

	fmt.Printf("Successfully reset cursor for %s.%s to block %d\n", ns, id, height)
}
