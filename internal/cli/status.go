package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cursor and latest halt of every indexer",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	svc := openService(ctx)
	defer closeService(svc)

	list, err := svc.Status(ctx)
	if err != nil {
		slog.Error("Failed to list cursors", "error", err)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "INDEXER\tHEIGHT\tSTATE\tREASON\tLAST HALT")

	for _, st := range list {
		halt := "-"
		if st.Halt != nil {
			halt = fmt.Sprintf("%s at %d", st.Halt.Kind, st.Halt.Height)
			if st.Halt.ExitCode != 0 {
				halt += fmt.Sprintf(" (code %d)", st.Halt.ExitCode)
			}
		}
		_, _ = fmt.Fprintf(w, "%s.%s\t%d\t%s\t%s\t%s\n",
			st.Namespace, st.Identifier, st.Height, st.State, st.Reason, halt)
	}
	_ = w.Flush()
}
