package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/chainsync/internal/core/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the head, finalized head and unfinalized blocks of the database",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := setup()
	ctx := context.Background()
	db := openPostgres(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()

	head, err := db.GetHead(ctx)
	if err != nil {
		slog.Error("Failed to read head", "error", err)
		os.Exit(1)
	}
	fin, err := db.GetFinalizedHead(ctx)
	if err != nil {
		slog.Error("Failed to read finalized head", "error", err)
		os.Exit(1)
	}
	var hot []domain.BlockRef
	if head != nil {
		if hot, err = db.GetUnfinalizedBlocks(ctx, head.Number); err != nil {
			slog.Error("Failed to read unfinalized blocks", "error", err)
			os.Exit(1)
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "CHAIN\tHEAD\tFINALIZED\tHOT CHANGE SETS")
	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", cfg.Chain.Name, refOrDash(head), refOrDash(fin), len(hot))
	_ = w.Flush()
}

func refOrDash(r *domain.BlockRef) string {
	if r == nil {
		return "-"
	}
	return fmt.Sprintf("%d %s", r.Number, r.Hash)
}
