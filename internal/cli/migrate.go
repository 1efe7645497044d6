package cli

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vietddude/chainsync/internal/infra/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Run:   runMigrate,
}

var revertCmd = &cobra.Command{
	Use:   "revert [block_number]",
	Short: "Revert unfinalized state down to a change set boundary (-1 reverts everything)",
	Args:  cobra.ExactArgs(1),
	Run:   runRevert,
}

func init() {
	rootCmd.AddCommand(migrateCmd, revertCmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	cfg := setup()
	ctx := context.Background()
	db := openPostgres(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()

	if err := db.Migrate(ctx); err != nil {
		slog.Error("Migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations applied")
}

func runRevert(cmd *cobra.Command, args []string) {
	base, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || base < -1 {
		slog.Error("Invalid block number", "value", args[0])
		os.Exit(1)
	}

	cfg := setup()
	ctx := context.Background()
	db := openPostgres(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()

	err = db.Transact(ctx, func(tx storage.Transaction) error {
		return tx.Revert(ctx, base)
	})
	if err != nil {
		slog.Error("Revert failed", "base", base, "error", err)
		os.Exit(1)
	}
	slog.Info("Reverted", "base", base)
}
