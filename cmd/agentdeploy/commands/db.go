package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/agentdeploy/db"
	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/logger"
	"github.com/teranos/agentdeploy/sym"
)

// DbCmd manages the job database.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.Store + " Manage the job database",
	Long: sym.Store + ` db - Manage the job database

Examples:
  agentdeploy db migrate            # Apply pending migrations
  agentdeploy db migrate --dry-run  # List pending migrations`,
}

var migrateDryRun bool

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	dbMigrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "List pending migrations without applying them")
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, err := db.Open(cfg.Database.Path, logger.ComponentLogger("db"))
	if err != nil {
		return errors.Wrapf(err, "failed to open database at %s", cfg.Database.Path)
	}
	defer database.Close()

	if migrateDryRun {
		pending, err := db.Pending(database)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			pterm.Info.Println("Schema is up to date")
			return nil
		}
		fmt.Printf("%s %d pending migration(s):\n", sym.Store, len(pending))
		for _, f := range pending {
			fmt.Printf("  %s\n", f)
		}
		return nil
	}

	applied, err := db.MigrateCount(database, logger.ComponentLogger("db"))
	if err != nil {
		return errors.Wrapf(err, "failed to migrate %s", cfg.Database.Path)
	}
	if applied == 0 {
		pterm.Info.Println("Schema is up to date")
		return nil
	}
	pterm.Success.Printf("%s Applied %d migration(s) to %s\n", sym.Store, applied, cfg.Database.Path)
	return nil
}
