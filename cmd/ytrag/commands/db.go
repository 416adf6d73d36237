package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gustavoali/ytrag/db"
	"github.com/gustavoali/ytrag/sym"
)

// DbCmd groups database commands.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.Short("db"),
	Long: sym.DB + ` db - Manage the ytrag database

Examples:
  ytrag db migrate                 # Apply pending migrations
  ytrag db migrate --path other.db # Migrate a specific file`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")

		database, err := openDatabase(path)
		if err != nil {
			return err
		}
		defer database.Close()

		version, applied, err := db.SchemaVersion(cmd.Context(), database)
		if err != nil {
			return err
		}
		fmt.Printf("%s Database is at schema version %s (%d migrations applied)\n", sym.DB, version, applied)
		return nil
	},
}

func init() {
	dbMigrateCmd.Flags().String("path", "", "Database file (default from database.path)")
	DbCmd.AddCommand(dbMigrateCmd)
}
