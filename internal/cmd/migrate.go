package cmd

import (
	"errors"
	"os"

	"github.com/prudhvinik1/fieldsync/internal/database"
	"github.com/spf13/cobra"
)

var migrateDatabaseURL string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Apply the embedded postgres migrations. The database defaults to
DATABASE_URL.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		url := migrateDatabaseURL
		if url == "" {
			url = os.Getenv("DATABASE_URL")
		}
		if url == "" {
			return errors.New("DATABASE_URL is required")
		}
		return database.Migrate(url, cliLogger(cmd))
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().StringVar(&migrateDatabaseURL, "database-url", "", "postgres URL (default $DATABASE_URL)")
}
