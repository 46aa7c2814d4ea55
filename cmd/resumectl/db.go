package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/resume-pipeline/internal/app"
	repo "github.com/joseph-ayodele/resume-pipeline/internal/repository"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database utilities",
}

var dbHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Ping the job store",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := app.OpenDB(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close(logger)
		if err := db.HealthCheck(cmd.Context(), 2*time.Second, logger); err != nil {
			return fmt.Errorf("DB health: FAIL (%w)", err)
		}
		fmt.Println("DB health: OK")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the jobs and published_views tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := app.OpenDB(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close(logger)
		if err := repo.Migrate(cmd.Context(), db, logger); err != nil {
			return err
		}
		fmt.Println("migrations applied")
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbHealthCmd)
	rootCmd.AddCommand(dbCmd, migrateCmd)
}
