package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/resume-pipeline/internal/app"
	"github.com/joseph-ayodele/resume-pipeline/internal/export"
	repo "github.com/joseph-ayodele/resume-pipeline/internal/repository"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write an owner's job history to an XLSX file",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		out, _ := cmd.Flags().GetString("out")
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := cmd.Context()
		db, err := app.OpenDB(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close(logger)

		data, err := export.NewService(repo.NewJobRepository(db, logger), logger).ExportJobsXLSX(ctx, owner, limit)
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("wrote %s (%d bytes)\n", out, len(data))
		return nil
	},
}

func init() {
	exportCmd.Flags().String("owner", "", "owner id")
	exportCmd.Flags().String("out", "jobs.xlsx", "output path")
	exportCmd.Flags().Int("limit", 0, "maximum jobs (0 means all)")
	_ = exportCmd.MarkFlagRequired("owner")
	rootCmd.AddCommand(exportCmd)
}
