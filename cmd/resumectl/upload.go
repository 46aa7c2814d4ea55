package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/resume-pipeline/internal/app"
	"github.com/joseph-ayodele/resume-pipeline/internal/ingest"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file-or-dir>",
	Short: "Store PDFs under the temporary namespace and print their claim keys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		watch, _ := cmd.Flags().GetBool("watch")
		includeHidden, _ := cmd.Flags().GetBool("include-hidden")

		blobs, err := app.OpenBlobStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		ing := ingest.NewBlobIngestor(blobs, cfg.Admission.MaxUploadBytes, logger)

		target := args[0]
		info, err := os.Stat(target)
		if err != nil {
			return err
		}

		if watch {
			if !info.IsDir() {
				return fmt.Errorf("--watch needs a directory")
			}
			paths, errs, err := ingest.StartWatcher(ctx, ingest.WatchConfig{
				Roots:       []string{target},
				InitialScan: true,
				Debounce:    500 * time.Millisecond,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			logger.Info("watching for PDFs", "root", target)
			for paths != nil || errs != nil {
				select {
				case p, ok := <-paths:
					if !ok {
						paths = nil
						continue
					}
					res, err := ing.IngestPath(ctx, p)
					if err != nil {
						logger.Warn("upload failed", "path", p, "err", err)
						continue
					}
					_ = printJSON(res)
				case err, ok := <-errs:
					if !ok {
						errs = nil
						continue
					}
					logger.Warn("watcher error", "err", err)
				}
			}
			return nil
		}

		if !info.IsDir() {
			res, err := ing.IngestPath(ctx, target)
			if err != nil {
				return err
			}
			return printJSON(res)
		}

		results, stats, err := ing.IngestDirectory(ctx, target, !includeHidden)
		if err != nil {
			return err
		}
		logger.Info("upload complete",
			"scanned", stats.Scanned,
			"matched", stats.Matched,
			"succeeded", stats.Succeeded,
			"failed", stats.Failed)
		return printJSON(results)
	},
}

func init() {
	uploadCmd.Flags().Bool("watch", false, "keep watching the directory and upload new PDFs")
	uploadCmd.Flags().Bool("include-hidden", false, "also upload hidden files and directories")
	rootCmd.AddCommand(uploadCmd)
}
