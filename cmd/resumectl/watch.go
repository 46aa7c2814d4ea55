package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/resume-pipeline/pkg/statusclient"
)

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a job until it completes or fails",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		owner, _ := cmd.Flags().GetString("owner")
		poll, _ := cmd.Flags().GetDuration("poll-interval")

		final, err := statusclient.Watch(cmd.Context(), statusclient.Config{
			BaseURL:      server,
			OwnerID:      owner,
			PollInterval: poll,
			Logger:       logger,
		}, args[0], func(e statusclient.Event) {
			fmt.Printf("%s  %s\n", e.At.Local().Format(time.TimeOnly), e.Status)
		})
		if err != nil {
			return err
		}
		if final.Error != "" {
			fmt.Printf("error: %s\n", final.Error)
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().String("server", "http://localhost:8080", "API base URL")
	watchCmd.Flags().String("owner", "", "owner id sent as X-User-ID")
	watchCmd.Flags().Duration("poll-interval", 3*time.Second, "status poll interval once push is given up")
	_ = watchCmd.MarkFlagRequired("owner")
	rootCmd.AddCommand(watchCmd)
}
