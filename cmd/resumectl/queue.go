package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/resume-pipeline/internal/app"
	"github.com/joseph-ayodele/resume-pipeline/internal/async"
	repo "github.com/joseph-ayodele/resume-pipeline/internal/repository"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <job-id>",
	Short: "Queue a parse message for an existing job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := app.OpenDB(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close(logger)

		job, err := repo.NewJobRepository(db, logger).Get(ctx, args[0])
		if err != nil {
			return err
		}
		q, err := openRedisQueue(cmd)
		if err != nil {
			return err
		}
		msg := async.Message{
			Type:        async.MessageTypeParse,
			JobID:       job.ID,
			OwnerID:     job.OwnerID,
			BlobKey:     job.BlobKey,
			ContentHash: job.ContentHash,
			Attempt:     1,
		}
		if err := q.Enqueue(ctx, msg); err != nil {
			return err
		}
		fmt.Printf("Job enqueued: %s (status %s)\n", job.ID, job.Status)
		return nil
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered messages",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show dead-lettered messages, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		q, err := openRedisQueue(cmd)
		if err != nil {
			return err
		}
		dead, err := q.DeadLetters(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(dead) == 0 {
			fmt.Println("dead-letter queue is empty")
			return nil
		}
		return printJSON(dead)
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Move every dead-lettered message back onto the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openRedisQueue(cmd)
		if err != nil {
			return err
		}
		n, err := q.RequeueDead(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("requeued %d message(s)\n", n)
		return nil
	},
}

// openRedisQueue connects to the durable queue. The memory backend only
// exists inside a running daemon, so these commands always use Redis.
func openRedisQueue(cmd *cobra.Command) (*async.RedisQueue, error) {
	qcfg := *cfg
	qcfg.Queue.Backend = "redis"
	rdb, err := app.OpenRedis(cmd.Context(), &qcfg, logger)
	if err != nil {
		return nil, err
	}
	cobra.OnFinalize(func() { _ = rdb.Close() })
	q, err := app.OpenQueue(&qcfg, rdb, logger)
	if err != nil {
		return nil, err
	}
	return q.(*async.RedisQueue), nil
}

func init() {
	dlqListCmd.Flags().Int("limit", 50, "maximum entries to show")
	dlqCmd.AddCommand(dlqListCmd, dlqRequeueCmd)
	rootCmd.AddCommand(enqueueCmd, dlqCmd)
}
