package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openrabbit/openrabbit/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the job queue",
	Long: `Inspect queue partitions and recover dead-lettered jobs.

These commands talk to the Redis backend directly. With the in-memory
backend the queue lives inside the daemon process, so stats from a
separate CLI invocation are always empty.`,
}

func init() {
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueDeadCmd)
	queueCmd.AddCommand(queueRetryCmd)
}

func openQueue(cmd *cobra.Command) *queue.Queue {
	q := queue.Open(cmd.Context(), appConfig.Queue.UseRedis, appConfig.Queue.RedisURL)
	if !appConfig.Queue.UseRedis {
		fmt.Fprintln(cmd.ErrOrStderr(), "note: in-memory queue configured; stats reflect this process only")
	}
	return q
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue partition counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := openQueue(cmd)
		stats, err := q.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("reading queue stats: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "pending:    %d\n", stats.Pending)
		fmt.Fprintf(cmd.OutOrStdout(), "retrying:   %d\n", stats.Retrying)
		fmt.Fprintf(cmd.OutOrStdout(), "processing: %d\n", stats.Processing)
		fmt.Fprintf(cmd.OutOrStdout(), "dead:       %d\n", stats.Dead)
		return nil
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := openQueue(cmd)
		ids, err := q.Backend().ListDead(cmd.Context())
		if err != nil {
			return fmt.Errorf("listing dead jobs: %w", err)
		}
		if len(ids) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no dead jobs")
			return nil
		}

		for _, id := range ids {
			job, err := q.Backend().LoadJob(cmd.Context(), id)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  (unreadable: %v)\n", id, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  type=%s attempts=%d error=%s\n",
				job.ID, job.Type, job.RetryCount+1, job.Error)
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry-dead <job-id>",
	Short: "Requeue a dead-lettered job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := openQueue(cmd)
		if err := q.RetryDeadJob(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s requeued\n", args[0])
		return nil
	},
}
