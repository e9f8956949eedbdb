package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair job queues",
	}
	queueCmd.AddCommand(newQueueDeadCommand(ctx))
	queueCmd.AddCommand(newQueueRequeueCommand(ctx))
	return queueCmd
}

func newQueueDeadCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead <queue>",
		Short: "List dead-lettered jobs of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := ctx.client(cmd)
			if err != nil {
				return err
			}
			defer closeClient(cl)

			jobs, err := cl.Dead(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintf(out, "No dead jobs in %s\n", args[0])
				return nil
			}
			rows := make([][]string, 0, len(jobs))
			for _, j := range jobs {
				kind := ""
				if j.Envelope != nil {
					kind = j.Envelope.Kind
				}
				rows = append(rows, []string{
					j.ID,
					kind,
					strconv.Itoa(j.Attempts),
					j.FailedAt.Local().Format(time.DateTime),
					j.LastError,
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "Kind", "Attempts", "Failed", "Error"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of jobs to list")
	return cmd
}

func newQueueRequeueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <queue> <id>",
		Short: "Move a dead job back to its queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := ctx.client(cmd)
			if err != nil {
				return err
			}
			defer closeClient(cl)

			if err := cl.Requeue(cmd.Context(), args[0], args[1]); err != nil {
				return fmt.Errorf("requeue %s: %w", args[1], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s on %s\n", args[1], args[0])
			return nil
		},
	}
}

type closer interface {
	Close(ctx context.Context) error
}

func closeClient(c closer) {
	cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = c.Close(cctx)
}
