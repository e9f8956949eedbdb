package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/51f0x/personal-kanban/eventbus"
	"github.com/51f0x/personal-kanban/internal/app"
)

func newEventsCommand(ctx *commandContext) *cobra.Command {
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Read the event log",
	}
	eventsCmd.AddCommand(newEventsReplayCommand(ctx))
	return eventsCmd
}

func newEventsReplayCommand(ctx *commandContext) *cobra.Command {
	var (
		after string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Print stored events after an offset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			cl, err := ctx.client(cmd)
			if err != nil {
				return err
			}
			defer closeClient(cl)

			_, kinds, err := app.Kinds()
			if err != nil {
				return err
			}
			bus := eventbus.New(cl, eventbus.WithStream(cfg.Events.Stream), eventbus.WithKinds(kinds))
			events, err := bus.Replay(cmd.Context(), after, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintf(out, "No events in %s\n", cfg.Events.Stream)
				return nil
			}
			rows := make([][]string, 0, len(events))
			for _, ev := range events {
				payload, _ := json.Marshal(ev.Payload)
				rows = append(rows, []string{
					ev.Offset,
					ev.Name,
					ev.AggregateID,
					ev.OccurredOn.Local().Format(time.DateTime),
					string(payload),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Offset", "Event", "Aggregate", "Occurred", "Payload"},
				rows, nil,
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&after, "after", "", "Start after this offset (default: from the beginning)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum number of events")
	return cmd
}
