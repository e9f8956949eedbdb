package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/51f0x/personal-kanban/internal/app/api"
	"github.com/51f0x/personal-kanban/internal/app/worker"
)

const closeTimeout = 5 * time.Second

func newAPICommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the HTTP API, the request handlers and live board updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			lg, err := ctx.logger(cmd, "kanban-api")
			if err != nil {
				return err
			}
			a, err := api.New(cmd.Context(), cfg, api.Options{Logger: lg})
			if err != nil {
				return err
			}
			runErr := a.Run(cmd.Context())
			cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			return errors.Join(ignoreCanceled(runErr), a.Close(cctx))
		},
	}
}

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Analyze captured tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			lg, err := ctx.logger(cmd, "kanban-worker")
			if err != nil {
				return err
			}
			w, err := worker.New(cfg, worker.Options{Logger: lg})
			if err != nil {
				return err
			}
			runErr := w.Run(cmd.Context())
			cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			return errors.Join(ignoreCanceled(runErr), w.Close(cctx))
		},
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
