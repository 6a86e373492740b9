package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/spider/internal/ids"
	"github.com/aristath/spider/internal/persistence"
)

func newWorkerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Register workers and record their heartbeats",
	}
	cmd.AddCommand(newWorkerRegisterCmd(a), newWorkerHeartbeatCmd(a))
	return cmd
}

func newWorkerRegisterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "register ADDR",
		Short: "Register a worker and print its ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(store *persistence.SQLiteStore) error {
				id, err := store.RegisterWorker(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				a.log.WithField("worker-id", id).Info("worker registered")
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
}

func newWorkerHeartbeatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat WORKER",
		Short: "Record a heartbeat for a registered worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := ids.Parse[ids.Worker](args[0])
			if err != nil {
				return fmt.Errorf("worker: %w", err)
			}
			return a.withStore(cmd, func(store *persistence.SQLiteStore) error {
				return store.UpdateHeartbeat(cmd.Context(), id)
			})
		},
	}
}
