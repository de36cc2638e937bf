package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/genseq/courier/internal/monitor"
)

func newMonitorCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor <projectid>",
		Short: "Poll a pending asynchronous transfer until it converges",
		Long: `Monitor polls the transfer tool for the project's pending delivery token
and converges the status store once the remote side reports completion or
failure. The wait is bounded; an expired wait marks the delivery FAILED and
alerts the operator.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			backend, err := rt.asyncBackend()
			if err != nil {
				return err
			}
			m := monitor.New(rt.store, backend,
				monitor.WithLogger(rt.log),
				monitor.WithNotifier(rt.notifier()),
			)
			m.HardStagePath = rt.cfg.Cluster.HardStagePath
			m.MaxWait = rt.cfg.Monitor.MaxWait.Std()
			m.InitialInterval = rt.cfg.Monitor.PollInterval.Std()

			status, err := m.Run(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project %s: %s\n", projectID, status)
			return nil
		},
	}
	return cmd
}
