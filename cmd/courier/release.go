package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/genseq/courier/internal/provision"
)

func newReleaseCmd(rt *runtime) *cobra.Command {
	var deadlineDays int
	var yes bool

	cmd := &cobra.Command{
		Use:   "release <delivery-project>",
		Short: "Release a provisioned delivery project to its recipients",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deliveryProject := args[0]
			if !yes {
				ok, err := terminalPrompter()(fmt.Sprintf(
					"Release %s with a %d day download deadline?", deliveryProject, deadlineDays))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("release of %s not confirmed", deliveryProject)
				}
			}
			prov := provision.New(rt.cfg.Cluster.APIURL, rt.cfg.Cluster.APIUser, rt.cfg.Cluster.APIPassword, rt.log)
			if err := prov.Release(cmd.Context(), deliveryProject, deadlineDays); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", deliveryProject)
			return nil
		},
	}
	cmd.Flags().IntVar(&deadlineDays, "deadline", provision.DefaultDeadlineDays, "download deadline in days")
	cmd.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	return cmd
}
