package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/genseq/courier/internal/tui"
)

func newStatusCmd(rt *runtime) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status <projectid>",
		Short: "Show the delivery status of a project and its samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			if watch {
				return tui.Run(projectID, rt.store)
			}

			ctx := cmd.Context()
			proj, err := rt.store.Project(ctx, projectID)
			if err != nil {
				return err
			}
			samples, err := rt.store.ProjectSamples(ctx, projectID)
			if err != nil {
				return err
			}
			sort.Slice(samples, func(i, j int) bool { return samples[i].SampleID < samples[j].SampleID })

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "project %s: %s\n", projectID, proj.DerivedStatus())
			if proj.PendingToken() {
				fmt.Fprintf(out, "pending transfer token: %s\n", proj.DeliveryToken)
			}
			w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SAMPLE\tANALYSIS\tDELIVERY\tTOKEN")
			for _, s := range samples {
				token := ""
				if s.DeliveryToken != "" {
					token = s.DeliveryToken
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					s.SampleID, s.AnalysisStatusOrDefault(), s.DeliveryStatusOrDefault(), token)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "follow the project interactively")
	return cmd
}
