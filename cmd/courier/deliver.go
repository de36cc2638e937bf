package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/genseq/courier/internal/cluster"
	"github.com/genseq/courier/internal/deliver"
	"github.com/genseq/courier/internal/journal"
	"github.com/genseq/courier/internal/provision"
	"github.com/genseq/courier/internal/report"
	"github.com/genseq/courier/internal/transfer"
)

// deliverFlags are the mode switches shared by deliver and stage.
type deliverFlags struct {
	force          bool
	stageOnly      bool
	ignoreAnalysis bool
	noChecksum     bool
	hashAlgorithm  string

	clusterMode  bool
	sensitive    bool
	notSensitive bool
	piEmail      string
	orderID      string
	members      []string
}

func (f *deliverFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.force, "force", false, "bypass the delivered/in-progress/readiness guards")
	cmd.Flags().BoolVar(&f.stageOnly, "stage-only", false, "stage the files and stop before the transfer")
	cmd.Flags().BoolVar(&f.ignoreAnalysis, "ignore-analysis-status", false, "deliver samples whose analysis has not finished")
	cmd.Flags().BoolVar(&f.noChecksum, "no-checksum", false, "skip digest computation")
	cmd.Flags().StringVar(&f.hashAlgorithm, "hash-algorithm", "", "digest algorithm (md5, sha1, sha256)")
}

func (f *deliverFlags) registerCluster(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.clusterMode, "cluster", false, "deliver through a provisioned cluster delivery project")
	cmd.Flags().BoolVar(&f.sensitive, "sensitive", false, "classify the data as sensitive")
	cmd.Flags().BoolVar(&f.notSensitive, "no-sensitive", false, "classify the data as non-sensitive")
	cmd.Flags().StringVar(&f.piEmail, "pi-email", "", "delivery project owner email (skips order portal lookup)")
	cmd.Flags().StringVar(&f.orderID, "order-id", "", "order portal id used to resolve the owner")
	cmd.Flags().StringSliceVar(&f.members, "member", nil, "additional recipient email (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("sensitive", "no-sensitive")
}

// deliverer assembles the state machine with the report, journal and
// notification hooks the configuration enables.
func (r *runtime) deliverer(cfg deliver.Config, projectID string, backend transfer.Backend) (*deliver.Deliverer, error) {
	opts := []deliver.Option{
		deliver.WithLogger(r.log),
		deliver.WithNotifier(r.notifier()),
	}
	if r.cfg.Delivery.Report != nil {
		opts = append(opts, deliver.WithReporter(report.New(r.cfg.Delivery.Report, r.cfg.Log.Dir, r.log)))
	}
	if r.cfg.Log.Dir != "" {
		j, err := journal.New(r.cfg.Log.Dir, projectID)
		if err != nil {
			r.log.Warn().Err(err).Msg("delivery journal unavailable")
		} else {
			opts = append(opts, deliver.WithJournal(j))
		}
	}
	return deliver.New(cfg, r.store, backend, opts...)
}

func newDeliverCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Deliver a project or a single sample",
	}

	projectFlags := &deliverFlags{}
	project := &cobra.Command{
		Use:   "project <projectid>",
		Short: "Deliver every eligible sample of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			if projectFlags.clusterMode {
				return runClusterDelivery(cmd, rt, projectFlags, projectID)
			}
			backend, err := rt.backend()
			if err != nil {
				return err
			}
			cfg := rt.cfg.DeliverConfig(projectFlags.force, projectFlags.stageOnly,
				projectFlags.ignoreAnalysis, projectFlags.noChecksum, projectFlags.hashAlgorithm)
			d, err := rt.deliverer(cfg, projectID, backend)
			if err != nil {
				return err
			}
			outcome, err := d.DeliverProject(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project %s: %s\n", projectID, outcome)
			return nil
		},
	}
	projectFlags.register(project)
	projectFlags.registerCluster(project)

	sampleFlags := &deliverFlags{}
	sample := &cobra.Command{
		Use:   "sample <projectid> <sampleid>",
		Short: "Deliver one sample",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, sampleID := args[0], args[1]
			backend, err := rt.backend()
			if err != nil {
				return err
			}
			cfg := rt.cfg.DeliverConfig(sampleFlags.force, sampleFlags.stageOnly,
				sampleFlags.ignoreAnalysis, sampleFlags.noChecksum, sampleFlags.hashAlgorithm)
			d, err := rt.deliverer(cfg, projectID, backend)
			if err != nil {
				return err
			}
			outcome, err := d.DeliverSample(cmd.Context(), projectID, sampleID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sample %s/%s: %s\n", projectID, sampleID, outcome)
			return nil
		},
	}
	sampleFlags.register(sample)

	cmd.AddCommand(project, sample)
	return cmd
}

func runClusterDelivery(cmd *cobra.Command, rt *runtime, flags *deliverFlags, projectID string) error {
	if !flags.sensitive && !flags.notSensitive {
		return fmt.Errorf("cluster delivery requires an explicit --sensitive or --no-sensitive classification")
	}
	backend, err := rt.asyncBackend()
	if err != nil {
		return err
	}
	prov := provision.New(rt.cfg.Cluster.APIURL, rt.cfg.Cluster.APIUser, rt.cfg.Cluster.APIPassword, rt.log)

	clusterCfg := cluster.Config{
		HardStagePath: rt.cfg.Cluster.HardStagePath,
		Sensitive:     flags.sensitive,
		PIEmail:       flags.piEmail,
		OrderID:       flags.orderID,
		MemberEmails:  flags.members,
	}
	base := rt.cfg.DeliverConfig(flags.force, true, flags.ignoreAnalysis, flags.noChecksum, flags.hashAlgorithm)

	opts := []cluster.Option{
		cluster.WithLogger(rt.log),
		cluster.WithPrompter(terminalPrompter()),
	}
	if rt.cfg.Cluster.OrderPortal.URL != "" {
		opts = append(opts, cluster.WithOrderPortal(
			provision.NewOrderPortal(rt.cfg.Cluster.OrderPortal.URL, rt.cfg.Cluster.OrderPortal.Token)))
	}
	o, err := cluster.New(clusterCfg, base, rt.store, backend, prov, opts...)
	if err != nil {
		return err
	}
	return o.Deliver(cmd.Context(), projectID, func(cfg deliver.Config) (*deliver.Deliverer, error) {
		return rt.deliverer(cfg, projectID, backend)
	})
}

// terminalPrompter asks on stderr and reads the answer from stdin.
func terminalPrompter() cluster.Prompter {
	return func(question string) (bool, error) {
		fmt.Fprintf(os.Stderr, "%s [y/N] ", question)
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return false, err
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	}
}

func newStageCmd(rt *runtime) *cobra.Command {
	flags := &deliverFlags{}
	cmd := &cobra.Command{
		Use:   "stage <projectid> [sampleid]",
		Short: "Stage files without transferring them",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			cfg := rt.cfg.DeliverConfig(flags.force, true, flags.ignoreAnalysis, flags.noChecksum, flags.hashAlgorithm)
			d, err := rt.deliverer(cfg, projectID, nil)
			if err != nil {
				return err
			}
			if len(args) == 2 {
				outcome, err := d.DeliverSample(cmd.Context(), projectID, args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sample %s/%s: %s\n", projectID, args[1], outcome)
				return nil
			}
			outcome, err := d.DeliverProject(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project %s: %s\n", projectID, outcome)
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.force, "force", false, "bypass the delivered/in-progress/readiness guards")
	cmd.Flags().BoolVar(&flags.ignoreAnalysis, "ignore-analysis-status", false, "stage samples whose analysis has not finished")
	cmd.Flags().BoolVar(&flags.noChecksum, "no-checksum", false, "skip digest computation")
	cmd.Flags().StringVar(&flags.hashAlgorithm, "hash-algorithm", "", "digest algorithm (md5, sha1, sha256)")
	return cmd
}
