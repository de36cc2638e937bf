package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/genseq/courier/internal/config"
	"github.com/genseq/courier/internal/logging"
	"github.com/genseq/courier/internal/notify"
	"github.com/genseq/courier/internal/statusdb"
	"github.com/genseq/courier/internal/transfer"
)

// runtime carries everything the subcommands share, assembled once in the
// root's PersistentPreRunE.
type runtime struct {
	cfg     *config.Config
	store   statusdb.Store
	log     zerolog.Logger
	procLog *logging.Logger
}

func (r *runtime) backend() (transfer.Backend, error) {
	switch r.cfg.Transfer.Backend {
	case config.BackendRsync:
		b := transfer.NewRsync(r.log)
		b.RemoteUser = r.cfg.Transfer.RemoteUser
		b.RemoteHost = r.cfg.Transfer.RemoteHost
		return b, nil
	case config.BackendMover:
		return r.mover(), nil
	case config.BackendS3:
		s3 := r.cfg.Transfer.S3
		return transfer.NewS3(s3.Endpoint, s3.AccessKey, s3.SecretKey, s3.Bucket, s3.Secure, r.log)
	}
	return nil, fmt.Errorf("unknown transfer backend %q", r.cfg.Transfer.Backend)
}

// asyncBackend selects the configured backend for deliveries that converge
// out-of-band: cluster hand-offs and the monitor. Rsync has no token to
// poll, so it cannot serve here.
func (r *runtime) asyncBackend() (transfer.AsyncBackend, error) {
	switch r.cfg.Transfer.Backend {
	case config.BackendMover:
		return r.mover(), nil
	case config.BackendS3:
		s3 := r.cfg.Transfer.S3
		return transfer.NewS3(s3.Endpoint, s3.AccessKey, s3.SecretKey, s3.Bucket, s3.Secure, r.log)
	}
	return nil, fmt.Errorf("transfer backend %q cannot track asynchronous deliveries", r.cfg.Transfer.Backend)
}

func (r *runtime) mover() *transfer.Mover {
	m := transfer.NewMover(r.log)
	if cmd := r.cfg.Transfer.Mover.OutboxCmd; cmd != "" {
		m.OutboxCmd = cmd
	}
	if cmd := r.cfg.Transfer.Mover.InfoCmd; cmd != "" {
		m.InfoCmd = cmd
	}
	m.RequiredVersion = r.cfg.Transfer.Mover.RequiredVersion
	return m
}

func (r *runtime) notifier() notify.Notifier {
	if len(r.cfg.Notify.Command) == 0 {
		return notify.Nop{}
	}
	return notify.NewCommand(r.cfg.Notify.Command, r.log)
}

func newRootCmd() *cobra.Command {
	rt := &runtime{}
	var configPath string
	var debug bool

	root := &cobra.Command{
		Use:           "courier",
		Short:         "Deliver sequencing data to external recipients",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			rt.log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
				Level(zerolog.InfoLevel).With().Timestamp().Logger()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			rt.cfg = cfg

			level := zerolog.InfoLevel
			if lvl, perr := zerolog.ParseLevel(cfg.Log.Level); perr == nil {
				level = lvl
			}
			if debug {
				level = zerolog.DebugLevel
			}
			proc, err := logging.New(cfg.Log.Dir, level)
			if err != nil {
				return err
			}
			rt.procLog = proc
			rt.log = proc.Logger

			store, err := statusdb.DialCouch(cfg.StatusDB.DSN())
			if err != nil {
				return err
			}
			rt.store = store
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = rt.procLog.Close()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "courier.yaml", "path to the configuration file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newDeliverCmd(rt),
		newStageCmd(rt),
		newStatusCmd(rt),
		newMonitorCmd(rt),
		newReleaseCmd(rt),
	)
	return root
}
