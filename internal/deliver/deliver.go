// Package deliver is the delivery state machine. It decides whether a
// project or sample is eligible for delivery, stages its files, hands the
// staged tree to a transfer backend and advances the externally stored
// delivery status, keeping that status recoverable under partial failure,
// cancellation and concurrent invocations.
package deliver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/genseq/courier/internal/collect"
	"github.com/genseq/courier/internal/journal"
	"github.com/genseq/courier/internal/notify"
	"github.com/genseq/courier/internal/pathexpand"
	"github.com/genseq/courier/internal/report"
	"github.com/genseq/courier/internal/staging"
	"github.com/genseq/courier/internal/statusdb"
	"github.com/genseq/courier/internal/transfer"
)

// ConfigError reports misconfiguration: an unexpandable path template or an
// invalid setting. Fatal, never retried, raised before any state mutation.
type ConfigError struct{ Err error }

func (e *ConfigError) Error() string { return fmt.Sprintf("deliver: configuration: %v", e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// StagingError reports an I/O failure building the staged tree. The unit is
// forced to FAILED and the attempt can be retried.
type StagingError struct{ Err error }

func (e *StagingError) Error() string { return fmt.Sprintf("deliver: staging: %v", e.Err) }
func (e *StagingError) Unwrap() error { return e.Err }

// TransferError reports a failed bulk transfer. The unit is forced to FAILED
// and the attempt can be retried.
type TransferError struct{ Err error }

func (e *TransferError) Error() string { return fmt.Sprintf("deliver: transfer: %v", e.Err) }
func (e *TransferError) Unwrap() error { return e.Err }

// DatabaseError reports a status store failure. The surrounding operation
// aborts immediately and no compensating status write is attempted, since
// the write path itself is what failed.
type DatabaseError struct{ Err error }

func (e *DatabaseError) Error() string { return fmt.Sprintf("deliver: status store: %v", e.Err) }
func (e *DatabaseError) Unwrap() error { return e.Err }

// Outcome classifies how a delivery attempt ended. It is meaningful only
// when the accompanying error is nil, except Incomplete which may carry the
// per-sample errors of a project run.
type Outcome int

const (
	// NotReady: a guard declined the unit (analysis not finished, sample
	// still fresh). No state was changed.
	NotReady Outcome = iota
	// Busy: another delivery holds the unit IN_PROGRESS. No state was
	// changed.
	Busy
	// SkippedAborted: the sample is aborted and was skipped, with its
	// delivery status normalized. Counts as success for the project.
	SkippedAborted
	// AlreadyDelivered: the unit was delivered previously; nothing re-ran.
	AlreadyDelivered
	// StagedOnly: stage-only mode finished and the unit is STAGED.
	StagedOnly
	// Accepted: an asynchronous backend took the transfer; the unit stays
	// IN_PROGRESS with its token recorded until the monitor converges it.
	Accepted
	// Delivered: the full stage and transfer pipeline succeeded.
	Delivered
	// Incomplete: a project run left at least one sample undelivered.
	Incomplete
)

func (o Outcome) String() string {
	switch o {
	case NotReady:
		return "not ready"
	case Busy:
		return "busy"
	case SkippedAborted:
		return "skipped (aborted)"
	case AlreadyDelivered:
		return "already delivered"
	case StagedOnly:
		return "staged"
	case Accepted:
		return "accepted"
	case Delivered:
		return "delivered"
	case Incomplete:
		return "incomplete"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Pattern is a source glob and destination template for deliverable files.
// Both sides may contain <NAME> placeholders resolved against the unit.
type Pattern struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	Required    bool   `yaml:"required"`
	NoDigest    bool   `yaml:"no_digest"`
}

// Config is the immutable per-invocation configuration of the state
// machine. Path fields are templates; they may reference each other and the
// unit's <PROJECTID>/<SAMPLEID>.
type Config struct {
	// StagingPath is where the symlinked tree and sidecars are built.
	StagingPath string
	// DeliveryPath is the transfer destination (local path, or remote path
	// when the backend carries a host).
	DeliveryPath string
	// LogPath receives the timestamped transfer logs.
	LogPath string
	// StatusPath receives the <id>_delivered.ack markers. Empty disables
	// ack markers.
	StatusPath string

	HashAlgorithm string
	NoChecksum    bool

	// SamplePatterns locate one sample's deliverable files.
	SamplePatterns []Pattern
	// MiscPatterns locate project-level files delivered after the samples.
	MiscPatterns []Pattern

	// RemoteProject is the provisioned delivery project for cluster
	// backends; empty for plain filesystem deliveries.
	RemoteProject string

	Force                bool
	StageOnly            bool
	IgnoreAnalysisStatus bool
}

// miscID names the pseudo-sample used for project-level files.
const miscID = "miscellaneous"

// Deliverer runs the delivery state machine against a status store and a
// transfer backend.
type Deliverer struct {
	cfg      Config
	store    statusdb.Store
	backend  transfer.Backend
	reporter *report.Generator
	notifier notify.Notifier
	journal  *journal.Journal

	log   zerolog.Logger
	now   func() time.Time
	newID func() string
}

// Option customizes a Deliverer.
type Option func(*Deliverer)

// WithLogger attaches the process logger.
func WithLogger(log zerolog.Logger) Option {
	return func(d *Deliverer) { d.log = log }
}

// WithClock fixes the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Deliverer) { d.now = now }
}

// WithReporter enables best-effort report generation.
func WithReporter(r *report.Generator) Option {
	return func(d *Deliverer) { d.reporter = r }
}

// WithNotifier sets the operator notification hook.
func WithNotifier(n notify.Notifier) Option {
	return func(d *Deliverer) { d.notifier = n }
}

// WithJournal records delivery events to a per-project journal.
func WithJournal(j *journal.Journal) Option {
	return func(d *Deliverer) { d.journal = j }
}

// New creates a Deliverer.
func New(cfg Config, store statusdb.Store, backend transfer.Backend, opts ...Option) (*Deliverer, error) {
	if cfg.StagingPath == "" {
		return nil, &ConfigError{Err: errors.New("staging path is not set")}
	}
	if !cfg.StageOnly && cfg.DeliveryPath == "" && cfg.RemoteProject == "" {
		return nil, &ConfigError{Err: errors.New("delivery path is not set")}
	}
	d := &Deliverer{
		cfg:      cfg,
		store:    store,
		backend:  backend,
		notifier: notify.Nop{},
		log:      zerolog.Nop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Deliverer) vars(projectID, sampleID string) pathexpand.Vars {
	return pathexpand.Vars{
		"projectid":    projectID,
		"sampleid":     sampleID,
		"stagingpath":  d.cfg.StagingPath,
		"deliverypath": d.cfg.DeliveryPath,
		"logpath":      d.cfg.LogPath,
		"statuspath":   d.cfg.StatusPath,
	}
}

func (d *Deliverer) expand(template, projectID, sampleID string) (string, error) {
	out, err := pathexpand.Expand(template, d.vars(projectID, sampleID))
	if err != nil {
		return "", &ConfigError{Err: err}
	}
	return out, nil
}

// expandPatterns resolves pattern templates into concrete collect patterns.
// A pattern with no destination lands in the staging tree, preserving the
// structure relative to the matched directory's parent.
func (d *Deliverer) expandPatterns(patterns []Pattern, stagingDir, projectID, sampleID string) ([]collect.Pattern, error) {
	out := make([]collect.Pattern, 0, len(patterns))
	for _, p := range patterns {
		src, err := d.expand(p.Source, projectID, sampleID)
		if err != nil {
			return nil, err
		}
		dst := stagingDir
		if p.Destination != "" {
			if dst, err = d.expand(p.Destination, projectID, sampleID); err != nil {
				return nil, err
			}
		}
		out = append(out, collect.Pattern{
			Source:      src,
			Destination: dst,
			Required:    p.Required,
			NoDigest:    p.NoDigest,
		})
	}
	return out, nil
}

func (d *Deliverer) collector() (*collect.Collector, error) {
	opts := []collect.Option{
		collect.WithAlgorithm(d.cfg.HashAlgorithm),
		collect.WithLogger(d.log),
	}
	if d.cfg.NoChecksum {
		opts = append(opts, collect.WithoutChecksums())
	}
	c, err := collect.New(opts...)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	return c, nil
}

// DeliverSample runs the sample-level state machine. The guards are
// evaluated against the stored entry in a fixed order; Force bypasses the
// readiness and short-circuit guards but never the aborted-sample skip.
func (d *Deliverer) DeliverSample(ctx context.Context, projectID, sampleID string) (Outcome, error) {
	entry, err := d.store.Sample(ctx, projectID, sampleID)
	if err != nil {
		return NotReady, &DatabaseError{Err: err}
	}
	log := d.log.With().Str("project", projectID).Str("sample", sampleID).Logger()

	if entry.AnalysisStatusOrDefault() != statusdb.AnalysisDone && !d.cfg.Force && !d.cfg.IgnoreAnalysisStatus {
		log.Info().Str("analysis_status", entry.AnalysisStatusOrDefault()).Msg("sample not analyzed, skipping")
		return NotReady, nil
	}
	if entry.DeliveryStatus == statusdb.Delivered && !d.cfg.Force {
		log.Info().Msg("sample already delivered")
		return AlreadyDelivered, nil
	}
	if entry.DeliveryStatus == statusdb.InProgress {
		if !d.cfg.Force {
			log.Info().Msg("sample delivery already in progress")
			return Busy, nil
		}
		log.Warn().Msg("forcing takeover of in-progress delivery")
	}
	if entry.SampleStatusOrDefault() == statusdb.SampleAborted {
		// aborted samples never block a project; reset any stale status
		if entry.HasDeliveryStatus() && entry.DeliveryStatus != statusdb.NotDelivered {
			if err := d.store.UpdateSample(ctx, projectID, sampleID, statusdb.Fields{
				statusdb.FieldDeliveryStatus: statusdb.NotDelivered,
			}); err != nil {
				return NotReady, &DatabaseError{Err: err}
			}
		}
		log.Info().Msg("sample aborted, skipping")
		return SkippedAborted, nil
	}
	if entry.SampleStatusOrDefault() == statusdb.SampleFresh && !d.cfg.Force {
		log.Info().Msg("sample not sequenced yet, skipping")
		return NotReady, nil
	}
	if entry.DeliveryStatus == statusdb.Failed {
		log.Info().Msg("retrying previously failed delivery")
		d.journal.Append(journal.LevelWarn, "retrying previously failed delivery of %s", sampleID)
	}

	if err := d.store.AcquireInProgress(ctx, entry, d.now()); err != nil {
		if errors.Is(err, statusdb.ErrBusy) {
			log.Info().Msg("lost delivery race, sample is busy")
			return Busy, nil
		}
		return NotReady, &DatabaseError{Err: err}
	}

	outcome, err := d.runSample(ctx, log, projectID, sampleID)
	if err != nil {
		d.recoverSample(ctx, log, projectID, sampleID, err)
		return outcome, err
	}
	return outcome, nil
}

// runSample is the pipeline after the unit is held IN_PROGRESS: report,
// stage, then either stop at STAGED or transfer and finalize.
func (d *Deliverer) runSample(ctx context.Context, log zerolog.Logger, projectID, sampleID string) (Outcome, error) {
	attempt := d.newID()
	log = log.With().Str("attempt", attempt).Logger()
	d.journal.Append(journal.LevelInfo, "delivery of %s started (attempt %s)", sampleID, attempt)

	if err := d.reporter.Generate(ctx, projectID, sampleID); err != nil {
		log.Warn().Err(err).Msg("report generation failed, continuing")
	}

	stager, collector, patterns, err := d.prepareStage(sampleID, projectID, sampleID, d.cfg.SamplePatterns)
	if err != nil {
		return NotReady, err
	}
	if err := stager.Stage(collector, patterns); err != nil {
		return NotReady, &StagingError{Err: err}
	}
	log.Info().Str("staging_dir", stager.Dir()).Msg("sample staged")

	if d.cfg.StageOnly {
		if err := d.store.UpdateSample(ctx, projectID, sampleID, statusdb.Fields{
			statusdb.FieldDeliveryStatus: statusdb.Staged,
		}); err != nil {
			return NotReady, &DatabaseError{Err: err}
		}
		d.journal.Append(journal.LevelInfo, "sample %s staged", sampleID)
		return StagedOnly, nil
	}

	rec, err := d.transferStaged(ctx, stager, projectID, sampleID)
	if err != nil {
		return NotReady, err
	}
	if rec.Token != "" {
		// asynchronous backend: stay IN_PROGRESS, the monitor converges
		if err := d.store.UpdateSample(ctx, projectID, sampleID, statusdb.Fields{
			statusdb.FieldDeliveryToken: rec.Token,
		}); err != nil {
			return NotReady, &DatabaseError{Err: err}
		}
		d.journal.Append(journal.LevelInfo, "transfer of %s accepted, token %s", sampleID, rec.Token)
		log.Info().Str("token", rec.Token).Msg("transfer accepted, awaiting remote completion")
		return Accepted, nil
	}

	if err := d.store.UpdateSample(ctx, projectID, sampleID, statusdb.Fields{
		statusdb.FieldDeliveryStatus: statusdb.Delivered,
		statusdb.FieldDeliveryToken:  statusdb.NoToken,
	}); err != nil {
		return NotReady, &DatabaseError{Err: err}
	}
	d.writeAck(log, projectID, sampleID)
	d.aggregateMeta(ctx, log, projectID, sampleID, stager.DigestFile())
	d.journal.Append(journal.LevelInfo, "sample %s delivered", sampleID)
	log.Info().Msg("sample delivered")
	return Delivered, nil
}

// prepareStage expands paths and patterns for one unit and builds its
// stager. id is the sidecar/tree name, which differs from sampleID only for
// project-level misc files.
func (d *Deliverer) prepareStage(id, projectID, sampleID string, patterns []Pattern) (*staging.Stager, *collect.Collector, []collect.Pattern, error) {
	stagingDir, err := d.expand(d.cfg.StagingPath, projectID, sampleID)
	if err != nil {
		return nil, nil, nil, err
	}
	collector, err := d.collector()
	if err != nil {
		return nil, nil, nil, err
	}
	expanded, err := d.expandPatterns(patterns, stagingDir, projectID, sampleID)
	if err != nil {
		return nil, nil, nil, err
	}
	return staging.New(stagingDir, id, collector.Algorithm(), d.log), collector, expanded, nil
}

// transferStaged hands the staged tree to the backend with a timestamped
// durable log.
func (d *Deliverer) transferStaged(ctx context.Context, stager *staging.Stager, projectID, unitID string) (transfer.Record, error) {
	dest := ""
	if d.cfg.DeliveryPath != "" {
		var err error
		if dest, err = d.expand(d.cfg.DeliveryPath, projectID, unitID); err != nil {
			return transfer.Record{}, err
		}
	}
	logDir, err := d.expand(d.cfg.LogPath, projectID, unitID)
	if err != nil {
		return transfer.Record{}, err
	}
	prefix := filepath.Join(logDir, fmt.Sprintf("%s_%s", unitID, d.now().UTC().Format("20060102_150405")))
	rec, err := d.backend.Transfer(ctx, transfer.Request{
		SourceDir:     stager.Dir(),
		FileList:      stager.FileList(),
		Destination:   dest,
		RemoteProject: d.cfg.RemoteProject,
		LogPrefix:     prefix,
	})
	if err != nil {
		return rec, &TransferError{Err: err}
	}
	return rec, nil
}

// recoverSample leaves the unit in a safe terminal state after a failed
// attempt: cancellation rolls back to NOT_DELIVERED so a clean retry looks
// like a fresh start, anything else becomes FAILED. Store failures get no
// compensating write.
func (d *Deliverer) recoverSample(ctx context.Context, log zerolog.Logger, projectID, sampleID string, cause error) {
	var dbErr *DatabaseError
	if errors.As(cause, &dbErr) {
		log.Error().Err(cause).Msg("status store failure, leaving sample state as-is")
		return
	}
	status := statusdb.Failed
	if ctx.Err() != nil {
		status = statusdb.NotDelivered
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := d.store.UpdateSample(wctx, projectID, sampleID, statusdb.Fields{
		statusdb.FieldDeliveryStatus: status,
	}); err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("could not record terminal status after failure")
	}
	d.journal.Append(journal.LevelError, "delivery of %s ended as %s: %v", sampleID, status, cause)
	log.Error().Err(cause).Str("status", string(status)).Msg("delivery attempt failed")
	if status == statusdb.Failed {
		subject := fmt.Sprintf("delivery of %s/%s failed", projectID, sampleID)
		if nerr := d.notifier.Notify(wctx, subject, cause.Error()); nerr != nil {
			log.Warn().Err(nerr).Msg("operator notification failed")
		}
	}
}

// writeAck drops the <id>_delivered.ack marker: a single UTC timestamp
// line. Best effort.
func (d *Deliverer) writeAck(log zerolog.Logger, projectID, unitID string) {
	if d.cfg.StatusPath == "" {
		return
	}
	dir, err := d.expand(d.cfg.StatusPath, projectID, unitID)
	if err != nil {
		log.Warn().Err(err).Msg("could not resolve ack path")
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn().Err(err).Msg("could not create ack dir")
		return
	}
	path := filepath.Join(dir, unitID+"_delivered.ack")
	line := d.now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("could not write ack marker")
	}
}

// aggregateMeta records the delivered files and their digests on the status
// entry. Best effort.
func (d *Deliverer) aggregateMeta(ctx context.Context, log zerolog.Logger, projectID, sampleID, digestPath string) {
	f, err := os.Open(digestPath)
	if err != nil {
		log.Warn().Err(err).Msg("could not read digest sidecar for meta aggregation")
		return
	}
	defer f.Close()
	files := map[string]any{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		digest, rel, ok := strings.Cut(scanner.Text(), "  ")
		if !ok {
			continue
		}
		files[rel] = digest
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("could not read digest sidecar for meta aggregation")
		return
	}
	if len(files) == 0 {
		return
	}
	if err := d.store.UpdateSample(ctx, projectID, sampleID, statusdb.Fields{
		statusdb.FieldDeliveredFiles: files,
	}); err != nil {
		log.Warn().Err(err).Msg("could not aggregate delivered file metadata")
	}
}
