package deliver

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/genseq/courier/internal/journal"
	"github.com/genseq/courier/internal/statusdb"
)

// DeliverProject runs the sample state machine over every sample of the
// project, then delivers project-level misc files and recomputes the
// aggregate status. One sample's failure does not stop its siblings; only a
// status store failure aborts the sweep.
func (d *Deliverer) DeliverProject(ctx context.Context, projectID string) (Outcome, error) {
	proj, err := d.store.Project(ctx, projectID)
	if err != nil {
		return NotReady, &DatabaseError{Err: err}
	}
	log := d.log.With().Str("project", projectID).Logger()

	if proj.DeliveryStatus == statusdb.Delivered && !d.cfg.Force {
		log.Info().Msg("project already delivered")
		return AlreadyDelivered, nil
	}

	samples, err := d.store.ProjectSamples(ctx, projectID)
	if err != nil {
		return NotReady, &DatabaseError{Err: err}
	}
	if len(samples) == 0 {
		log.Warn().Msg("project has no samples")
	}

	var failures []error
	for _, s := range samples {
		outcome, err := d.DeliverSample(ctx, projectID, s.SampleID)
		if err != nil {
			var dbErr *DatabaseError
			if errors.As(err, &dbErr) {
				return Incomplete, err
			}
			if ctx.Err() != nil {
				return Incomplete, err
			}
			failures = append(failures, fmt.Errorf("sample %s: %w", s.SampleID, err))
			continue
		}
		log.Info().Str("sample", s.SampleID).Str("outcome", outcome.String()).Msg("sample processed")
	}

	if len(d.cfg.MiscPatterns) > 0 {
		if err := d.deliverMisc(ctx, log, projectID); err != nil {
			var dbErr *DatabaseError
			if errors.As(err, &dbErr) {
				return Incomplete, err
			}
			failures = append(failures, fmt.Errorf("project files: %w", err))
		}
	}

	outcome, err := d.aggregateProject(ctx, log, projectID, len(failures) == 0)
	if err != nil {
		return Incomplete, err
	}
	if len(failures) > 0 {
		return Incomplete, errors.Join(failures...)
	}
	return outcome, nil
}

// deliverMisc stages and transfers project-level non-sample files under the
// miscellaneous pseudo-sample, with its own sidecars. No status entry is
// written for it; a failure simply keeps the project from aggregating.
func (d *Deliverer) deliverMisc(ctx context.Context, log zerolog.Logger, projectID string) error {
	stager, collector, patterns, err := d.prepareStage(miscID, projectID, miscID, d.cfg.MiscPatterns)
	if err != nil {
		return err
	}
	if err := stager.Stage(collector, patterns); err != nil {
		return &StagingError{Err: err}
	}
	if d.cfg.StageOnly {
		log.Info().Msg("project files staged")
		return nil
	}
	if _, err := d.transferStaged(ctx, stager, projectID, miscID); err != nil {
		return err
	}
	log.Info().Msg("project files delivered")
	return nil
}

// aggregateProject applies the all-non-aborted-samples-delivered rule. The
// project status is only ever written here (or by explicit force); a mixed
// result leaves it untouched so the sample statuses stay authoritative.
func (d *Deliverer) aggregateProject(ctx context.Context, log zerolog.Logger, projectID string, miscOK bool) (Outcome, error) {
	samples, err := d.store.ProjectSamples(ctx, projectID)
	if err != nil {
		return Incomplete, &DatabaseError{Err: err}
	}

	want := statusdb.Delivered
	finalOutcome := Delivered
	if d.cfg.StageOnly {
		want = statusdb.Staged
		finalOutcome = StagedOnly
	}

	counted := 0
	for _, s := range samples {
		if s.SampleStatusOrDefault() == statusdb.SampleAborted {
			continue
		}
		counted++
		if s.DeliveryStatus != want {
			log.Info().Str("sample", s.SampleID).
				Str("status", string(s.DeliveryStatusOrDefault())).
				Msg("project not complete yet")
			return Incomplete, nil
		}
	}
	if counted == 0 || !miscOK {
		return Incomplete, nil
	}

	if err := d.store.UpdateProject(ctx, projectID, statusdb.Fields{
		statusdb.FieldDeliveryStatus: want,
	}); err != nil {
		return Incomplete, &DatabaseError{Err: err}
	}
	if !d.cfg.StageOnly {
		d.writeAck(log, projectID, projectID)
		if err := d.reporter.Generate(ctx, projectID, ""); err != nil {
			log.Warn().Err(err).Msg("aggregate report generation failed")
		}
	}
	d.journal.Append(journal.LevelInfo, "project %s marked %s", projectID, want)
	log.Info().Str("status", string(want)).Msg("project aggregate status updated")
	return finalOutcome, nil
}
