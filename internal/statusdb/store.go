package statusdb

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no document exists for the requested entity.
var ErrNotFound = errors.New("statusdb: entry not found")

// ErrBusy is returned by AcquireInProgress when the sample is already under
// delivery, or when a concurrent writer changed the document between the
// caller's read and the conditional write.
var ErrBusy = errors.New("statusdb: sample already under delivery")

// Fields is a partial update: only the named fields are written, everything
// else in the document is left untouched.
type Fields map[string]any

// Store is the delivery status store. All errors other than ErrNotFound and
// ErrBusy indicate the store itself misbehaved and abort the surrounding
// operation without compensation.
type Store interface {
	Project(ctx context.Context, projectID string) (ProjectEntry, error)
	ProjectSamples(ctx context.Context, projectID string) ([]SampleEntry, error)
	Sample(ctx context.Context, projectID, sampleID string) (SampleEntry, error)

	// UpdateProject and UpdateSample apply a partial merge with
	// last-write-wins semantics.
	UpdateProject(ctx context.Context, projectID string, fields Fields) error
	UpdateSample(ctx context.Context, projectID, sampleID string, fields Fields) error

	// AcquireInProgress transitions the sample to IN_PROGRESS conditioned on
	// the revision of observed: if any other writer modified the sample
	// since observed was read, ErrBusy is returned and nothing is written.
	// A caller whose observed entry was itself IN_PROGRESS at the current
	// revision reclaims the unit, which lets a forced delivery take over a
	// delivery stranded by a crash. The delivery_started staleness
	// timestamp is set alongside the status.
	AcquireInProgress(ctx context.Context, observed SampleEntry, startedAt time.Time) error
}
