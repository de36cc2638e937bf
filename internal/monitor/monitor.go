// Package monitor converges asynchronous deliveries: it polls the transfer
// backend for the token a delivery recorded, and when the remote side
// reports a terminal state it updates every sample riding on that token,
// clears the token and recomputes the project aggregate.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/genseq/courier/internal/notify"
	"github.com/genseq/courier/internal/pathexpand"
	"github.com/genseq/courier/internal/statusdb"
	"github.com/genseq/courier/internal/transfer"
)

// ErrStaleToken reports that the stored token changed under the monitor,
// meaning a newer delivery attempt owns the project now.
var ErrStaleToken = errors.New("monitor: stored token changed, refusing to act")

// ErrNoToken reports a project with no asynchronous delivery in flight.
var ErrNoToken = errors.New("monitor: project has no pending delivery token")

// DefaultMaxWait bounds how long a remote transfer may stay unresolved
// before the delivery is forced to FAILED and an operator is alerted.
const DefaultMaxWait = 7 * 24 * time.Hour

// Monitor polls one project's pending delivery until it converges.
type Monitor struct {
	store   statusdb.Store
	backend transfer.AsyncBackend

	// HardStagePath, when set, is the template of the local hard-stage
	// copy; its continued existence after a reported completion is treated
	// as a failed delivery.
	HardStagePath string
	// MaxWait bounds the total polling time.
	MaxWait time.Duration
	// InitialInterval and MaxInterval shape the polling backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration

	notifier notify.Notifier
	log      zerolog.Logger
	now      func() time.Time
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithLogger attaches the process logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Monitor) { m.log = log }
}

// WithClock fixes the clock used for the max-wait bound.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithNotifier sets the operator alert hook.
func WithNotifier(n notify.Notifier) Option {
	return func(m *Monitor) { m.notifier = n }
}

// New creates a Monitor.
func New(store statusdb.Store, backend transfer.AsyncBackend, opts ...Option) *Monitor {
	m := &Monitor{
		store:           store,
		backend:         backend,
		MaxWait:         DefaultMaxWait,
		InitialInterval: 30 * time.Second,
		MaxInterval:     15 * time.Minute,
		notifier:        notify.Nop{},
		log:             zerolog.Nop(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run polls until the project's pending delivery converges, the max wait
// elapses, or ctx is cancelled. A max-wait expiry forces the delivery to
// FAILED and raises an operator alert.
func (m *Monitor) Run(ctx context.Context, projectID string) (statusdb.DeliveryStatus, error) {
	proj, err := m.store.Project(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("monitor: %w", err)
	}
	if !proj.PendingToken() {
		return "", ErrNoToken
	}
	token := proj.DeliveryToken
	deadline := m.now().Add(m.MaxWait)
	log := m.log.With().Str("project", projectID).Str("token", token).Logger()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.InitialInterval
	bo.MaxInterval = m.MaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		status, done, err := m.CheckOnce(ctx, projectID, token)
		if err != nil {
			return "", err
		}
		if done {
			return status, nil
		}
		if !m.now().Before(deadline) {
			return statusdb.Failed, m.expire(ctx, log, projectID, token)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// CheckOnce performs a single poll of the remote status for token. done
// reports whether the delivery converged; the stale-token guard aborts if
// the stored token no longer matches.
func (m *Monitor) CheckOnce(ctx context.Context, projectID, token string) (statusdb.DeliveryStatus, bool, error) {
	proj, err := m.store.Project(ctx, projectID)
	if err != nil {
		return "", false, fmt.Errorf("monitor: %w", err)
	}
	if proj.DeliveryToken != token {
		return "", false, fmt.Errorf("%w: stored %q, observed %q", ErrStaleToken, proj.DeliveryToken, token)
	}

	remote, err := m.backend.Poll(ctx, token)
	if err != nil {
		m.log.Warn().Err(err).Str("token", token).Msg("status poll failed, will retry")
		return "", false, nil
	}
	switch remote {
	case transfer.RemoteDelivered:
		status := statusdb.Delivered
		if residue, rerr := m.hardStageResidue(projectID); rerr != nil {
			m.log.Warn().Err(rerr).Msg("could not check hard-stage residue")
		} else if residue {
			// remote says done but the local copy was never cleared
			m.log.Error().Str("token", token).Msg("remote reports delivered but hard-stage copy remains, failing delivery")
			status = statusdb.Failed
		}
		if err := m.converge(ctx, projectID, token, status); err != nil {
			return "", false, err
		}
		return status, true, nil
	case transfer.RemoteFailed:
		if err := m.converge(ctx, projectID, token, statusdb.Failed); err != nil {
			return "", false, err
		}
		return statusdb.Failed, true, nil
	case transfer.RemoteAccepted, transfer.RemoteInProgress:
		return "", false, nil
	}
	m.log.Warn().Str("token", token).Str("remote", string(remote)).Msg("unrecognized remote status, will retry")
	return "", false, nil
}

// hardStageResidue reports whether the project's hard-stage copy still
// exists on disk.
func (m *Monitor) hardStageResidue(projectID string) (bool, error) {
	if m.HardStagePath == "" {
		return false, nil
	}
	dir, err := pathexpand.Expand(m.HardStagePath, pathexpand.Vars{"projectid": projectID})
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// converge writes the terminal status to every sample still IN_PROGRESS
// under token, clears the token and recomputes the project aggregate.
func (m *Monitor) converge(ctx context.Context, projectID, token string, status statusdb.DeliveryStatus) error {
	samples, err := m.store.ProjectSamples(ctx, projectID)
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	for _, s := range samples {
		if s.DeliveryStatus != statusdb.InProgress || s.DeliveryToken != token {
			continue
		}
		if err := m.store.UpdateSample(ctx, projectID, s.SampleID, statusdb.Fields{
			statusdb.FieldDeliveryStatus: status,
			statusdb.FieldDeliveryToken:  statusdb.NoToken,
		}); err != nil {
			return fmt.Errorf("monitor: converge %s: %w", s.SampleID, err)
		}
	}

	fields := statusdb.Fields{statusdb.FieldDeliveryToken: statusdb.NoToken}
	if all, err := m.allDelivered(ctx, projectID); err != nil {
		return err
	} else if all {
		fields[statusdb.FieldDeliveryStatus] = statusdb.Delivered
	}
	if err := m.store.UpdateProject(ctx, projectID, fields); err != nil {
		return fmt.Errorf("monitor: converge project: %w", err)
	}
	m.log.Info().Str("project", projectID).Str("token", token).Str("status", string(status)).
		Msg("delivery converged")
	return nil
}

// allDelivered applies the all-non-aborted-samples-delivered rule.
func (m *Monitor) allDelivered(ctx context.Context, projectID string) (bool, error) {
	samples, err := m.store.ProjectSamples(ctx, projectID)
	if err != nil {
		return false, fmt.Errorf("monitor: %w", err)
	}
	counted := 0
	for _, s := range samples {
		if s.SampleStatusOrDefault() == statusdb.SampleAborted {
			continue
		}
		counted++
		if s.DeliveryStatus != statusdb.Delivered {
			return false, nil
		}
	}
	return counted > 0, nil
}

// expire forces an overdue delivery to FAILED and alerts the operators.
func (m *Monitor) expire(ctx context.Context, log zerolog.Logger, projectID, token string) error {
	log.Error().Dur("max_wait", m.MaxWait).Msg("delivery did not converge in time, forcing FAILED")
	if err := m.converge(ctx, projectID, token, statusdb.Failed); err != nil {
		return err
	}
	subject := fmt.Sprintf("delivery of %s timed out", projectID)
	body := fmt.Sprintf("transfer token %s did not reach a terminal state within %s and was forced to FAILED", token, m.MaxWait)
	if err := m.notifier.Notify(ctx, subject, body); err != nil {
		log.Warn().Err(err).Msg("operator notification failed")
	}
	return nil
}
