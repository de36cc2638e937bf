// Package cluster layers externally provisioned delivery on top of the
// delivery state machine: pre-flight checks, delivery-project provisioning,
// physical hard staging and the asynchronous hand-off to the cluster's
// transfer tool.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/genseq/courier/internal/deliver"
	"github.com/genseq/courier/internal/pathexpand"
	"github.com/genseq/courier/internal/provision"
	"github.com/genseq/courier/internal/statusdb"
	"github.com/genseq/courier/internal/transfer"
)

// ErrAlreadyUnderDelivery reports a hard-stage directory left by a previous
// delivery that has not been cleared yet.
var ErrAlreadyUnderDelivery = errors.New("cluster: project is already under delivery, hard-stage directory exists")

// ErrDeclined reports an operator refusing the sensitivity confirmation.
var ErrDeclined = errors.New("cluster: delivery not confirmed by operator")

// Prompter asks the operator a yes/no question. Tests inject a canned
// answer; the CLI wires a terminal prompt.
type Prompter func(question string) (bool, error)

// versionChecker is implemented by backends with a tool-version pre-flight.
type versionChecker interface {
	CheckVersion(ctx context.Context) error
}

// Config is the cluster-specific configuration on top of deliver.Config.
type Config struct {
	// HardStagePath is the template of the physical copy handed to the
	// transfer tool.
	HardStagePath string
	// Sensitive classifies the data; it selects backend policy on the
	// remote side and must be confirmed interactively.
	Sensitive bool
	// PIEmail overrides order-portal owner resolution when set.
	PIEmail string
	// OrderID identifies the project in the order portal for owner
	// resolution.
	OrderID string
	// MemberEmails are additional recipients granted access.
	MemberEmails []string
}

// Orchestrator drives one cluster delivery of a project.
type Orchestrator struct {
	cfg     Config
	base    deliver.Config
	store   statusdb.Store
	backend transfer.AsyncBackend
	prov    *provision.Client
	portal  *provision.OrderPortal
	prompt  Prompter
	log     zerolog.Logger
	now     func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger attaches the process logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithClock fixes the clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithPrompter sets the interactive confirmation hook.
func WithPrompter(p Prompter) Option {
	return func(o *Orchestrator) { o.prompt = p }
}

// WithOrderPortal enables owner resolution through the order portal.
func WithOrderPortal(p *provision.OrderPortal) Option {
	return func(o *Orchestrator) { o.portal = p }
}

// New creates an Orchestrator. base is the state machine configuration used
// for the staging pass.
func New(cfg Config, base deliver.Config, store statusdb.Store, backend transfer.AsyncBackend, prov *provision.Client, opts ...Option) (*Orchestrator, error) {
	if cfg.HardStagePath == "" {
		return nil, fmt.Errorf("cluster: hard-stage path is not set")
	}
	o := &Orchestrator{
		cfg:     cfg,
		base:    base,
		store:   store,
		backend: backend,
		prov:    prov,
		prompt:  func(string) (bool, error) { return false, ErrDeclined },
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *Orchestrator) expand(template, projectID string) (string, error) {
	return pathexpand.Expand(template, pathexpand.Vars{
		"projectid":     projectID,
		"stagingpath":   o.base.StagingPath,
		"hardstagepath": o.cfg.HardStagePath,
	})
}

// Preflight runs every check that must pass before any state mutation: tool
// version, hard-stage conflict and the sensitivity confirmation.
func (o *Orchestrator) Preflight(ctx context.Context, projectID string) error {
	if vc, ok := o.backend.(versionChecker); ok {
		if err := vc.CheckVersion(ctx); err != nil {
			return fmt.Errorf("cluster: transfer tool pre-flight: %w", err)
		}
	}
	hardDir, err := o.expand(o.cfg.HardStagePath, projectID)
	if err != nil {
		return fmt.Errorf("cluster: resolve hard-stage path: %w", err)
	}
	if _, err := os.Stat(hardDir); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyUnderDelivery, hardDir)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("cluster: check hard-stage path: %w", err)
	}

	classification := "NON-SENSITIVE"
	if o.cfg.Sensitive {
		classification = "SENSITIVE"
	}
	ok, err := o.prompt(fmt.Sprintf("Delivering %s as %s data. Proceed?", projectID, classification))
	if err != nil {
		return fmt.Errorf("cluster: confirmation: %w", err)
	}
	if !ok {
		return ErrDeclined
	}
	return nil
}

// provisionProject resolves the owner and creates the external delivery
// project.
func (o *Orchestrator) provisionProject(ctx context.Context, projectID string) (provision.Project, error) {
	piEmail := o.cfg.PIEmail
	if piEmail == "" {
		if o.portal == nil {
			return provision.Project{}, fmt.Errorf("cluster: no PI email and no order portal configured")
		}
		var err error
		if piEmail, err = o.portal.PIEmail(ctx, o.cfg.OrderID); err != nil {
			return provision.Project{}, err
		}
		o.log.Info().Str("project", projectID).Str("pi_email", piEmail).Msg("resolved PI from order portal")
	}
	piID, err := o.prov.ResolveMember(ctx, piEmail)
	if err != nil {
		return provision.Project{}, err
	}
	var memberIDs []int
	for _, email := range o.cfg.MemberEmails {
		id, err := o.prov.ResolveMember(ctx, email)
		if err != nil {
			return provision.Project{}, err
		}
		memberIDs = append(memberIDs, id)
	}
	return o.prov.CreateProject(ctx, projectID, piID, memberIDs, o.cfg.Sensitive)
}

// Deliver runs the full cluster pipeline: pre-flight, provisioning, staging
// every eligible sample, hard staging and the asynchronous hand-off. On
// success the project and its staged samples are left IN_PROGRESS carrying
// the transfer token for the monitor to converge.
func (o *Orchestrator) Deliver(ctx context.Context, projectID string, newDeliverer func(deliver.Config) (*deliver.Deliverer, error)) error {
	if err := o.Preflight(ctx, projectID); err != nil {
		return err
	}

	proj, err := o.provisionProject(ctx, projectID)
	if err != nil {
		return err
	}

	// stage-only pass through the state machine; the transfer is ours
	cfg := o.base
	cfg.StageOnly = true
	cfg.RemoteProject = proj.ID
	d, err := newDeliverer(cfg)
	if err != nil {
		return err
	}
	if _, err := d.DeliverProject(ctx, projectID); err != nil {
		return err
	}

	staged, err := o.stagedSamples(ctx, projectID)
	if err != nil {
		return err
	}
	if len(staged) == 0 {
		return fmt.Errorf("cluster: no samples were staged for %s", projectID)
	}

	hardDir, err := o.expand(o.cfg.HardStagePath, projectID)
	if err != nil {
		return fmt.Errorf("cluster: resolve hard-stage path: %w", err)
	}
	stagingDir, err := o.expand(o.base.StagingPath, projectID)
	if err != nil {
		return fmt.Errorf("cluster: resolve staging path: %w", err)
	}
	for _, s := range staged {
		if err := hardStage(stagingDir, hardDir, s.SampleID); err != nil {
			return err
		}
	}
	o.log.Info().Str("project", projectID).Int("samples", len(staged)).Str("dir", hardDir).Msg("hard staging complete")

	logDir, err := o.expand(o.base.LogPath, projectID)
	if err != nil {
		return fmt.Errorf("cluster: resolve log path: %w", err)
	}
	rec, err := o.backend.Transfer(ctx, transfer.Request{
		SourceDir:     hardDir,
		RemoteProject: proj.ID,
		LogPrefix:     filepath.Join(logDir, fmt.Sprintf("%s_%s", projectID, o.now().UTC().Format("20060102_150405"))),
	})
	if err != nil {
		return fmt.Errorf("cluster: hand-off to transfer tool: %w", err)
	}

	return o.recordToken(ctx, projectID, staged, proj.ID, rec.Token)
}

// stagedSamples returns the samples the staging pass left in STAGED.
func (o *Orchestrator) stagedSamples(ctx context.Context, projectID string) ([]statusdb.SampleEntry, error) {
	samples, err := o.store.ProjectSamples(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var staged []statusdb.SampleEntry
	for _, s := range samples {
		if s.DeliveryStatus == statusdb.Staged {
			staged = append(staged, s)
		}
	}
	return staged, nil
}

// recordToken correlates the delivery project and transfer token into the
// status store: the samples go IN_PROGRESS under the token, the project
// records the token, start time and delivery-project history.
func (o *Orchestrator) recordToken(ctx context.Context, projectID string, staged []statusdb.SampleEntry, deliveryProject, token string) error {
	started := o.now().UTC()
	for _, s := range staged {
		if err := o.store.UpdateSample(ctx, projectID, s.SampleID, statusdb.Fields{
			statusdb.FieldDeliveryStatus:   statusdb.InProgress,
			statusdb.FieldDeliveryToken:    token,
			statusdb.FieldDeliveryProjects: appendUnique(s.DeliveryProjects, deliveryProject),
			statusdb.FieldDeliveryStarted:  started,
		}); err != nil {
			return fmt.Errorf("cluster: record token on %s: %w", s.SampleID, err)
		}
	}
	proj, err := o.store.Project(ctx, projectID)
	if err != nil {
		return fmt.Errorf("cluster: record token: %w", err)
	}
	if err := o.store.UpdateProject(ctx, projectID, statusdb.Fields{
		statusdb.FieldDeliveryToken:    token,
		statusdb.FieldDeliveryProjects: appendUnique(proj.DeliveryProjects, deliveryProject),
		statusdb.FieldDeliveryStarted:  started,
	}); err != nil {
		return fmt.Errorf("cluster: record token: %w", err)
	}
	o.log.Info().Str("project", projectID).Str("delivery_project", deliveryProject).Str("token", token).
		Msg("delivery handed off, awaiting remote completion")
	return nil
}

// appendUnique keeps the delivery-project history append-only and
// deduplicated.
func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(append([]string(nil), list...), value)
}
