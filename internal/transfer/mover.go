package transfer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// Default tape-archive tool names; overridable for site installs that wrap
// them.
const (
	defaultOutboxCmd = "to_outbox"
	defaultInfoCmd   = "moverinfo"
)

var moverVersionRe = regexp.MustCompile(`version (\d+\.\d+\.\d+)`)

// Mover hands a hard-staged tree to the tape-archive outbox tool. The outbox
// call returns immediately with an opaque delivery token; actual completion
// is observed by polling the companion info tool.
type Mover struct {
	// OutboxCmd and InfoCmd name the CLI tools, defaulting to to_outbox
	// and moverinfo.
	OutboxCmd string
	InfoCmd   string
	// RequiredVersion, when set, is the only tool version accepted by
	// CheckVersion.
	RequiredVersion string

	log zerolog.Logger
	run commandRunner
}

// NewMover creates the tape-archive Backend.
func NewMover(log zerolog.Logger) *Mover {
	return &Mover{
		OutboxCmd: defaultOutboxCmd,
		InfoCmd:   defaultInfoCmd,
		log:       log,
		run:       runLogged,
	}
}

// Transfer implements Backend. SourceDir must be the hard-staged tree; the
// returned token correlates the delivery with later Poll calls.
func (m *Mover) Transfer(ctx context.Context, req Request) (Record, error) {
	stdout, err := m.run(ctx, req.LogPrefix, m.OutboxCmd, req.SourceDir, req.RemoteProject)
	if err != nil {
		return Record{OK: false, LogPath: req.LogPrefix + ".err"}, err
	}
	token := strings.TrimSpace(stdout)
	if token == "" {
		return Record{OK: false, LogPath: req.LogPrefix + ".out"},
			fmt.Errorf("transfer: %s returned no delivery token", m.OutboxCmd)
	}
	m.log.Info().Str("token", token).Str("delivery_project", req.RemoteProject).Msg("transfer accepted by mover")
	return Record{OK: true, LogPath: req.LogPrefix + ".out", Token: token}, nil
}

// Poll implements AsyncBackend.
func (m *Mover) Poll(ctx context.Context, token string) (RemoteStatus, error) {
	stdout, err := m.run(ctx, "", m.InfoCmd, "-i", token)
	if err != nil {
		return RemoteUnknown, err
	}
	status, _, _ := strings.Cut(strings.TrimSpace(stdout), ":")
	switch RemoteStatus(status) {
	case RemoteAccepted, RemoteInProgress, RemoteDelivered, RemoteFailed:
		return RemoteStatus(status), nil
	}
	return RemoteUnknown, nil
}

// CheckVersion verifies the installed info tool matches RequiredVersion.
// A mismatch is fatal for delivery and reported before any state mutation.
func (m *Mover) CheckVersion(ctx context.Context) error {
	if m.RequiredVersion == "" {
		return nil
	}
	stdout, err := m.run(ctx, "", m.InfoCmd, "--version")
	if err != nil {
		return fmt.Errorf("transfer: could not determine %s version: %w", m.InfoCmd, err)
	}
	match := moverVersionRe.FindStringSubmatch(stdout)
	if match == nil {
		return fmt.Errorf("transfer: could not parse %s version from %q", m.InfoCmd, strings.TrimSpace(stdout))
	}
	if match[1] != m.RequiredVersion {
		return fmt.Errorf("transfer: %s version is %s, only %s is allowed", m.InfoCmd, match[1], m.RequiredVersion)
	}
	return nil
}
