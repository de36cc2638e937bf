// Package report runs configured external report commands around a delivery.
// Report generation is strictly best effort: a failed or missing report never
// fails the delivery that requested it.
package report

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Config names the external command used to produce a delivery report.
// A nil *Config disables report generation entirely.
type Config struct {
	// Command is the program argv; occurrences of the {project} and
	// {sample} placeholders are substituted before invocation.
	Command []string `yaml:"command"`
	// Dir, when set, is the working directory for the command.
	Dir string `yaml:"dir"`
}

// Generator runs report commands and captures their output next to the
// delivery logs.
type Generator struct {
	cfg    *Config
	logDir string
	log    zerolog.Logger
}

// New creates a Generator. cfg may be nil, in which case Generate is a no-op.
func New(cfg *Config, logDir string, log zerolog.Logger) *Generator {
	return &Generator{cfg: cfg, logDir: logDir, log: log}
}

// Generate runs the configured report command for projectID (and sampleID,
// which may be empty for project-level reports). The command's stdout and
// stderr land in <logDir>/<name>_report.out/.err. Errors are logged and
// returned for the caller to downgrade to a warning.
func (g *Generator) Generate(ctx context.Context, projectID, sampleID string) error {
	if g == nil || g.cfg == nil || len(g.cfg.Command) == 0 {
		return nil
	}
	argv := make([]string, len(g.cfg.Command))
	for i, a := range g.cfg.Command {
		a = strings.ReplaceAll(a, "{project}", projectID)
		a = strings.ReplaceAll(a, "{sample}", sampleID)
		argv[i] = a
	}
	name := projectID
	if sampleID != "" {
		name = projectID + "_" + sampleID
	}
	prefix := filepath.Join(g.logDir, name+"_report")
	if err := os.MkdirAll(g.logDir, 0o755); err != nil {
		return fmt.Errorf("report: create log dir: %w", err)
	}
	outFile, err := os.Create(prefix + ".out")
	if err != nil {
		return fmt.Errorf("report: create log: %w", err)
	}
	defer outFile.Close()
	errFile, err := os.Create(prefix + ".err")
	if err != nil {
		return fmt.Errorf("report: create log: %w", err)
	}
	defer errFile.Close()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = g.cfg.Dir
	cmd.Stdout = outFile
	cmd.Stderr = errFile
	g.log.Debug().Strs("argv", argv).Msg("generating delivery report")
	if err := cmd.Run(); err != nil {
		g.log.Warn().Err(err).Str("log", prefix+".err").Msg("report command failed")
		return fmt.Errorf("report: %s failed (log: %s): %w", argv[0], prefix+".err", err)
	}
	return nil
}
