// Package staging builds the transfer-ready tree for a delivery: symbolic
// links to the source files plus two sidecars, a digest file and a file list,
// that together describe exactly what the transfer step will move.
package staging

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/genseq/courier/internal/collect"
)

// Stager writes the staged tree for one delivery unit.
type Stager struct {
	stagingDir string
	id         string
	algorithm  string
	log        zerolog.Logger
}

// New creates a Stager for the unit identified by id (a sample id, project
// id, or the miscellaneous-files pseudo id) rooted at stagingDir.
func New(stagingDir, id, algorithm string, log zerolog.Logger) *Stager {
	return &Stager{stagingDir: stagingDir, id: id, algorithm: algorithm, log: log}
}

// DigestFile returns the path of the digest sidecar, <stagingDir>/<id>.<algo>.
func (s *Stager) DigestFile() string {
	return filepath.Join(s.stagingDir, s.id+"."+s.algorithm)
}

// FileList returns the path of the file-list sidecar, <stagingDir>/<id>.lst.
func (s *Stager) FileList() string {
	return filepath.Join(s.stagingDir, s.id+".lst")
}

// Dir returns the staging root.
func (s *Stager) Dir() string {
	return s.stagingDir
}

// Stage links every collected file into the staging tree and rewrites both
// sidecars. It is idempotent: re-running overwrites the sidecars and
// tolerates links that already exist. Failures on individual files are
// logged and staging continues; failures creating the staging directory or
// sidecars, and collector errors (unmatched required patterns), abort.
func (s *Stager) Stage(collector *collect.Collector, patterns []collect.Pattern) error {
	digestPath := s.DigestFile()
	listPath := s.FileList()
	if err := os.MkdirAll(filepath.Dir(digestPath), 0o755); err != nil {
		return fmt.Errorf("staging: create staging dir: %w", err)
	}

	digestFile, err := os.Create(digestPath)
	if err != nil {
		return fmt.Errorf("staging: create digest file: %w", err)
	}
	defer digestFile.Close()
	listFile, err := os.Create(listPath)
	if err != nil {
		return fmt.Errorf("staging: create file list: %w", err)
	}
	defer listFile.Close()

	digests := bufio.NewWriter(digestFile)
	list := bufio.NewWriter(listFile)

	err = collector.Gather(patterns, func(entry collect.Entry) error {
		if linkErr := Symlink(entry.SourcePath, entry.DestPath); linkErr != nil {
			s.log.Warn().Err(linkErr).
				Str("src", entry.SourcePath).
				Str("dst", entry.DestPath).
				Msg("failed to stage file")
		}
		rel, relErr := filepath.Rel(s.stagingDir, entry.DestPath)
		if relErr != nil {
			rel = entry.DestPath
		}
		if _, werr := fmt.Fprintf(list, "%s\n", rel); werr != nil {
			return fmt.Errorf("staging: write file list: %w", werr)
		}
		if entry.Digest != "" {
			if _, werr := fmt.Fprintf(digests, "%s  %s\n", entry.Digest, rel); werr != nil {
				return fmt.Errorf("staging: write digest file: %w", werr)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// the digest sidecar is itself part of the delivery
	if _, err := fmt.Fprintf(list, "%s\n", filepath.Base(digestPath)); err != nil {
		return fmt.Errorf("staging: write file list: %w", err)
	}
	if err := digests.Flush(); err != nil {
		return fmt.Errorf("staging: flush digest file: %w", err)
	}
	if err := list.Flush(); err != nil {
		return fmt.Errorf("staging: flush file list: %w", err)
	}
	return nil
}
