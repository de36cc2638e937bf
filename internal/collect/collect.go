// Package collect locates deliverable files. Patterns pair a source glob with
// a destination path; globs are expanded, directories are walked recursively
// (following symlinks) and every regular file found is reported together with
// its destination path and content digest.
package collect

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Pattern describes one source glob to collect. Source and Destination are
// expected to be fully expanded paths; see the pathexpand package.
type Pattern struct {
	Source      string
	Destination string
	// Required makes an empty match set or a vanished file a hard error
	// instead of a warning.
	Required bool
	// NoDigest skips digest computation for files matched by this pattern.
	NoDigest bool
	// NoDigestCache computes digests without persisting the sidecar cache.
	NoDigestCache bool
}

// Entry is one collected file. Digest is empty when digest computation was
// disabled for the file.
type Entry struct {
	SourcePath string
	DestPath   string
	Digest     string
}

// NoMatchError reports a required pattern that matched no source paths.
type NoMatchError struct {
	Pattern string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("collect: no files matching %q", e.Pattern)
}

// NotFoundError reports a required path that vanished between glob expansion
// and collection, typically a broken symlink.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("collect: path %s does not exist, possibly a broken symlink", e.Path)
}

// Collector gathers files and computes their digests.
type Collector struct {
	noChecksum bool
	algorithm  string
	log        zerolog.Logger
	hashFile   func(path, algorithm string) (string, error)
}

// Option customizes a Collector.
type Option func(*Collector)

// WithoutChecksums disables digest computation for every pattern.
func WithoutChecksums() Option {
	return func(c *Collector) { c.noChecksum = true }
}

// WithAlgorithm selects the digest algorithm. The default is sha1.
func WithAlgorithm(algorithm string) Option {
	return func(c *Collector) {
		if algorithm != "" {
			c.algorithm = algorithm
		}
	}
}

// WithLogger attaches a process logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Collector) { c.log = log }
}

// WithHashFunc overrides the hashing function (primarily for tests).
func WithHashFunc(fn func(path, algorithm string) (string, error)) Option {
	return func(c *Collector) {
		if fn != nil {
			c.hashFile = fn
		}
	}
}

// New creates a Collector.
func New(opts ...Option) (*Collector, error) {
	c := &Collector{
		algorithm: DefaultAlgorithm,
		log:       zerolog.Nop(),
		hashFile:  HashFile,
	}
	for _, opt := range opts {
		opt(c)
	}
	if !supportedAlgorithm(c.algorithm) {
		return nil, fmt.Errorf("collect: unsupported hash algorithm %q", c.algorithm)
	}
	return c, nil
}

// Algorithm returns the digest algorithm in use.
func (c *Collector) Algorithm() string {
	return c.algorithm
}

// Gather expands every pattern and invokes visit once per collected file, in
// a single forward pass. Digest sidecar files are never reported. A non-nil
// error from visit stops the traversal and is returned unchanged.
func (c *Collector) Gather(patterns []Pattern, visit func(Entry) error) error {
	for _, pattern := range patterns {
		if err := c.gatherPattern(pattern, visit); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) gatherPattern(pattern Pattern, visit func(Entry) error) error {
	roots, err := filepath.Glob(pattern.Source)
	if err != nil {
		return fmt.Errorf("collect: bad glob %q: %w", pattern.Source, err)
	}
	matches := 0
	sidecarSuffix := "." + c.algorithm
	for _, root := range roots {
		files, err := c.walk(root, pattern.Destination)
		if err != nil {
			return err
		}
		for _, pair := range files {
			if strings.HasSuffix(pair.src, sidecarSuffix) {
				continue
			}
			matches++
			info, err := os.Stat(pair.src)
			if err != nil || !info.Mode().IsRegular() {
				missing := &NotFoundError{Path: pair.src}
				if pattern.Required {
					return missing
				}
				c.log.Warn().Str("path", pair.src).Msg("skipping unreadable path")
				continue
			}
			entry := Entry{SourcePath: pair.src, DestPath: pair.dst}
			if !c.noChecksum && !pattern.NoDigest {
				entry.Digest, err = c.digest(pair.src, pattern.NoDigestCache)
				if err != nil {
					if pattern.Required {
						return err
					}
					c.log.Warn().Err(err).Str("path", pair.src).Msg("skipping file that could not be hashed")
					continue
				}
			}
			if err := visit(entry); err != nil {
				return err
			}
		}
	}
	if matches == 0 {
		if pattern.Required {
			return &NoMatchError{Pattern: pattern.Source}
		}
		c.log.Warn().Str("pattern", pattern.Source).Msg("no files matching search expression")
	}
	return nil
}

type srcDst struct {
	src string
	dst string
}

// walk lists the files below root. Directories are traversed recursively,
// following symlinks, and destination paths preserve the structure relative
// to the directory holding root. A plain file maps to destination/basename.
func (c *Collector) walk(root, destination string) ([]srcDst, error) {
	info, err := os.Stat(root)
	if err != nil {
		// reported per-file by the caller with the required/warn policy
		return []srcDst{{src: root, dst: filepath.Join(destination, filepath.Base(root))}}, nil
	}
	if !info.IsDir() {
		return []srcDst{{src: root, dst: filepath.Join(destination, filepath.Base(root))}}, nil
	}
	parent := filepath.Dir(root)
	var out []srcDst
	err = walkFollowingSymlinks(root, func(path string) {
		rel, relErr := filepath.Rel(parent, path)
		if relErr != nil {
			rel = filepath.Base(path)
		}
		out = append(out, srcDst{src: path, dst: filepath.Join(destination, rel)})
	})
	if err != nil {
		return nil, fmt.Errorf("collect: walk %s: %w", root, err)
	}
	return out, nil
}

// walkFollowingSymlinks is a depth-first traversal that resolves symlinked
// directories, which filepath.WalkDir will not do.
func walkFollowingSymlinks(dir string, fn func(path string)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		info, err := os.Stat(path)
		if err != nil {
			// broken symlink: still surface the path so the caller can
			// apply the required/warn policy
			fn(path)
			continue
		}
		if info.IsDir() {
			if err := walkFollowingSymlinks(path, fn); err != nil {
				return err
			}
			continue
		}
		fn(path)
	}
	return nil
}
