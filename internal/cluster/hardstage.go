package cluster

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// hardStage physically copies one staged sample tree and its sidecars from
// the symlinked staging area into the hard-stage directory. Symlinks are
// resolved to content; the transfer tool refuses trees containing links.
func hardStage(stagingDir, hardDir, sampleID string) error {
	src := filepath.Join(stagingDir, sampleID)
	dst := filepath.Join(hardDir, sampleID)
	if err := copyTree(src, dst); err != nil {
		return fmt.Errorf("cluster: hard stage %s: %w", sampleID, err)
	}

	// sample sidecars ride along so the remote side can verify
	matches, err := filepath.Glob(filepath.Join(stagingDir, sampleID+".*"))
	if err != nil {
		return fmt.Errorf("cluster: hard stage %s: %w", sampleID, err)
	}
	for _, m := range matches {
		if strings.HasSuffix(m, ".out") || strings.HasSuffix(m, ".err") {
			continue
		}
		if err := copyFile(m, filepath.Join(hardDir, filepath.Base(m))); err != nil {
			return fmt.Errorf("cluster: hard stage %s: %w", sampleID, err)
		}
	}
	return nil
}

// copyTree copies every regular file under src, reading through symlinks.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := os.Stat(path) // follows symlinks
		if err != nil {
			return err
		}
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
